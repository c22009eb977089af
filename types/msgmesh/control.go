package msgmesh

import (
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"
)

// Control carries relay negotiation and keepalives between a client and the server.
type Control struct {
	Type ControlType

	// PeerID is the target peer of a relay request or response.
	PeerID PeerID

	// RelayID is assigned by the server, 0 in a response means the relay was denied.
	RelayID      uint64
	RelayAddress netip.AddrPort

	// Time is in seconds since the unix epoch.
	Time uint64

	Reason string

	Sender PeerID
}

// RelayGranted reports whether this is a successful CreateRelayResponse.
func (c *Control) RelayGranted() bool {
	return c.Type == ControlCreateRelayResponse && c.RelayID != 0 && c.RelayAddress.IsValid()
}

func (c *Control) MarshalClientMessage() []byte {
	var b []byte

	b = appendVarint(b, controlType, uint64(c.Type))
	b = appendString(b, controlPeerID, string(c.PeerID))
	b = appendVarint(b, controlRelayID, c.RelayID)
	b = appendAddrPort(b, controlRelayAddress, c.RelayAddress)
	b = appendVarint(b, controlTime, c.Time)
	b = appendString(b, controlReason, c.Reason)
	b = appendString(b, controlSender, string(c.Sender))

	return wrapEnvelope(envelopeControl, b)
}

func (c *Control) Debug() string {
	return fmt.Sprintf("control %s peer=%s relay=%d addr=%s time=%d", c.Type, c.PeerID, c.RelayID, c.RelayAddress, c.Time)
}

func (c *Control) isClientMessage() {}

func parseControl(b []byte) (*Control, error) {
	c := new(Control)

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case controlType:
			v, n, err := consumeVarint(num, typ, b)
			c.Type = saturate[ControlType](v)
			return n, err
		case controlPeerID:
			v, n, err := consumeString(num, typ, b)
			c.PeerID = PeerID(v)
			return n, err
		case controlRelayID:
			v, n, err := consumeVarint(num, typ, b)
			c.RelayID = v
			return n, err
		case controlRelayAddress:
			v, n, err := consumeAddrPort(num, typ, b)
			c.RelayAddress = v
			return n, err
		case controlTime:
			v, n, err := consumeVarint(num, typ, b)
			c.Time = v
			return n, err
		case controlReason:
			v, n, err := consumeString(num, typ, b)
			c.Reason = v
			return n, err
		case controlSender:
			v, n, err := consumeString(num, typ, b)
			c.Sender = PeerID(v)
			return n, err
		default:
			return 0, nil
		}
	})

	if err != nil {
		return nil, err
	}

	return c, nil
}
