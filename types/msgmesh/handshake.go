package msgmesh

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Handshake carries one message of the two-message key exchange between two peers.
//
// The payload is opaque to the mediator, and belongs to the handshake engine.
type Handshake struct {
	Type HandshakeType

	Sender   PeerID
	Receiver PeerID

	// SenderIndex identifies the attempt of the sender, and is echoed back as ReceiverIndex in a response.
	SenderIndex   uint32
	ReceiverIndex uint32

	Payload []byte
}

func (h *Handshake) MarshalClientMessage() []byte {
	var b []byte

	b = appendVarint(b, handshakeType, uint64(h.Type))
	b = appendString(b, handshakeSender, string(h.Sender))
	b = appendString(b, handshakeReceiver, string(h.Receiver))
	b = appendVarint(b, handshakeSenderIndex, uint64(h.SenderIndex))
	b = appendVarint(b, handshakeReceiverIndex, uint64(h.ReceiverIndex))
	b = appendBytes(b, handshakePayload, h.Payload)

	return wrapEnvelope(envelopeHandshake, b)
}

func (h *Handshake) Debug() string {
	return fmt.Sprintf("handshake %s %s->%s idx=%d/%d len=%d", h.Type, h.Sender, h.Receiver, h.SenderIndex, h.ReceiverIndex, len(h.Payload))
}

func (h *Handshake) isClientMessage() {}

func parseHandshake(b []byte) (*Handshake, error) {
	h := new(Handshake)

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case handshakeType:
			v, n, err := consumeVarint(num, typ, b)
			h.Type = saturate[HandshakeType](v)
			return n, err
		case handshakeSender:
			v, n, err := consumeString(num, typ, b)
			h.Sender = PeerID(v)
			return n, err
		case handshakeReceiver:
			v, n, err := consumeString(num, typ, b)
			h.Receiver = PeerID(v)
			return n, err
		case handshakeSenderIndex:
			v, n, err := consumeVarint(num, typ, b)
			h.SenderIndex = saturate[uint32](v)
			return n, err
		case handshakeReceiverIndex:
			v, n, err := consumeVarint(num, typ, b)
			h.ReceiverIndex = saturate[uint32](v)
			return n, err
		case handshakePayload:
			v, n, err := consumeClone(num, typ, b)
			h.Payload = v
			return n, err
		default:
			return 0, nil
		}
	})

	if err != nil {
		return nil, err
	}

	return h, nil
}
