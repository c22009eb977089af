package msgmesh

import (
	"fmt"
	"net/netip"

	"github.com/edup2p/mediator/types/key"
	"google.golang.org/protobuf/encoding/protowire"
)

// Meta carries peer discovery and liveness information between the server and a client.
type Meta struct {
	Type MetaType

	// PeerID is the peer this message is about.
	PeerID PeerID

	// Address is the reachable address of PeerID, or the observed address of this client for HostWhoami.
	Address netip.AddrPort // 18 bytes (16+2) on the wire; v4-mapped ipv6 for IPv4

	NatType NatType

	PublicKey key.NodePublic

	Reachable bool

	AllowedIPs []netip.Prefix

	// Time is in seconds since the unix epoch.
	Time uint64

	TxID []byte

	Sender PeerID
}

func (m *Meta) MarshalClientMessage() []byte {
	var b []byte

	b = appendVarint(b, metaType, uint64(m.Type))
	b = appendString(b, metaPeerID, string(m.PeerID))
	b = appendAddrPort(b, metaAddress, m.Address)
	b = appendVarint(b, metaNatType, uint64(m.NatType))
	if !m.PublicKey.IsZero() {
		b = appendBytes(b, metaPublicKey, m.PublicKey[:])
	}
	b = appendBool(b, metaReachable, m.Reachable)
	for _, p := range m.AllowedIPs {
		// always emitted, an empty entry would shift the list
		b = protowire.AppendTag(b, metaAllowedIPs, protowire.BytesType)
		b = protowire.AppendString(b, p.String())
	}
	b = appendVarint(b, metaTime, m.Time)
	b = appendBytes(b, metaTxID, m.TxID)
	b = appendString(b, metaSender, string(m.Sender))

	return wrapEnvelope(envelopeMeta, b)
}

func (m *Meta) Debug() string {
	return fmt.Sprintf("meta %s peer=%s addr=%s nat=%s tx=%x", m.Type, m.PeerID, m.Address, m.NatType, m.TxID)
}

func (m *Meta) isClientMessage() {}

func parseMeta(b []byte) (*Meta, error) {
	m := new(Meta)

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case metaType:
			v, n, err := consumeVarint(num, typ, b)
			m.Type = saturate[MetaType](v)
			return n, err
		case metaPeerID:
			v, n, err := consumeString(num, typ, b)
			m.PeerID = PeerID(v)
			return n, err
		case metaAddress:
			v, n, err := consumeAddrPort(num, typ, b)
			m.Address = v
			return n, err
		case metaNatType:
			v, n, err := consumeVarint(num, typ, b)
			m.NatType = saturate[NatType](v)
			return n, err
		case metaPublicKey:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			if len(v) != key.Len {
				return 0, malformed(num, "public key has %d bytes, want %d", len(v), key.Len)
			}
			m.PublicKey = key.NodePublic(v)
			return n, nil
		case metaReachable:
			v, n, err := consumeVarint(num, typ, b)
			m.Reachable = protowire.DecodeBool(v)
			return n, err
		case metaAllowedIPs:
			v, n, err := consumeString(num, typ, b)
			if err != nil {
				return 0, err
			}
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return 0, malformed(num, "allowed ip: %v", err)
			}
			m.AllowedIPs = append(m.AllowedIPs, p)
			return n, nil
		case metaTime:
			v, n, err := consumeVarint(num, typ, b)
			m.Time = v
			return n, err
		case metaTxID:
			v, n, err := consumeClone(num, typ, b)
			m.TxID = v
			return n, err
		case metaSender:
			v, n, err := consumeString(num, typ, b)
			m.Sender = PeerID(v)
			return n, err
		default:
			return 0, nil
		}
	})

	if err != nil {
		return nil, err
	}

	return m, nil
}
