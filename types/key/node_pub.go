package key

import (
	"encoding/hex"
	"strings"

	"go4.org/mem"
)

// NodePublic is the static public key a peer is known by in the directory, and that handshakes are
// authenticated against.
type NodePublic NakedKey

// Debug returns the first bytes of n, enough to tell peers apart in logs.
func (n NodePublic) Debug() string {
	return hex.EncodeToString(n[:4])
}

func (n NodePublic) HexString() string {
	return hex.EncodeToString(n[:])
}

func (n NodePublic) IsZero() bool {
	return n == NodePublic{}
}

// AppendText implements encoding.TextAppender, as "nodekey:" followed by the hex encoding of n.
func (n NodePublic) AppendText(b []byte) ([]byte, error) {
	return appendHexKey(b, nodePublicHexPrefix, n[:]), nil
}

// MarshalText implements encoding.TextMarshaler.
func (n NodePublic) MarshalText() ([]byte, error) {
	return n.AppendText(nil)
}

// UnmarshalText implements encoding.TextUnmarshaler, the "nodekey:" prefix is required.
func (n *NodePublic) UnmarshalText(b []byte) error {
	return parseHex(n[:], mem.B(b), mem.S(nodePublicHexPrefix))
}

// UnmarshalPublic parses a public key as typed by an operator: optionally quoted, and with or without
// the "nodekey:" prefix.
func UnmarshalPublic(s string) (*NodePublic, error) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if !strings.HasPrefix(s, nodePublicHexPrefix) {
		s = nodePublicHexPrefix + s
	}

	pub := new(NodePublic)
	if err := pub.UnmarshalText([]byte(s)); err != nil {
		return nil, err
	}

	return pub, nil
}

// Marshal returns the text form of n, as accepted by UnmarshalPublic.
func (n NodePublic) Marshal() string {
	return string(appendHexKey(nil, nodePublicHexPrefix, n[:]))
}
