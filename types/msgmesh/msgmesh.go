// Package msgmesh contains the mesh client message definitions and their wire encoding, exchanged between
// the mediator, the mesh server, and other peers.
//
// The envelope is a protobuf message with exactly one populated variant, encoded and decoded by hand with
// protowire. ClientMessage is sealed within this package.
package msgmesh

import (
	crand "crypto/rand"
	"fmt"
)

// ClientMessage is one of *Meta, *Handshake, *Control, or *Unrecognized.
type ClientMessage interface {
	// MarshalClientMessage returns the full envelope encoding of this message.
	MarshalClientMessage() []byte

	Debug() string

	isClientMessage()
}

// PeerID is the opaque stable identifier the mesh server assigns to a peer.
type PeerID string

// NatType describes how stable a NAT mapping of a node is.
type NatType uint8

const (
	NatUnknown NatType = iota
	// NatAsymmetric is an endpoint-independent mapping, usable for hole punching with third parties.
	NatAsymmetric
	// NatSymmetric is an endpoint-dependent mapping, direct traversal is not expected to work.
	NatSymmetric
)

func (n NatType) String() string {
	switch n {
	case NatUnknown:
		return "unknown"
	case NatAsymmetric:
		return "asymmetric"
	case NatSymmetric:
		return "symmetric"
	default:
		return fmt.Sprintf("nat(%d)", uint8(n))
	}
}

// TxIDLen is the length of transaction IDs this package generates.
const TxIDLen = 12

// NewTxID returns a fresh random transaction ID.
func NewTxID() []byte {
	tx := make([]byte, TxIDLen)
	if _, err := crand.Read(tx); err != nil {
		panic(err)
	}
	return tx
}

// Unrecognized is produced for envelopes without any variant this package knows of.
//
// Fields lists the field numbers that were seen in the envelope, if any.
type Unrecognized struct {
	Fields []int32
}

func (u *Unrecognized) MarshalClientMessage() []byte {
	return []byte{}
}

func (u *Unrecognized) Debug() string {
	return fmt.Sprintf("unrecognized fields=%v", u.Fields)
}

func (u *Unrecognized) isClientMessage() {}
