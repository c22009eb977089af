package ifaces

import (
	"github.com/edup2p/mediator/types/key"
)

// HandshakeEngine performs the cryptographic two-message key exchange that the mediator drives.
//
// The mediator never looks into the bytes it produces, it only forwards them.
type HandshakeEngine interface {
	// NewInitiator prepares an outbound handshake towards the static key of a remote peer.
	NewInitiator(remote key.NodePublic) (HandshakeInitiator, error)

	// Respond consumes an initiation message from a remote peer, and produces the response message.
	//
	// It returns the static key that the initiator authenticated with, and the established session key.
	Respond(initiation []byte) (response []byte, remote key.NodePublic, sk key.SessionKey, err error)
}

// HandshakeInitiator is the initiator half of a single handshake attempt.
type HandshakeInitiator interface {
	CreateInitiation() ([]byte, error)

	// ConsumeResponse verifies the response, and returns the session key on success.
	ConsumeResponse(response []byte) (key.SessionKey, error)
}
