package mediator

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	ErrAlreadyRunning  = errors.New("mediator already running")
	ErrStopped         = errors.New("mediator stopped")
	ErrTransportClosed = errors.New("transport closed")
	ErrSendQueueFull   = errors.New("send queue full")

	ErrPeerNotFound = errors.New("peer not found")
	ErrNoPublicKey  = errors.New("peer has no known public key")
)

// Reasons given to the Reporter when a peer is unreachable.
var (
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrRelayDenied      = errors.New("relay request denied")
	ErrRelayTimeout     = errors.New("relay timed out")
	ErrPeerMoved        = errors.New("peer moved")
	ErrPeerExpired      = errors.New("peer record expired")
	ErrPeerEvicted      = errors.New("peer record evicted")
	ErrEngine           = errors.New("handshake engine failed")
)

// BindError is returned by Start when the local socket could not be bound.
type BindError struct {
	Addr netip.AddrPort
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("could not bind to %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
