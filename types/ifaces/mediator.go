package ifaces

import (
	"context"
	"net/netip"
	"time"

	"github.com/edup2p/mediator/types/msgmesh"
)

// PeerInfo is a read-only snapshot of a peer record.
type PeerInfo struct {
	ID        msgmesh.PeerID
	Address   netip.AddrPort
	NatType   msgmesh.NatType
	State     string
	LastSeen  time.Time
	Relayed   bool
	RelayAddr netip.AddrPort
}

// Mediator documents the functions the mediator exposes to its embedding application.
type Mediator interface {
	// Start binds the socket and runs until shutdown, or returns a bind error.
	Start(ctx context.Context, listen, server netip.AddrPort) error

	// RequestShutdown signals the mediator to stop. It may be called any number of times, from anywhere.
	RequestShutdown()

	// Reach asks the mediator to establish a session with peer. The outcome goes to the Reporter.
	Reach(ctx context.Context, peer msgmesh.PeerID) error

	Peers(ctx context.Context) ([]PeerInfo, error)

	NatType(ctx context.Context) (msgmesh.NatType, error)
}
