package ifaces

import (
	"net/netip"

	"github.com/edup2p/mediator/types/msgmesh"
)

// Reporter is informed of the outcome of every reachability attempt.
//
// Its methods are called from the mediator's loop, and must not block.
type Reporter interface {
	// Established is called once a session key with peer has been handed to the data plane.
	Established(peer msgmesh.PeerID, endpoint netip.AddrPort, relayed bool)

	// Unreachable is called when an attempt to reach peer has been given up on, with the reason why.
	Unreachable(peer msgmesh.PeerID, reason error)
}
