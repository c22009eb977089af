package mediator

import (
	"github.com/edup2p/mediator/types/ifaces"
	"github.com/edup2p/mediator/types/msgmesh"
)

// LoopRequest is a message that other goroutines send to the loop.
type LoopRequest interface {
	isLoopRequest()
}

// ReachRequest asks the loop to start a handshake with Peer.
type ReachRequest struct {
	Peer msgmesh.PeerID
}

// PeersRequest asks the loop for a snapshot of the peer directory.
type PeersRequest struct {
	reply chan []ifaces.PeerInfo
}

// NatTypeRequest asks the loop for the current NAT verdict.
type NatTypeRequest struct {
	reply chan msgmesh.NatType
}

func (*ReachRequest) isLoopRequest()   {}
func (*PeersRequest) isLoopRequest()   {}
func (*NatTypeRequest) isLoopRequest() {}
