package ifaces

import (
	"net/netip"

	"github.com/edup2p/mediator/types/key"
	"github.com/edup2p/mediator/types/msgmesh"
)

// Handoff is everything the data plane needs to bring up a tunnel to a peer.
type Handoff struct {
	Peer      msgmesh.PeerID
	PublicKey key.NodePublic

	Key key.SessionKey

	// Endpoint is the negotiated address, a relay address if Relayed is set.
	Endpoint netip.AddrPort
	Relayed  bool

	AllowedIPs []netip.Prefix
}

// DataPlane receives established session keys.
//
// Handoff is called from the mediator's loop, and must not block.
type DataPlane interface {
	Handoff(h Handoff) error
}
