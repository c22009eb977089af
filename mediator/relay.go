package mediator

import (
	"net/netip"
	"time"

	"github.com/edup2p/mediator/types/msgmesh"
)

// RelaySession is a server-assisted path to a peer.
type RelaySession struct {
	ID      uint64
	Peer    msgmesh.PeerID
	Address netip.AddrPort

	Created time.Time
}

// RelayManager requests relay sessions from the server, and tracks the ones granted.
type RelayManager struct {
	m *Mediator

	sessions map[msgmesh.PeerID]*RelaySession
	pending  map[msgmesh.PeerID]time.Time
}

func (m *Mediator) makeRelayManager() *RelayManager {
	return &RelayManager{
		m:        m,
		sessions: make(map[msgmesh.PeerID]*RelaySession),
		pending:  make(map[msgmesh.PeerID]time.Time),
	}
}

// Request asks the server for a relay to peer.
func (rm *RelayManager) Request(peer msgmesh.PeerID) {
	now := rm.m.clock.Now()
	rm.pending[peer] = now

	L(rm).Debug("requesting relay", "peer", peer)

	rm.m.sendToServer(&msgmesh.Control{
		Type:   msgmesh.ControlCreateRelayRequest,
		PeerID: peer,
		Time:   uint64(now.Unix()),
		Sender: rm.m.self,
	})
}

// OnResponse handles a CreateRelayResponse, returning the new session if the relay was granted.
func (rm *RelayManager) OnResponse(c *msgmesh.Control) (*RelaySession, bool) {
	_, wasPending := rm.pending[c.PeerID]
	delete(rm.pending, c.PeerID)

	if !c.RelayGranted() {
		L(rm).Info("relay denied", "peer", c.PeerID, "reason", c.Reason, "pending", wasPending)
		return nil, false
	}

	rs := &RelaySession{
		ID:      c.RelayID,
		Peer:    c.PeerID,
		Address: c.RelayAddress,
		Created: rm.m.clock.Now(),
	}
	rm.sessions[c.PeerID] = rs

	L(rm).Debug("relay granted", "peer", c.PeerID, "relay", c.RelayID, "addr", c.RelayAddress, "pending", wasPending)

	return rs, true
}

func (rm *RelayManager) Lookup(peer msgmesh.PeerID) (*RelaySession, bool) {
	rs, ok := rm.sessions[peer]
	return rs, ok
}

// IsRelayFor reports whether ap is the relay address of peer.
func (rm *RelayManager) IsRelayFor(peer msgmesh.PeerID, ap netip.AddrPort) bool {
	rs, ok := rm.sessions[peer]
	return ok && rs.Address == ap
}

// Invalidate forgets any relay session and pending request for peer.
func (rm *RelayManager) Invalidate(peer msgmesh.PeerID) {
	if rs, ok := rm.sessions[peer]; ok {
		L(rm).Debug("invalidating relay", "peer", peer, "relay", rs.ID)
	}

	delete(rm.sessions, peer)
	delete(rm.pending, peer)
}
