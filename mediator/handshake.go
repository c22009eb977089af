package mediator

import (
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edup2p/mediator/types/ifaces"
	"github.com/edup2p/mediator/types/key"
	"github.com/edup2p/mediator/types/msgmesh"
	"golang.org/x/exp/maps"
)

// HandshakeSession is an in-flight handshake towards a peer.
type HandshakeSession struct {
	Peer  msgmesh.PeerID
	State HandshakeState

	// Target is the address the current attempt was sent to.
	Target  netip.AddrPort
	Relayed bool

	// Index correlates a response to the attempt it answers.
	Index uint32

	DirectAttempts int

	Deadline time.Time

	initiator     ifaces.HandshakeInitiator
	awaitingRelay bool

	gen   uint64
	timer *clock.Timer
}

type deadlineEvent struct {
	peer msgmesh.PeerID
	gen  uint64
}

// Orchestrator drives handshakes with peers, at most one session per peer at a time.
type Orchestrator struct {
	m *Mediator

	sessions map[msgmesh.PeerID]*HandshakeSession

	nextIndex uint32
	nextGen   uint64
}

func (m *Mediator) makeOrchestrator() *Orchestrator {
	return &Orchestrator{
		m:        m,
		sessions: make(map[msgmesh.PeerID]*HandshakeSession),
	}
}

// Session returns a copy of the active session for peer, if any.
func (o *Orchestrator) Session(peer msgmesh.PeerID) (HandshakeSession, bool) {
	sess, ok := o.sessions[peer]
	if !ok {
		return HandshakeSession{}, false
	}
	return *sess, true
}

func (o *Orchestrator) Len() int {
	return len(o.sessions)
}

// directRuledOut reports whether a direct path to rec is not expected to ever work.
func (o *Orchestrator) directRuledOut(rec PeerRecord) bool {
	return o.m.nat.Verdict() == msgmesh.NatSymmetric || rec.NatType == msgmesh.NatSymmetric
}

// Trigger starts a handshake with peer, unless one is already in progress.
//
// It reports whether a new session was created.
func (o *Orchestrator) Trigger(peer msgmesh.PeerID) bool {
	if sess, ok := o.sessions[peer]; ok {
		L(o).Debug("handshake already in progress, ignoring trigger", "peer", peer, "state", sess.State)
		return false
	}

	rec, err := o.m.dir.Lookup(peer)
	if err != nil {
		o.m.reportUnreachable(peer, err)
		return false
	}

	if rec.PublicKey.IsZero() {
		o.m.dir.SetState(peer, StateFailed, time.Time{})
		o.m.reportUnreachable(peer, ErrNoPublicKey)
		return false
	}

	sess := &HandshakeSession{Peer: peer, State: StateInitiating}
	o.sessions[peer] = sess

	if o.directRuledOut(rec) {
		if rs, ok := o.m.relay.Lookup(peer); ok {
			o.initiate(sess, rec, rs.Address, true)
			return true
		}
	}

	if !rec.Address.IsValid() {
		L(o).Debug("no direct address known, going to relay", "peer", peer)
		o.escalate(sess)
		return true
	}

	o.initiate(sess, rec, rec.Address, false)
	return true
}

// initiate sends a fresh initiation to target, and waits for the response.
func (o *Orchestrator) initiate(sess *HandshakeSession, rec PeerRecord, target netip.AddrPort, relayed bool) {
	init, err := o.m.engine.NewInitiator(rec.PublicKey)
	var payload []byte
	if err == nil {
		payload, err = init.CreateInitiation()
	}
	if err != nil {
		L(o).Warn("could not create handshake initiation", "peer", sess.Peer, "err", err)
		o.fail(sess, fmt.Errorf("%w: %w", ErrEngine, err))
		return
	}

	o.nextIndex++

	sess.State = StateAwaitingResponse
	sess.Index = o.nextIndex
	sess.Target = target
	sess.Relayed = relayed
	sess.initiator = init
	sess.awaitingRelay = false
	if !relayed {
		sess.DirectAttempts++
	}

	L(o).Debug("sending handshake initiation", "peer", sess.Peer, "to", target, "relayed", relayed, "attempt", sess.DirectAttempts)

	// fire and forget, the deadline takes care of lost packets
	_ = o.m.send(&msgmesh.Handshake{
		Type:        msgmesh.HandshakeInitiation,
		Sender:      o.m.self,
		Receiver:    sess.Peer,
		SenderIndex: sess.Index,
		Payload:     payload,
	}, target)

	o.arm(sess, o.m.cfg.HandshakeTimeout)
}

// escalate moves a session to a relayed path, requesting a relay if there is none yet.
func (o *Orchestrator) escalate(sess *HandshakeSession) {
	if rs, ok := o.m.relay.Lookup(sess.Peer); ok {
		rec, err := o.m.dir.Lookup(sess.Peer)
		if err != nil {
			o.fail(sess, err)
			return
		}

		o.initiate(sess, rec, rs.Address, true)
		return
	}

	sess.State = StateInitiating
	sess.awaitingRelay = true
	sess.initiator = nil

	o.m.relay.Request(sess.Peer)

	o.arm(sess, o.m.cfg.RelayTimeout)
}

func (o *Orchestrator) arm(sess *HandshakeSession, d time.Duration) {
	if sess.timer != nil {
		sess.timer.Stop()
	}

	o.nextGen++
	sess.gen = o.nextGen
	sess.Deadline = o.m.clock.Now().Add(d)

	ev := deadlineEvent{peer: sess.Peer, gen: sess.gen}
	sess.timer = o.m.clock.AfterFunc(d, func() {
		o.m.pushTimerEvent(ev)
	})
}

// OnDeadline handles an expired session deadline. Events of superseded deadlines are ignored.
func (o *Orchestrator) OnDeadline(ev deadlineEvent) {
	sess, ok := o.sessions[ev.peer]
	if !ok || sess.gen != ev.gen {
		return
	}

	switch {
	case sess.awaitingRelay:
		L(o).Info("relay request timed out", "peer", sess.Peer)
		o.m.relay.Invalidate(sess.Peer)
		o.fail(sess, ErrRelayTimeout)
	case sess.Relayed:
		// the relay did not carry our handshake, so it is not alive anymore
		L(o).Info("relayed handshake timed out", "peer", sess.Peer, "relay", sess.Target)
		o.m.relay.Invalidate(sess.Peer)
		o.fail(sess, ErrRelayTimeout)
	default:
		rec, err := o.m.dir.Lookup(sess.Peer)
		if err != nil {
			o.fail(sess, err)
			return
		}

		if sess.DirectAttempts <= o.m.cfg.DirectRetries && !o.directRuledOut(rec) && rec.Address.IsValid() {
			L(o).Debug("direct handshake timed out, retrying", "peer", sess.Peer, "attempt", sess.DirectAttempts)
			o.initiate(sess, rec, rec.Address, false)
			return
		}

		L(o).Debug("direct handshake timed out, escalating to relay", "peer", sess.Peer, "attempts", sess.DirectAttempts, "nat", o.m.nat.Verdict(), "peer-nat", rec.NatType)
		o.escalate(sess)
	}
}

// OnResponse handles a handshake response, which is only accepted from the current target of the session,
// answering the current attempt.
func (o *Orchestrator) OnResponse(src netip.AddrPort, hs *msgmesh.Handshake, now time.Time) {
	sess, ok := o.sessions[hs.Sender]
	if !ok || sess.State != StateAwaitingResponse {
		L(o).Debug("dropping unexpected handshake response", "peer", hs.Sender, "from", src)
		return
	}

	if src != sess.Target || hs.ReceiverIndex != sess.Index {
		L(o).Debug("dropping mismatched handshake response", "peer", hs.Sender, "from", src, "target", sess.Target, "index", hs.ReceiverIndex, "expected-index", sess.Index)
		return
	}

	o.m.dir.Touch(sess.Peer, now)

	sk, err := sess.initiator.ConsumeResponse(hs.Payload)
	if err != nil {
		// could be forged, keep waiting for a valid one until the deadline
		L(o).Warn("invalid handshake response", "peer", hs.Sender, "from", src, "err", err)
		return
	}

	o.establish(sess.Peer, sk, sess.Target, sess.Relayed, now)
}

// OnInitiation answers a handshake initiation of a known peer.
func (o *Orchestrator) OnInitiation(src netip.AddrPort, hs *msgmesh.Handshake, now time.Time) {
	if hs.Receiver != "" && hs.Receiver != o.m.self {
		L(o).Debug("dropping initiation for someone else", "receiver", hs.Receiver, "from", src)
		return
	}

	rec, err := o.m.dir.Lookup(hs.Sender)
	if err != nil {
		L(o).Debug("dropping initiation from unknown peer", "peer", hs.Sender, "from", src)
		return
	}

	// only an initiation that is actually in flight can win, a session waiting on a relay has none
	if sess, ok := o.sessions[hs.Sender]; ok && sess.State == StateAwaitingResponse && o.m.self < hs.Sender {
		L(o).Debug("simultaneous open, keeping own initiation", "peer", hs.Sender)
		return
	}

	resp, remote, sk, err := o.m.engine.Respond(hs.Payload)
	if err != nil {
		L(o).Warn("could not respond to handshake initiation", "peer", hs.Sender, "from", src, "err", err)
		return
	}

	if remote != rec.PublicKey {
		L(o).Warn("handshake initiation from unexpected key", "peer", hs.Sender, "from", src, "key", remote.Debug())
		return
	}

	if sess, ok := o.sessions[hs.Sender]; ok {
		L(o).Debug("simultaneous open, yielding own initiation", "peer", hs.Sender)
		o.finish(sess)
	}

	o.nextIndex++

	_ = o.m.send(&msgmesh.Handshake{
		Type:          msgmesh.HandshakeResponse,
		Sender:        o.m.self,
		Receiver:      hs.Sender,
		SenderIndex:   o.nextIndex,
		ReceiverIndex: hs.SenderIndex,
		Payload:       resp,
	}, src)

	o.establish(hs.Sender, sk, src, o.m.relay.IsRelayFor(hs.Sender, src), now)
}

// Retarget moves an in-flight direct attempt with peer to the address the directory now holds for it.
//
// The new attempt gets a fresh index and deadline, and does not count against the retry budget.
// It reports whether the session was moved.
func (o *Orchestrator) Retarget(peer msgmesh.PeerID) bool {
	sess, ok := o.sessions[peer]
	if !ok || sess.State != StateAwaitingResponse || sess.Relayed {
		return false
	}

	rec, err := o.m.dir.Lookup(peer)
	if err != nil || !rec.Address.IsValid() || rec.Address == sess.Target {
		return false
	}

	L(o).Debug("peer address changed, retargeting handshake", "peer", peer, "from", sess.Target, "to", rec.Address)

	attempts := sess.DirectAttempts
	o.initiate(sess, rec, rec.Address, false)
	sess.DirectAttempts = attempts

	return true
}

// OnRelayResponse continues a session that was waiting on a relay.
func (o *Orchestrator) OnRelayResponse(peer msgmesh.PeerID, rs *RelaySession, granted bool) {
	sess, ok := o.sessions[peer]
	if !ok || !sess.awaitingRelay {
		return
	}

	if !granted {
		o.fail(sess, ErrRelayDenied)
		return
	}

	rec, err := o.m.dir.Lookup(peer)
	if err != nil {
		o.fail(sess, err)
		return
	}

	o.initiate(sess, rec, rs.Address, true)
}

// Cancel abandons the session with peer, reporting it as unreachable for reason.
func (o *Orchestrator) Cancel(peer msgmesh.PeerID, reason error) bool {
	sess, ok := o.sessions[peer]
	if !ok {
		return false
	}

	L(o).Debug("cancelling handshake", "peer", peer, "state", sess.State, "reason", reason)
	o.fail(sess, reason)
	return true
}

// StopAll drops all sessions without reporting them, used on shutdown.
func (o *Orchestrator) StopAll() {
	peers := maps.Keys(o.sessions)
	slices.Sort(peers)

	for _, peer := range peers {
		o.finish(o.sessions[peer])
	}
}

// establish hands a session key to the data plane, ending any session with peer.
func (o *Orchestrator) establish(peer msgmesh.PeerID, sk key.SessionKey, endpoint netip.AddrPort, relayed bool, now time.Time) {
	if sess, ok := o.sessions[peer]; ok {
		o.finish(sess)
	}

	o.m.dir.SetState(peer, StateEstablished, now)

	rec, err := o.m.dir.Lookup(peer)
	if err != nil {
		// evicted in the meantime
		o.m.reportUnreachable(peer, err)
		return
	}

	L(o).Info("handshake established", "peer", peer, "endpoint", endpoint, "relayed", relayed, "psk", sk.PresharedKey().Debug())

	if err := o.m.dataPlane.Handoff(ifaces.Handoff{
		Peer:       peer,
		PublicKey:  rec.PublicKey,
		Key:        sk,
		Endpoint:   endpoint,
		Relayed:    relayed,
		AllowedIPs: rec.AllowedIPs,
	}); err != nil {
		L(o).Warn("data plane handoff failed", "peer", peer, "err", err)
	}

	o.m.reporter.Established(peer, endpoint, relayed)
}

func (o *Orchestrator) fail(sess *HandshakeSession, reason error) {
	o.finish(sess)
	sess.State = StateFailed

	o.m.dir.SetState(sess.Peer, StateFailed, time.Time{})
	o.m.reportUnreachable(sess.Peer, reason)
}

func (o *Orchestrator) finish(sess *HandshakeSession) {
	if sess.timer != nil {
		sess.timer.Stop()
	}

	delete(o.sessions, sess.Peer)
}
