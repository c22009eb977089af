// Package mediator is the client side of the mesh: it keeps a UDP session with the mesh server, learns how
// to reach other peers, and drives handshakes with them over direct or relayed paths.
//
// All protocol state is owned by a single loop goroutine, and only ever touched from there.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edup2p/mediator/types"
	"github.com/edup2p/mediator/types/ifaces"
	"github.com/edup2p/mediator/types/key"
	"github.com/edup2p/mediator/types/msgmesh"
	"github.com/edup2p/mediator/wgnoise"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
	"go.uber.org/multierr"
)

type Mediator struct {
	self msgmesh.PeerID
	priv key.NodePrivate

	cfg   Config
	clock clock.Clock

	engine    ifaces.HandshakeEngine
	dataPlane ifaces.DataPlane
	reporter  ifaces.Reporter
	bind      BindFunc

	// set by Start
	transport Transport
	server    netip.AddrPort
	whoami    []netip.AddrPort

	dir       *PeerDirectory
	nat       *NatClassifier
	orch      *Orchestrator
	relay     *RelayManager
	keepalive *Keepalive
	pathLimit limiter.Store

	lastWhoami time.Time

	inbox   chan LoopRequest
	timerCh chan deadlineEvent

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	running RunCheck
}

type Option func(m *Mediator)

func WithConfig(c Config) Option {
	return func(m *Mediator) {
		m.cfg = c
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Mediator) {
		m.clock = c
	}
}

func WithEngine(e ifaces.HandshakeEngine) Option {
	return func(m *Mediator) {
		m.engine = e
	}
}

func WithDataPlane(dp ifaces.DataPlane) Option {
	return func(m *Mediator) {
		m.dataPlane = dp
	}
}

func WithReporter(r ifaces.Reporter) Option {
	return func(m *Mediator) {
		m.reporter = r
	}
}

// WithBind replaces how the transport is created, ListenUDP by default.
func WithBind(b BindFunc) Option {
	return func(m *Mediator) {
		m.bind = b
	}
}

var _ ifaces.Mediator = (*Mediator)(nil)

// New creates a mediator for the peer self, with priv as its static key.
//
// priv may only be zero if an engine is given with WithEngine.
func New(self msgmesh.PeerID, priv key.NodePrivate, opts ...Option) (*Mediator, error) {
	m := &Mediator{
		self: self,
		priv: priv,

		cfg:   DefaultConfig(),
		clock: clock.New(),

		dataPlane: logDataPlane{},
		reporter:  logReporter{},
		bind:      ListenUDP,

		nat: &NatClassifier{},

		inbox:   make(chan LoopRequest, InboxChLen),
		timerCh: make(chan deadlineEvent, TimerEventChLen),

		shutdown: make(chan struct{}),
		done:     make(chan struct{}),

		running: MakeRunCheck(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if self == "" {
		return nil, errors.New("mediator needs a peer id")
	}

	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}

	if m.engine == nil {
		if priv.IsZero() {
			return nil, errors.New("mediator needs a private key or a handshake engine")
		}
		m.engine = wgnoise.NewEngine(priv)
	}

	dir, err := NewPeerDirectory(m.cfg.MaxPeers, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("could not create peer directory: %w", err)
	}
	m.dir = dir

	store, err := memorystore.New(&memorystore.Config{
		// Number of tokens allowed per interval.
		Tokens: m.cfg.PathCheckTokens,

		// Interval until tokens reset.
		Interval: m.cfg.PathCheckInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create path check limiter: %w", err)
	}
	m.pathLimit = store

	m.orch = m.makeOrchestrator()
	m.relay = m.makeRelayManager()

	return m, nil
}

func (m *Mediator) Self() msgmesh.PeerID {
	return m.self
}

// PublicKey returns the static public key of this node, zero if only an engine was given.
func (m *Mediator) PublicKey() key.NodePublic {
	if m.priv.IsZero() {
		return key.NodePublic{}
	}
	return m.priv.Public()
}

// Start binds the transport on listen, and runs the loop against server until shutdown.
//
// It returns a *BindError if the transport could not be bound, and nil after a shutdown.
func (m *Mediator) Start(ctx context.Context, listen, server netip.AddrPort) error {
	if !m.running.CheckOrMark() {
		return ErrAlreadyRunning
	}

	t, err := m.bind(listen, m.cfg.SendQueueLen)
	if err != nil {
		var be *BindError
		if !errors.As(err, &be) {
			err = &BindError{Addr: listen, Err: err}
		}

		m.stopStore()
		close(m.done)
		return err
	}

	m.transport = t
	m.server = types.NormaliseAddrPort(server)
	m.whoami = types.Map(m.cfg.whoamiServers(m.server), types.NormaliseAddrPort)
	m.keepalive = &Keepalive{
		self:   m.self,
		server: m.server,
		send:   m.write,
	}

	L(m).Info("mediator started", "self", m.self, "local", t.LocalAddr(), "server", m.server, "whoami", types.PrettyAddrPortSlice(m.whoami))

	return m.run(ctx)
}

// RequestShutdown signals the loop to stop. Safe to call any number of times, from any goroutine.
func (m *Mediator) RequestShutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdown)
	})
}

// Done is closed once the loop has stopped.
func (m *Mediator) Done() <-chan struct{} {
	return m.done
}

func (m *Mediator) run(ctx context.Context) (err error) {
	ticker := m.clock.Ticker(m.cfg.KeepaliveInterval)

	defer func() {
		err = multierr.Append(err, m.teardown(ticker))
	}()

	m.probeWhoami(m.clock.Now())

	frames := m.transport.Frames()

	for {
		select {
		case <-ctx.Done():
			L(m).Info("context done, shutting down")
			return nil
		case <-m.shutdown:
			L(m).Info("shutdown requested")
			return nil
		case frame, ok := <-frames:
			if !ok {
				L(m).Error("transport stopped delivering frames")
				frames = nil
				continue
			}
			m.safely(func() {
				m.handleFrame(frame)
			})
		case now := <-ticker.C:
			m.safely(func() {
				m.onTick(now)
			})
		case ev := <-m.timerCh:
			m.safely(func() {
				m.orch.OnDeadline(ev)
			})
		case req := <-m.inbox:
			m.safely(func() {
				m.handleRequest(req)
			})
		}
	}
}

// safely runs f, so that a single poisoned event cannot take down the loop.
func (m *Mediator) safely(f func()) {
	defer func() {
		if v := recover(); v != nil {
			L(m).Error("panicked while handling event", "panic", v)
		}
	}()

	f()
}

func (m *Mediator) teardown(ticker *clock.Ticker) error {
	ticker.Stop()
	close(m.done)

	m.orch.StopAll()

	err := multierr.Combine(
		m.transport.Close(),
		m.pathLimit.Close(context.Background()),
	)

	L(m).Info("mediator stopped", "err", err)

	return err
}

func (m *Mediator) stopStore() {
	if err := m.pathLimit.Close(context.Background()); err != nil {
		L(m).Warn("could not close path check limiter", "err", err)
	}
}

func (m *Mediator) pushTimerEvent(ev deadlineEvent) {
	select {
	case m.timerCh <- ev:
	case <-m.done:
	}
}

func (m *Mediator) onTick(now time.Time) {
	m.keepalive.Tick(now)

	for _, id := range m.dir.Expire(now.Add(-m.cfg.PeerLivenessTimeout)) {
		L(m).Debug("peer record expired", "peer", id)
		m.orch.Cancel(id, ErrPeerExpired)
		m.relay.Invalidate(id)
	}

	if now.Sub(m.lastWhoami) >= m.cfg.WhoamiInterval {
		m.probeWhoami(now)
	}
}

// onEvict is called by the directory when a record is pushed out to make room.
func (m *Mediator) onEvict(id msgmesh.PeerID) {
	L(m).Debug("peer record evicted", "peer", id)
	m.orch.Cancel(id, ErrPeerEvicted)
	m.relay.Invalidate(id)
}

func (m *Mediator) probeWhoami(now time.Time) {
	m.lastWhoami = now

	for _, ap := range m.whoami {
		_ = m.send(&msgmesh.Meta{
			Type:   msgmesh.MetaHostWhoami,
			TxID:   msgmesh.NewTxID(),
			Time:   uint64(now.Unix()),
			Sender: m.self,
		}, ap)
	}
}

// write encodes and queues msg to dst.
func (m *Mediator) write(msg msgmesh.ClientMessage, dst netip.AddrPort) error {
	slog.Log(context.Background(), types.LevelTrace, "sending", "to", dst, "msg", msg.Debug())

	return m.transport.Send(msg.MarshalClientMessage(), dst)
}

// send is write, logging failures.
func (m *Mediator) send(msg msgmesh.ClientMessage, dst netip.AddrPort) error {
	err := m.write(msg, dst)
	if err != nil {
		L(m).Warn("could not send message", "to", dst, "msg", msg.Debug(), "err", err)
	}
	return err
}

func (m *Mediator) sendToServer(msg msgmesh.ClientMessage) {
	_ = m.send(msg, m.server)
}

func (m *Mediator) reportUnreachable(peer msgmesh.PeerID, reason error) {
	m.reporter.Unreachable(peer, reason)
}

// === inbound

func (m *Mediator) handleFrame(frame RecvFrame) {
	msg, err := msgmesh.Decode(frame.Pkt)
	if err != nil {
		L(m).Debug("dropping undecodable datagram", "from", frame.Src, "len", len(frame.Pkt), "err", err)
		return
	}

	slog.Log(context.Background(), types.LevelTrace, "received", "from", frame.Src, "msg", msg.Debug())

	now := m.clock.Now()

	switch msg := msg.(type) {
	case *msgmesh.Meta:
		m.handleMeta(frame.Src, msg, now)
	case *msgmesh.Handshake:
		m.handleHandshake(frame.Src, msg, now)
	case *msgmesh.Control:
		m.handleControl(frame.Src, msg, now)
	case *msgmesh.Unrecognized:
		slog.Log(context.Background(), types.LevelTrace, "skipping unrecognized message", "from", frame.Src, "msg", msg.Debug())
	}
}

func (m *Mediator) handleMeta(src netip.AddrPort, meta *msgmesh.Meta, now time.Time) {
	if meta.Type == msgmesh.MetaHostWhoami {
		m.onWhoami(src, meta)
		return
	}

	if src != m.server {
		L(m).Debug("dropping meta message not from server", "from", src, "type", meta.Type)
		return
	}

	if meta.PeerID == m.self {
		L(m).Debug("dropping meta message about ourselves", "type", meta.Type)
		return
	}

	switch meta.Type {
	case msgmesh.MetaHostQuery:
		m.onHostQuery(meta, now)
	case msgmesh.MetaHostUpdateNotification:
		m.onHostUpdate(meta, now)
	case msgmesh.MetaHostMovedNotification:
		m.onHostMoved(meta)
	case msgmesh.MetaHostPunchNotification:
		m.onHostPunch(meta, now)
	case msgmesh.MetaPathCheck:
		L(m).Debug("ignoring path check from server", "peer", meta.PeerID)
	default:
		slog.Log(context.Background(), types.LevelTrace, "ignoring unknown meta type", "type", meta.Type)
	}
}

func (m *Mediator) onHostUpdate(meta *msgmesh.Meta, now time.Time) {
	if meta.PeerID == "" {
		return
	}

	m.dir.Upsert(meta.PeerID, meta.Address, meta.NatType, now)

	if !meta.PublicKey.IsZero() {
		_ = m.dir.SetIdentity(meta.PeerID, meta.PublicKey, meta.AllowedIPs)
	}

	m.orch.Retarget(meta.PeerID)
}

func (m *Mediator) onHostMoved(meta *msgmesh.Meta) {
	// the session goes first, so that it cannot complete against the old address
	m.orch.Cancel(meta.PeerID, ErrPeerMoved)
	m.relay.Invalidate(meta.PeerID)
	m.dir.Remove(meta.PeerID)
}

func (m *Mediator) onHostPunch(meta *msgmesh.Meta, now time.Time) {
	if meta.PeerID == "" {
		return
	}

	if meta.Address.IsValid() {
		rec, err := m.dir.Lookup(meta.PeerID)

		nat := meta.NatType
		if err == nil && nat == msgmesh.NatUnknown {
			nat = rec.NatType
		}

		m.dir.Upsert(meta.PeerID, meta.Address, nat, now)

		if !meta.PublicKey.IsZero() && (err != nil || rec.PublicKey.IsZero()) {
			_ = m.dir.SetIdentity(meta.PeerID, meta.PublicKey, meta.AllowedIPs)
		}
	}

	if m.orch.Retarget(meta.PeerID) {
		return
	}

	m.orch.Trigger(meta.PeerID)
}

func (m *Mediator) onHostQuery(meta *msgmesh.Meta, now time.Time) {
	_, _, _, ok, err := m.pathLimit.Take(context.Background(), string(meta.PeerID))
	if err != nil || !ok {
		L(m).Debug("rate limited path check", "peer", meta.PeerID, "err", err)
		return
	}

	reachable := false
	if rec, err := m.dir.Lookup(meta.PeerID); err == nil {
		reachable = rec.State == StateEstablished && now.Sub(rec.LastSeen) <= m.cfg.PeerLivenessTimeout
	}

	m.sendToServer(&msgmesh.Meta{
		Type:      msgmesh.MetaPathCheck,
		PeerID:    meta.PeerID,
		Reachable: reachable,
		TxID:      meta.TxID,
		Time:      uint64(now.Unix()),
		Sender:    m.self,
	})
}

func (m *Mediator) onWhoami(src netip.AddrPort, meta *msgmesh.Meta) {
	if !slices.Contains(m.whoami, src) {
		L(m).Debug("dropping whoami reply from unknown endpoint", "from", src)
		return
	}

	before := m.nat.Verdict()
	after := m.nat.Observe(src, meta.Address)

	if before != after {
		L(m).Info("nat type changed", "from", before, "to", after, "observed", meta.Address)
	}
}

func (m *Mediator) handleHandshake(src netip.AddrPort, hs *msgmesh.Handshake, now time.Time) {
	if hs.Sender == "" || hs.Sender == m.self {
		return
	}

	switch hs.Type {
	case msgmesh.HandshakeInitiation:
		m.orch.OnInitiation(src, hs, now)
	case msgmesh.HandshakeResponse:
		m.orch.OnResponse(src, hs, now)
	default:
		slog.Log(context.Background(), types.LevelTrace, "ignoring unknown handshake type", "type", hs.Type)
	}
}

func (m *Mediator) handleControl(src netip.AddrPort, c *msgmesh.Control, now time.Time) {
	if src != m.server {
		L(m).Debug("dropping control message not from server", "from", src, "type", c.Type)
		return
	}

	switch c.Type {
	case msgmesh.ControlCreateRelayResponse:
		rs, granted := m.relay.OnResponse(c)
		m.orch.OnRelayResponse(c.PeerID, rs, granted)
	case msgmesh.ControlPing:
		m.sendToServer(&msgmesh.Control{
			Type:   msgmesh.ControlPong,
			Time:   c.Time,
			Sender: m.self,
		})
	case msgmesh.ControlPong:
		L(m).Debug("got pong from server", "rtt-seconds", now.Unix()-int64(c.Time))
	default:
		slog.Log(context.Background(), types.LevelTrace, "ignoring control type", "type", c.Type)
	}
}

// === requests

func (m *Mediator) enqueue(ctx context.Context, req LoopRequest) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}

	select {
	case m.inbox <- req:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reach asks the loop to establish a session with peer. The outcome is given to the Reporter.
func (m *Mediator) Reach(ctx context.Context, peer msgmesh.PeerID) error {
	return m.enqueue(ctx, &ReachRequest{Peer: peer})
}

// Peers returns a snapshot of all known peers, sorted by ID.
func (m *Mediator) Peers(ctx context.Context) ([]ifaces.PeerInfo, error) {
	req := &PeersRequest{reply: make(chan []ifaces.PeerInfo, 1)}

	if err := m.enqueue(ctx, req); err != nil {
		return nil, err
	}

	return awaitReply(ctx, m.done, req.reply)
}

// NatType returns the current NAT verdict of this node.
func (m *Mediator) NatType(ctx context.Context) (msgmesh.NatType, error) {
	req := &NatTypeRequest{reply: make(chan msgmesh.NatType, 1)}

	if err := m.enqueue(ctx, req); err != nil {
		return msgmesh.NatUnknown, err
	}

	return awaitReply(ctx, m.done, req.reply)
}

func awaitReply[T any](ctx context.Context, done <-chan struct{}, reply chan T) (T, error) {
	var zero T

	select {
	case v := <-reply:
		return v, nil
	case <-done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (m *Mediator) handleRequest(req LoopRequest) {
	switch r := req.(type) {
	case *ReachRequest:
		m.orch.Trigger(r.Peer)
	case *PeersRequest:
		r.reply <- m.peerInfos()
	case *NatTypeRequest:
		r.reply <- m.nat.Verdict()
	default:
		L(m).Warn("unknown loop request", "req", fmt.Sprintf("%T", req))
	}
}

func (m *Mediator) peerInfos() []ifaces.PeerInfo {
	recs := m.dir.Snapshot()
	infos := make([]ifaces.PeerInfo, 0, len(recs))

	for _, rec := range recs {
		info := ifaces.PeerInfo{
			ID:       rec.ID,
			Address:  rec.Address,
			NatType:  rec.NatType,
			State:    rec.State.String(),
			LastSeen: rec.LastSeen,
		}

		if sess, ok := m.orch.Session(rec.ID); ok {
			info.State = sess.State.String()
		}

		if rs, ok := m.relay.Lookup(rec.ID); ok {
			info.Relayed = true
			info.RelayAddr = rs.Address
		}

		infos = append(infos, info)
	}

	return infos
}

// === defaults

type logReporter struct{}

func (logReporter) Established(peer msgmesh.PeerID, endpoint netip.AddrPort, relayed bool) {
	slog.Info("peer reachable", "peer", peer, "endpoint", endpoint, "relayed", relayed)
}

func (logReporter) Unreachable(peer msgmesh.PeerID, reason error) {
	slog.Warn("peer unreachable", "peer", peer, "reason", reason)
}

type logDataPlane struct{}

func (logDataPlane) Handoff(h ifaces.Handoff) error {
	slog.Info("session key ready, no data plane configured", "peer", h.Peer, "endpoint", h.Endpoint, "relayed", h.Relayed)
	return nil
}
