package mediator

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edup2p/mediator/types/ifaces"
	"github.com/edup2p/mediator/types/key"
	"github.com/edup2p/mediator/types/msgmesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test constants
const assertEventuallyTick time.Duration = 1 * time.Millisecond
const assertEventuallyTimeout time.Duration = 500 * assertEventuallyTick

// Test variables
var dummyAddrPort = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
var serverAddr = netip.MustParseAddrPort("203.0.113.1:3478")
var peerAddr = netip.MustParseAddrPort("198.51.100.2:41641")
var relayAddr = netip.MustParseAddrPort("203.0.113.9:7000")

var startTime = time.Unix(1700000000, 0)

var testSessionKey = key.SessionKey{Send: key.NakedKey{1}, Recv: key.NakedKey{2}}

// === transport

type sentPacket struct {
	pkt []byte
	to  netip.AddrPort
	msg msgmesh.ClientMessage
}

type MockTransport struct {
	mu sync.Mutex

	frames chan RecvFrame

	sent []sentPacket

	// all ping attempts, including the failed ones
	pings []*msgmesh.Control

	failPings int

	closed int
}

func newMockTransport() *MockTransport {
	return &MockTransport{
		// unbuffered, so a push returns once the loop has picked the frame up
		frames: make(chan RecvFrame),
	}
}

func (m *MockTransport) Send(pkt []byte, dst netip.AddrPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := msgmesh.Decode(pkt)
	if err != nil {
		return err
	}

	if c, ok := msg.(*msgmesh.Control); ok && c.Type == msgmesh.ControlPing {
		m.pings = append(m.pings, c)

		if m.failPings > 0 {
			m.failPings--
			return ErrSendQueueFull
		}
	}

	m.sent = append(m.sent, sentPacket{pkt: pkt, to: dst, msg: msg})

	return nil
}

func (m *MockTransport) Frames() <-chan RecvFrame {
	return m.frames
}

func (m *MockTransport) LocalAddr() netip.AddrPort {
	return dummyAddrPort
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed++
	return nil
}

func (m *MockTransport) Sent() []sentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]sentPacket(nil), m.sent...)
}

func (m *MockTransport) Pings() []*msgmesh.Control {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*msgmesh.Control(nil), m.pings...)
}

func (m *MockTransport) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

// === engine

var (
	mockInitiation = []byte("initiation")
	mockResponse   = []byte("response")
)

type MockEngine struct {
	mu sync.Mutex

	// remote is what Respond claims the initiator's key to be
	remote     key.NodePublic
	respondErr error

	initiators int
}

func (e *MockEngine) NewInitiator(remote key.NodePublic) (ifaces.HandshakeInitiator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.initiators++
	return &MockInitiator{}, nil
}

func (e *MockEngine) Respond(initiation []byte) ([]byte, key.NodePublic, key.SessionKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.respondErr != nil {
		return nil, key.NodePublic{}, key.SessionKey{}, e.respondErr
	}

	return mockResponse, e.remote, testSessionKey.Mirror(), nil
}

type MockInitiator struct{}

func (i *MockInitiator) CreateInitiation() ([]byte, error) {
	return mockInitiation, nil
}

func (i *MockInitiator) ConsumeResponse(response []byte) (key.SessionKey, error) {
	if !bytes.Equal(response, mockResponse) {
		return key.SessionKey{}, errors.New("bad response")
	}
	return testSessionKey, nil
}

// === data plane and reporter

type MockDataPlane struct {
	mu       sync.Mutex
	handoffs []ifaces.Handoff
}

func (d *MockDataPlane) Handoff(h ifaces.Handoff) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handoffs = append(d.handoffs, h)
	return nil
}

func (d *MockDataPlane) Handoffs() []ifaces.Handoff {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]ifaces.Handoff(nil), d.handoffs...)
}

type outcome struct {
	peer        msgmesh.PeerID
	established bool
	endpoint    netip.AddrPort
	relayed     bool
	reason      error
}

type MockReporter struct {
	mu       sync.Mutex
	outcomes []outcome
}

func (r *MockReporter) Established(peer msgmesh.PeerID, endpoint netip.AddrPort, relayed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outcomes = append(r.outcomes, outcome{peer: peer, established: true, endpoint: endpoint, relayed: relayed})
}

func (r *MockReporter) Unreachable(peer msgmesh.PeerID, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outcomes = append(r.outcomes, outcome{peer: peer, reason: reason})
}

func (r *MockReporter) Outcomes() []outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]outcome(nil), r.outcomes...)
}

// === harness

// harness runs a mediator against mocks and a mocked clock.
type harness struct {
	t *testing.T

	m     *Mediator
	clock *clock.Mock
	tr    *MockTransport
	eng   *MockEngine
	dp    *MockDataPlane
	rep   *MockReporter

	peerKey key.NodePublic

	startErr chan error
}

func startHarness(t *testing.T, self msgmesh.PeerID, configure func(c *Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.WhoamiInterval = time.Hour
	if configure != nil {
		configure(&cfg)
	}

	h := &harness{
		t:        t,
		clock:    clock.NewMock(),
		tr:       newMockTransport(),
		dp:       &MockDataPlane{},
		rep:      &MockReporter{},
		peerKey:  key.NewNode().Public(),
		startErr: make(chan error, 1),
	}
	h.eng = &MockEngine{remote: h.peerKey}
	h.clock.Set(startTime)

	m, err := New(self, key.NodePrivate{},
		WithConfig(cfg),
		WithClock(h.clock),
		WithEngine(h.eng),
		WithDataPlane(h.dp),
		WithReporter(h.rep),
		WithBind(func(netip.AddrPort, int) (Transport, error) {
			return h.tr, nil
		}),
	)
	require.NoError(t, err)
	h.m = m

	go func() {
		h.startErr <- m.Start(context.Background(), dummyAddrPort, serverAddr)
	}()

	t.Cleanup(func() {
		m.RequestShutdown()
		<-m.Done()
	})

	// the loop sends its first whoami probes once it is running
	assert.Eventually(t, func() bool {
		return len(h.tr.Sent()) >= 2
	}, assertEventuallyTimeout, assertEventuallyTick)

	return h
}

// sync returns once the loop has handled everything that was pushed before it.
func (h *harness) sync() {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := h.m.NatType(ctx)
	require.NoError(h.t, err)
}

func (h *harness) inject(src netip.AddrPort, msg msgmesh.ClientMessage) {
	h.injectRaw(src, msg.MarshalClientMessage())
}

func (h *harness) injectRaw(src netip.AddrPort, pkt []byte) {
	h.t.Helper()

	h.tr.frames <- RecvFrame{Pkt: pkt, Src: src, Timestamp: h.clock.Now()}
	h.sync()
}

func (h *harness) addPeer(id msgmesh.PeerID, addr netip.AddrPort, nat msgmesh.NatType) {
	h.inject(serverAddr, &msgmesh.Meta{
		Type:       msgmesh.MetaHostUpdateNotification,
		PeerID:     id,
		Address:    addr,
		NatType:    nat,
		PublicKey:  h.peerKey,
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.2/32")},
	})
}

// whoami makes the loop believe its NAT is of the given type.
func (h *harness) whoami(nat msgmesh.NatType) {
	first := netip.MustParseAddrPort("192.0.2.10:50000")
	second := first
	if nat == msgmesh.NatSymmetric {
		second = netip.MustParseAddrPort("192.0.2.10:50001")
	}

	h.inject(serverAddr, &msgmesh.Meta{Type: msgmesh.MetaHostWhoami, Address: first})
	h.inject(netip.AddrPortFrom(serverAddr.Addr(), serverAddr.Port()+1), &msgmesh.Meta{Type: msgmesh.MetaHostWhoami, Address: second})

	got, err := h.m.NatType(context.Background())
	require.NoError(h.t, err)
	require.Equal(h.t, nat, got)
}

func (h *harness) peers() []ifaces.PeerInfo {
	h.t.Helper()

	p, err := h.m.Peers(context.Background())
	require.NoError(h.t, err)
	return p
}

// handshakes returns all handshake messages sent, with their destination.
func (h *harness) handshakes(typ msgmesh.HandshakeType) []sentPacket {
	var out []sentPacket
	for _, s := range h.tr.Sent() {
		if hs, ok := s.msg.(*msgmesh.Handshake); ok && hs.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

func (h *harness) controls(typ msgmesh.ControlType) []sentPacket {
	var out []sentPacket
	for _, s := range h.tr.Sent() {
		if c, ok := s.msg.(*msgmesh.Control); ok && c.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

func (h *harness) metas(typ msgmesh.MetaType) []sentPacket {
	var out []sentPacket
	for _, s := range h.tr.Sent() {
		if m, ok := s.msg.(*msgmesh.Meta); ok && m.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

// awaitInitiations waits until n initiations have been sent, and returns the last one.
func (h *harness) awaitInitiations(n int) (*msgmesh.Handshake, netip.AddrPort) {
	h.t.Helper()

	assert.Eventually(h.t, func() bool {
		return len(h.handshakes(msgmesh.HandshakeInitiation)) >= n
	}, assertEventuallyTimeout, assertEventuallyTick)

	// the deadline is armed right after sending, wait for that before anyone moves the clock
	h.sync()

	sent := h.handshakes(msgmesh.HandshakeInitiation)
	require.Len(h.t, sent, n)
	last := sent[len(sent)-1]

	return last.msg.(*msgmesh.Handshake), last.to
}

func (h *harness) awaitOutcomes(n int) []outcome {
	h.t.Helper()

	assert.Eventually(h.t, func() bool {
		return len(h.rep.Outcomes()) >= n
	}, assertEventuallyTimeout, assertEventuallyTick)

	return h.rep.Outcomes()
}

func (h *harness) respond(src netip.AddrPort, from msgmesh.PeerID, to *msgmesh.Handshake) {
	h.inject(src, &msgmesh.Handshake{
		Type:          msgmesh.HandshakeResponse,
		Sender:        from,
		Receiver:      to.Sender,
		SenderIndex:   1000,
		ReceiverIndex: to.SenderIndex,
		Payload:       mockResponse,
	})
}

// escalateToRelay lets a direct handshake with a new peer time out, and waits for the relay request
// that follows.
func (h *harness) escalateToRelay(peer msgmesh.PeerID, nat msgmesh.NatType) {
	h.t.Helper()

	h.addPeer(peer, peerAddr, nat)
	require.NoError(h.t, h.m.Reach(context.Background(), peer))

	_, to := h.awaitInitiations(1)
	require.Equal(h.t, peerAddr, to)
	require.Empty(h.t, h.controls(msgmesh.ControlCreateRelayRequest))

	h.clock.Add(h.m.cfg.HandshakeTimeout)

	assert.Eventually(h.t, func() bool {
		return len(h.controls(msgmesh.ControlCreateRelayRequest)) == 1
	}, assertEventuallyTimeout, assertEventuallyTick)
	h.sync()

	req := h.controls(msgmesh.ControlCreateRelayRequest)[0]
	require.Equal(h.t, serverAddr, req.to)
	require.Equal(h.t, peer, req.msg.(*msgmesh.Control).PeerID)
}

func (h *harness) grantRelay(peer msgmesh.PeerID) {
	h.inject(serverAddr, &msgmesh.Control{
		Type:         msgmesh.ControlCreateRelayResponse,
		PeerID:       peer,
		RelayID:      7,
		RelayAddress: relayAddr,
	})
}
