package wgctl

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/edup2p/mediator/types/ifaces"
	"github.com/edup2p/mediator/types/key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Test constants
const assertEventuallyTick time.Duration = 1 * time.Millisecond
const assertEventuallyTimeout time.Duration = 100 * assertEventuallyTick

type MockClient struct {
	mu sync.Mutex

	configs []wgtypes.Config
	device  wgtypes.Device
	closed  int

	// blocks ConfigureDevice while set
	hold chan struct{}
}

func (m *MockClient) ConfigureDevice(name string, cfg wgtypes.Config) error {
	if m.hold != nil {
		<-m.hold
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.configs = append(m.configs, cfg)
	return nil
}

func (m *MockClient) Device(name string) (*wgtypes.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.device
	d.Name = name
	return &d, nil
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed++
	return nil
}

func (m *MockClient) Configs() []wgtypes.Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]wgtypes.Config(nil), m.configs...)
}

func testHandoff() ifaces.Handoff {
	return ifaces.Handoff{
		Peer:      "peer-b",
		PublicKey: key.NewNode().Public(),
		Key: key.SessionKey{
			Send: key.NakedKey{1},
			Recv: key.NakedKey{2},
		},
		Endpoint:   netip.MustParseAddrPort("198.51.100.7:51820"),
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.2/32"), netip.MustParsePrefix("fd00::2/128")},
	}
}

func TestHandoffConfiguresPeer(t *testing.T) {
	mc := &MockClient{}
	w := New(mc, "wg0", DefaultKeepalive, DefaultQueueLen)
	defer w.Close()

	h := testHandoff()
	require.NoError(t, w.Handoff(h))

	assert.Eventually(t, func() bool {
		return len(mc.Configs()) == 1
	}, assertEventuallyTimeout, assertEventuallyTick)

	cfg := mc.Configs()[0]
	require.Len(t, cfg.Peers, 1)
	pc := cfg.Peers[0]

	assert.False(t, cfg.ReplacePeers)
	assert.Equal(t, wgtypes.Key(h.PublicKey), pc.PublicKey)
	assert.Equal(t, "198.51.100.7:51820", pc.Endpoint.String())
	assert.Equal(t, wgtypes.Key(h.Key.PresharedKey()), *pc.PresharedKey)
	assert.Equal(t, DefaultKeepalive, *pc.PersistentKeepaliveInterval)
	assert.True(t, pc.ReplaceAllowedIPs)
	require.Len(t, pc.AllowedIPs, 2)
	assert.Equal(t, "10.0.0.2/32", pc.AllowedIPs[0].String())
	assert.Equal(t, "fd00::2/128", pc.AllowedIPs[1].String())
}

func TestHandoffDoesNotBlock(t *testing.T) {
	mc := &MockClient{hold: make(chan struct{})}
	w := New(mc, "wg0", DefaultKeepalive, 1)

	// one in the worker, one in the queue, then the queue is full
	assert.Eventually(t, func() bool {
		return w.Handoff(testHandoff()) == ErrQueueFull
	}, assertEventuallyTimeout, assertEventuallyTick)

	close(mc.hold)
	assert.NoError(t, w.Close())
	assert.ErrorIs(t, w.Handoff(testHandoff()), ErrClosed)
	assert.ErrorIs(t, w.Close(), ErrClosed)
	assert.Equal(t, 1, mc.closed)
}

func TestInitSetsPrivateKey(t *testing.T) {
	mc := &MockClient{device: wgtypes.Device{ListenPort: 51820}}
	w := New(mc, "wg0", DefaultKeepalive, DefaultQueueLen)
	defer w.Close()

	priv := key.NewNode()

	port, err := w.Init(priv)
	require.NoError(t, err)
	assert.Equal(t, 51820, port)

	cfg := mc.Configs()[0]
	assert.True(t, cfg.ReplacePeers)
	assert.Equal(t, wgtypes.Key(key.UnveilPrivate(priv)), *cfg.PrivateKey)
	assert.Equal(t, wgtypes.Key(priv.Public()), cfg.PrivateKey.PublicKey())
}

func TestGetStats(t *testing.T) {
	pub := key.NewNode().Public()

	mc := &MockClient{device: wgtypes.Device{Peers: []wgtypes.Peer{{
		PublicKey:     wgtypes.Key(pub),
		ReceiveBytes:  10,
		TransmitBytes: 20,
	}}}}
	w := New(mc, "wg0", DefaultKeepalive, DefaultQueueLen)
	defer w.Close()

	s, err := w.GetStats(pub)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, int64(10), s.RxBytes)
	assert.Equal(t, int64(20), s.TxBytes)

	s, err = w.GetStats(key.NewNode().Public())
	assert.NoError(t, err)
	assert.Nil(t, s)
}
