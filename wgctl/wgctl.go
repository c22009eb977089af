// Package wgctl hands established session keys to a kernel (or wireguard-go) WireGuard device, through wgctrl.
package wgctl

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/edup2p/mediator/types"
	"github.com/edup2p/mediator/types/ifaces"
	"github.com/edup2p/mediator/types/key"
	"go.uber.org/multierr"
	"go4.org/netipx"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	DefaultKeepalive = 25 * time.Second
	DefaultQueueLen  = 16
)

var (
	ErrClosed    = errors.New("wgctl closed")
	ErrQueueFull = errors.New("wgctl handoff queue full")
)

// Client is the part of *wgctrl.Client that WGCtrl uses.
type Client interface {
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Device(name string) (*wgtypes.Device, error)
	Close() error
}

// WGCtrl is an ifaces.DataPlane that configures a preconfigured WireGuard interface.
//
// On macos, run:
// - sudo wireguard-go utun
// - sudo chown $USER /var/run/wireguard/utun*
// - wg show
//
// To shut down the socket, run:
// - sudo rm /var/run/wireguard/utun*
type WGCtrl struct {
	// Control client
	client Client
	// Device name
	name string

	keepalive time.Duration

	queue     chan ifaces.Handoff
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu sync.Mutex
}

var _ ifaces.DataPlane = (*WGCtrl)(nil)

// Open connects to the device called name.
func Open(name string) (*WGCtrl, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("could not open wgctrl: %w", err)
	}

	if _, err := client.Device(name); err != nil {
		return nil, multierr.Combine(fmt.Errorf("could not find device %s: %w", name, err), client.Close())
	}

	return New(client, name, DefaultKeepalive, DefaultQueueLen), nil
}

// New starts a WGCtrl on client, with its handoff worker.
func New(client Client, name string, keepalive time.Duration, queueLen int) *WGCtrl {
	w := &WGCtrl{
		client:    client,
		name:      name,
		keepalive: keepalive,
		queue:     make(chan ifaces.Handoff, queueLen),
		closed:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.work()

	return w
}

func (w *WGCtrl) Name() string {
	return w.name
}

// Init sets the private key of the device, and removes all its peers.
//
// The key must be the node key the mediator handshakes with, else the peers will not accept the tunnel.
func (w *WGCtrl) Init(priv key.NodePrivate) (port int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	port = -1

	privateKey := wgtypes.Key(key.UnveilPrivate(priv))

	err = w.client.ConfigureDevice(w.name, wgtypes.Config{
		PrivateKey:   &privateKey,
		ReplacePeers: true,
		Peers:        []wgtypes.PeerConfig{},
	})
	if err != nil {
		return
	}

	var device *wgtypes.Device
	device, err = w.client.Device(w.name)
	if err != nil {
		return
	}

	port = device.ListenPort

	return
}

// Handoff queues a session to be configured on the device. It never blocks.
func (w *WGCtrl) Handoff(h ifaces.Handoff) error {
	select {
	case <-w.closed:
		return ErrClosed
	default:
	}

	select {
	case w.queue <- h:
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *WGCtrl) work() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closed:
			return
		case h := <-w.queue:
			if err := w.UpdatePeer(h); err != nil {
				slog.Warn("could not configure wireguard peer", "device", w.name, "peer", h.Peer, "err", err)
			} else {
				slog.Debug("configured wireguard peer", "device", w.name, "peer", h.Peer, "endpoint", h.Endpoint)
			}
		}
	}
}

// UpdatePeer configures a single peer from a handoff, replacing its previous configuration.
func (w *WGCtrl) UpdatePeer(h ifaces.Handoff) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	psk := wgtypes.Key(h.Key.PresharedKey())
	keepalive := w.keepalive

	return w.client.ConfigureDevice(w.name, wgtypes.Config{
		ReplacePeers: false,
		Peers: []wgtypes.PeerConfig{
			{
				PublicKey:                   wgtypes.Key(h.PublicKey),
				Remove:                      false,
				UpdateOnly:                  false,
				PresharedKey:                &psk,
				Endpoint:                    net.UDPAddrFromAddrPort(types.NormaliseAddrPort(h.Endpoint)),
				PersistentKeepaliveInterval: &keepalive,
				ReplaceAllowedIPs:           true,
				AllowedIPs:                  allowedIPs(h.AllowedIPs),
			},
		},
	})
}

func allowedIPs(prefixes []netip.Prefix) []net.IPNet {
	nets := make([]net.IPNet, 0, len(prefixes))

	for _, p := range prefixes {
		if n := netipx.PrefixIPNet(p.Masked()); n != nil {
			nets = append(nets, *n)
		}
	}

	return nets
}

func (w *WGCtrl) RemovePeer(publicKey key.NodePublic) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.client.ConfigureDevice(w.name, wgtypes.Config{
		ReplacePeers: false,
		Peers: []wgtypes.PeerConfig{
			{
				PublicKey: wgtypes.Key(publicKey),
				Remove:    true,
			},
		},
	})
}

type Stats struct {
	Endpoint      netip.AddrPort
	LastHandshake time.Time
	TxBytes       int64
	RxBytes       int64
}

// GetStats returns the device statistics of a peer, nil if the device does not know it.
func (w *WGCtrl) GetStats(publicKey key.NodePublic) (*Stats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	device, err := w.client.Device(w.name)
	if err != nil {
		return nil, err
	}

	for _, peer := range device.Peers {
		if peer.PublicKey != wgtypes.Key(publicKey) {
			continue
		}

		s := &Stats{
			LastHandshake: peer.LastHandshakeTime,
			TxBytes:       peer.TransmitBytes,
			RxBytes:       peer.ReceiveBytes,
		}
		if peer.Endpoint != nil {
			s.Endpoint = types.NormaliseAddrPort(peer.Endpoint.AddrPort())
		}

		return s, nil
	}

	return nil, nil
}

// Close stops the worker, dropping queued handoffs, and closes the client.
func (w *WGCtrl) Close() error {
	err := ErrClosed

	w.closeOnce.Do(func() {
		close(w.closed)
		w.wg.Wait()
		err = w.client.Close()
	})

	return err
}
