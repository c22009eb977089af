package mediator

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/LukaGiorgadze/gonull"
)

// Config holds the tunables of the mediator. Each concern has its own knob.
type Config struct {
	// KeepaliveInterval is the cadence of pings to the server, and of all periodic housekeeping.
	KeepaliveInterval time.Duration

	// HandshakeTimeout is how long to wait for a handshake response, per attempt.
	HandshakeTimeout time.Duration

	// DirectRetries is how many times a timed-out direct attempt is retried before escalating to a relay.
	DirectRetries int

	// RelayTimeout is how long to wait for the server to answer a relay request.
	RelayTimeout time.Duration

	// PeerLivenessTimeout is how long a peer record lives without being refreshed.
	PeerLivenessTimeout time.Duration

	WhoamiInterval time.Duration

	// WhoamiServers are the server endpoints that are asked for our observed address.
	//
	// Empty means the server address, and the server address with the port incremented by one.
	WhoamiServers []netip.AddrPort

	MaxPeers int

	SendQueueLen int

	// PathCheckTokens replies per PathCheckInterval are sent per queried peer.
	PathCheckTokens   uint64
	PathCheckInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		KeepaliveInterval:   DefaultKeepaliveInterval,
		HandshakeTimeout:    DefaultHandshakeTimeout,
		DirectRetries:       DefaultDirectRetries,
		RelayTimeout:        DefaultRelayTimeout,
		PeerLivenessTimeout: DefaultPeerLivenessTimeout,
		WhoamiInterval:      DefaultWhoamiInterval,
		MaxPeers:            DefaultMaxPeers,
		SendQueueLen:        DefaultSendQueueLen,
		PathCheckTokens:     DefaultPathCheckTokens,
		PathCheckInterval:   DefaultPathCheckInterval,
	}
}

// Validate reports the first tunable that cannot work.
func (c Config) Validate() error {
	switch {
	case c.KeepaliveInterval <= 0:
		return fmt.Errorf("keepalive interval must be positive, got %s", c.KeepaliveInterval)
	case c.HandshakeTimeout <= 0:
		return fmt.Errorf("handshake timeout must be positive, got %s", c.HandshakeTimeout)
	case c.RelayTimeout <= 0:
		return fmt.Errorf("relay timeout must be positive, got %s", c.RelayTimeout)
	case c.DirectRetries < 0:
		return fmt.Errorf("direct retries cannot be negative, got %d", c.DirectRetries)
	case c.PeerLivenessTimeout <= 0:
		return fmt.Errorf("peer liveness timeout must be positive, got %s", c.PeerLivenessTimeout)
	case c.WhoamiInterval <= 0:
		return fmt.Errorf("whoami interval must be positive, got %s", c.WhoamiInterval)
	case c.MaxPeers <= 0:
		return fmt.Errorf("max peers must be positive, got %d", c.MaxPeers)
	case c.SendQueueLen <= 0:
		return fmt.Errorf("send queue length must be positive, got %d", c.SendQueueLen)
	case c.PathCheckTokens == 0 || c.PathCheckInterval <= 0:
		return fmt.Errorf("path check rate limit must be positive, got %d per %s", c.PathCheckTokens, c.PathCheckInterval)
	}

	return nil
}

// whoamiServers returns the configured whoami endpoints, or the defaults derived from server.
func (c Config) whoamiServers(server netip.AddrPort) []netip.AddrPort {
	if len(c.WhoamiServers) > 0 {
		return c.WhoamiServers
	}

	return []netip.AddrPort{
		server,
		netip.AddrPortFrom(server.Addr(), server.Port()+1),
	}
}

// Duration is a time.Duration that is read from a Go duration string, such as "2s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// FileConfig is the on-disk form of Config, where every field is optional.
type FileConfig struct {
	KeepaliveInterval   gonull.Nullable[Duration] `json:"keepalive_interval"`
	HandshakeTimeout    gonull.Nullable[Duration] `json:"handshake_timeout"`
	DirectRetries       gonull.Nullable[int]      `json:"direct_retries"`
	RelayTimeout        gonull.Nullable[Duration] `json:"relay_timeout"`
	PeerLivenessTimeout gonull.Nullable[Duration] `json:"peer_liveness_timeout"`
	WhoamiInterval      gonull.Nullable[Duration] `json:"whoami_interval"`

	WhoamiServers gonull.Nullable[[]netip.AddrPort] `json:"whoami_servers"`

	MaxPeers     gonull.Nullable[int] `json:"max_peers"`
	SendQueueLen gonull.Nullable[int] `json:"send_queue_len"`

	PathCheckTokens   gonull.Nullable[uint64]   `json:"path_check_tokens"`
	PathCheckInterval gonull.Nullable[Duration] `json:"path_check_interval"`
}

// Apply overwrites the fields of c that are set in f.
func (f FileConfig) Apply(c Config) Config {
	setDuration(&c.KeepaliveInterval, f.KeepaliveInterval)
	setDuration(&c.HandshakeTimeout, f.HandshakeTimeout)
	setDuration(&c.RelayTimeout, f.RelayTimeout)
	setDuration(&c.PeerLivenessTimeout, f.PeerLivenessTimeout)
	setDuration(&c.WhoamiInterval, f.WhoamiInterval)
	setDuration(&c.PathCheckInterval, f.PathCheckInterval)

	set(&c.DirectRetries, f.DirectRetries)
	set(&c.WhoamiServers, f.WhoamiServers)
	set(&c.MaxPeers, f.MaxPeers)
	set(&c.SendQueueLen, f.SendQueueLen)
	set(&c.PathCheckTokens, f.PathCheckTokens)

	return c
}

func set[T any](dst *T, n gonull.Nullable[T]) {
	if n.Valid {
		*dst = n.Val
	}
}

func setDuration(dst *time.Duration, n gonull.Nullable[Duration]) {
	if n.Valid {
		*dst = time.Duration(n.Val)
	}
}

// ParseConfig reads a JSON config on top of DefaultConfig.
func ParseConfig(b []byte) (Config, error) {
	var f FileConfig

	if err := json.Unmarshal(b, &f); err != nil {
		return Config{}, fmt.Errorf("could not parse config: %w", err)
	}

	c := f.Apply(DefaultConfig())

	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return c, nil
}

// LoadConfigFile reads a JSON config file on top of DefaultConfig.
func LoadConfigFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not read config file: %w", err)
	}

	return ParseConfig(b)
}
