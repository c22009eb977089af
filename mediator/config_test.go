package mediator

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestParseConfigPartial(t *testing.T) {
	c, err := ParseConfig([]byte(`{
		"keepalive_interval": "5s",
		"direct_retries": 0,
		"relay_timeout": null,
		"whoami_servers": ["203.0.113.1:3478", "203.0.113.2:3478"]
	}`))
	require.NoError(t, err)

	want := DefaultConfig()
	want.KeepaliveInterval = 5 * time.Second
	want.DirectRetries = 0
	want.WhoamiServers = []netip.AddrPort{
		netip.MustParseAddrPort("203.0.113.1:3478"),
		netip.MustParseAddrPort("203.0.113.2:3478"),
	}

	assert.Equal(t, want, c)
}

func TestParseConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", `keepalive_interval: 2s`},
		{"bad duration", `{"handshake_timeout": "soon"}`},
		{"negative retries", `{"direct_retries": -1}`},
		{"zero interval", `{"keepalive_interval": "0s"}`},
		{"no peers", `{"max_peers": 0}`},
		{"bad address", `{"whoami_servers": ["localhost"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.in))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediator.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_peers": 16}`), 0o600))

	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 16, c.MaxPeers)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, Duration(90*time.Second), d)

	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(b))

	assert.Error(t, d.UnmarshalText([]byte("90")))
}

func TestWhoamiServers(t *testing.T) {
	server := netip.MustParseAddrPort("203.0.113.1:3478")

	assert.Equal(t, []netip.AddrPort{
		server,
		netip.MustParseAddrPort("203.0.113.1:3479"),
	}, DefaultConfig().whoamiServers(server))

	c := DefaultConfig()
	c.WhoamiServers = []netip.AddrPort{netip.MustParseAddrPort("203.0.113.7:1")}
	assert.Equal(t, c.WhoamiServers, c.whoamiServers(server))
}
