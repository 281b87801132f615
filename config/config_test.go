package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wraith.toml")
	contents := `
listen_addr = "127.0.0.1:9999"
chunk_size = 4096

[rate_limit]
connections_per_ip_per_min = 10

[multi_peer]
strategy = "RoundRobin"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	require.Equal(t, 4096, cfg.ChunkSize)
	require.Equal(t, 10.0, cfg.RateLimit.ConnectionsPerIPPerMin)
	require.Equal(t, StrategyRoundRobin, cfg.MultiPeer.Strategy)
	// untouched defaults remain
	require.Equal(t, BackendUDP, cfg.Backend)
	require.Equal(t, 60*time.Second, cfg.SessionIdleTimeout)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Backend = "quic"
	require.Error(t, cfg.Validate())
}
