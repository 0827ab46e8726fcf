package tunnelconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRelayConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: "0.0.0.0:7000"
transport: quic
base_domain: tunnels.example.test
tcp_port_min: 10000
tcp_port_max: 19999
`), 0o600))

	cfg, err := LoadRelayConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7000", cfg.ListenAddr)
	assert.Equal(t, "quic", cfg.Transport)
	assert.Equal(t, uint16(10000), cfg.TCPPortMin)
}

func TestLoadClientConfigMissingFile(t *testing.T) {
	_, err := LoadClientConfig("/nonexistent/client.yaml")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLoadAgentConfigInlineEmbedding(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relay_addr: "relay.example.test:7000"
token: secret
local_port: 22
protocol: tcp
allow_cidrs: ["10.0.0.0/8"]
allow_ports: ["22", "80-443"]
`), 0o600))

	cfg, err := LoadAgentConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "relay.example.test:7000", cfg.RelayAddr)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.AllowCIDRs)
	assert.Equal(t, []string{"22", "80-443"}, cfg.AllowPorts)
}

func TestLoadRelayConfigEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := LoadRelayConfig(path)
	assert.ErrorIs(t, err, ErrEmptyFile)
}
