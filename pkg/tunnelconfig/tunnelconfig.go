// Package tunnelconfig loads relay, client, and agent configuration
// from YAML files, one loader per process role, each returning a
// sentinel error when the file can't be found or parsed.
package tunnelconfig

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Common errors for configuration loading.
var (
	ErrFileNotFound = errors.New("tunnelconfig: configuration file not found")
	ErrEmptyFile    = errors.New("tunnelconfig: configuration file is empty")
)

// RelayConfig configures a relay process.
type RelayConfig struct {
	ListenAddr   string            `yaml:"listen_addr"`
	Transport    string            `yaml:"transport"` // "quic" | "websocket" | "h2"
	BaseDomain   string            `yaml:"base_domain"`
	CertFile     string            `yaml:"cert_file"`
	KeyFile      string            `yaml:"key_file"`
	JWTSecret    string            `yaml:"jwt_secret"`
	APIKeysFile  string            `yaml:"api_keys_file"`
	TCPPortMin   uint16            `yaml:"tcp_port_min"`
	TCPPortMax   uint16            `yaml:"tcp_port_max"`
	HTTPAddr     string            `yaml:"http_addr"`
	AdminAddr    string            `yaml:"admin_addr,omitempty"` // serves /status and /metrics; empty disables
	Metadata     map[string]string `yaml:"metadata,omitempty"`
}

// ClientConfig configures a tunnel client process.
type ClientConfig struct {
	RelayAddr string            `yaml:"relay_addr"`
	Transport string            `yaml:"transport"`
	Token     string            `yaml:"token"`
	Insecure  bool              `yaml:"insecure"`
	LocalPort int               `yaml:"local_port"`
	Subdomain string            `yaml:"subdomain,omitempty"`
	Domain    string            `yaml:"domain,omitempty"`
	Protocol  string            `yaml:"protocol"` // "http" | "https" | "tcp" | "tls"
	RemotePort int              `yaml:"remote_port,omitempty"`
	Metadata  map[string]string `yaml:"metadata,omitempty"`
}

// AgentConfig configures an access-gated agent process.
type AgentConfig struct {
	ClientConfig `yaml:",inline"`
	AllowCIDRs []string `yaml:"allow_cidrs,omitempty"`
	AllowPorts []string `yaml:"allow_ports,omitempty"`
}

// LoadRelayConfig reads and parses a RelayConfig from a YAML file.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	var cfg RelayConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClientConfig reads and parses a ClientConfig from a YAML file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAgentConfig reads and parses an AgentConfig from a YAML file.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return fmt.Errorf("tunnelconfig: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("tunnelconfig: parse %s: %w", path, err)
	}
	return nil
}
