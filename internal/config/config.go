// Package config loads the TOML configuration for the relay and the
// mutator host binaries.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/fieldline/mutationplane/internal/authtoken"
)

// ParentConfig is the rootwards connection section shared by both
// binaries.
type ParentConfig struct {
	// URL is the parent endpoint. Empty defers to
	// MUTATION_PROTOCOL_PARENT_URL and then the loopback default.
	URL              string `toml:"url"`
	AllowInsecureTLS bool   `toml:"allow_insecure_tls"`

	// AuthToken is the hex-encoded token; AuthTokenFile points at a
	// file holding one. At most one may be set.
	AuthToken     string `toml:"auth_token"`
	AuthTokenFile string `toml:"auth_token_file"`
}

// Token resolves the configured auth token, falling back to
// MUTATION_AUTH_TOKEN when the config names none.
func (p ParentConfig) Token() (authtoken.Token, error) {
	if p.AuthToken != "" {
		return authtoken.FromHexString(p.AuthToken)
	}
	if p.AuthTokenFile != "" {
		return authtoken.LoadFromFile(p.AuthTokenFile)
	}
	return authtoken.LoadFromEnv()
}

// ListenerTLSConfig enables TLS on the child-facing listener.
type ListenerTLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// BrokerConfig sizes the relay's routing channels. Zero values take
// the built-in defaults.
type BrokerConfig struct {
	RequestBuffer   int `toml:"request_buffer"`
	RootwardsBuffer int `toml:"rootwards_buffer"`
	LeafwardsBuffer int `toml:"leafwards_buffer"`
}

// LimitsConfig bounds wire frames.
type LimitsConfig struct {
	MaxMessageBytes uint32 `toml:"max_message_bytes"`
}

// RelayConfig configures one mutation-relay instance.
type RelayConfig struct {
	ListenAddr string            `toml:"listen_addr"`
	AdminAddr  string            `toml:"admin_addr"`
	TLS        ListenerTLSConfig `toml:"tls"`
	Parent     ParentConfig      `toml:"parent"`
	Broker     BrokerConfig      `toml:"broker"`
	Limits     LimitsConfig      `toml:"limits"`
}

// AdminConfig configures the host admin HTTP surface.
type AdminConfig struct {
	Addr   string `toml:"addr"`
	APIKey string `toml:"api_key"`
}

// HostConfig configures one mutator-host instance.
type HostConfig struct {
	Parent ParentConfig `toml:"parent"`
	Admin  AdminConfig  `toml:"admin"`
	Limits LimitsConfig `toml:"limits"`
}

func LoadRelayConfig(path string) (RelayConfig, error) {
	var cfg RelayConfig
	if err := loadToml(path, &cfg); err != nil {
		return RelayConfig{}, err
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":14192"
	}
	if err := ValidateRelayConfig(cfg); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

func LoadHostConfig(path string) (HostConfig, error) {
	var cfg HostConfig
	if err := loadToml(path, &cfg); err != nil {
		return HostConfig{}, err
	}
	if err := ValidateHostConfig(cfg); err != nil {
		return HostConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateRelayConfig(cfg RelayConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("relay config missing listen_addr")
	}
	if cfg.TLS.Enabled {
		if strings.TrimSpace(cfg.TLS.CertFile) == "" || strings.TrimSpace(cfg.TLS.KeyFile) == "" {
			return fmt.Errorf("relay config tls requires cert_file and key_file")
		}
	}
	if err := validateParent(cfg.Parent); err != nil {
		return fmt.Errorf("relay config parent invalid: %w", err)
	}
	return nil
}

func ValidateHostConfig(cfg HostConfig) error {
	if err := validateParent(cfg.Parent); err != nil {
		return fmt.Errorf("host config parent invalid: %w", err)
	}
	if cfg.Admin.Addr != "" && strings.TrimSpace(cfg.Admin.APIKey) == "" {
		return fmt.Errorf("host config admin requires api_key")
	}
	return nil
}

func validateParent(cfg ParentConfig) error {
	if cfg.AuthToken != "" && cfg.AuthTokenFile != "" {
		return fmt.Errorf("auth_token and auth_token_file are mutually exclusive")
	}
	if cfg.AuthToken != "" {
		if _, err := authtoken.FromHexString(cfg.AuthToken); err != nil {
			return fmt.Errorf("bad auth_token: %w", err)
		}
	}
	return nil
}
