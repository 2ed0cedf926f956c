// Package config assembles the engine's start-up parameters from a YAML
// file plus environment variable overrides, using koanf/v2. Argument-shape
// parsing (flags) stays outside this package; it is the CLI collaborator's
// job, not the engine's.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/mistnet/utun/internal/tunerr"
)

// Role selects which side of the tunnel this process runs.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// ifnamsiz mirrors the kernel's IFNAMSIZ (16, including the trailing NUL).
const ifnamsiz = 16

// maxPSKLen is the AES-256 key size the PSK is copied into; a longer PSK
// is treated as a configuration error.
const maxPSKLen = 32

// Config is the engine's complete start-up parameter set.
type Config struct {
	TunName string `koanf:"tun_name"`
	Role    Role   `koanf:"role"`
	// RemoteAddr is the server's IP address (client only). It is paired
	// with Port to form the outer UDP address, kept as separate fields
	// rather than a combined "host:port" string.
	RemoteAddr string `koanf:"remote_addr"`
	Port       uint16 `koanf:"port"`
	PSK        string `koanf:"psk"`
	TunLocalIP string `koanf:"tun_local_ip"`
	SitePort   uint16 `koanf:"site_port"`

	LogLevel   string `koanf:"log_level"`
	MetricsAddr string `koanf:"metrics_addr"`
}

var (
	ErrMissingTunName    = errors.New("tun_name must not be empty")
	ErrMissingTunLocalIP = errors.New("tun_local_ip must not be empty")
	ErrMissingRemoteAddr = errors.New("remote_addr must be set for a client")
	ErrInvalidRole       = errors.New("role must be \"client\" or \"server\"")
	ErrInvalidTunLocalIP = errors.New("tun_local_ip is not a valid IPv4 address")
)

// Default returns the baseline configuration merged under any file/env
// overrides.
func Default() *Config {
	return &Config{
		TunName:     "utun0",
		Role:        RoleServer,
		Port:        2000,
		SitePort:    8080,
		LogLevel:    "info",
		MetricsAddr: ":9100",
	}
}

const envPrefix = "UTUN_"

// Load reads configuration from a YAML file at path (if non-empty),
// overlays UTUN_-prefixed environment variables, and validates the
// result. A start-up validation failure is always fatal.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, Default()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	return strings.ToLower(s)
}

func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"tun_name":     d.TunName,
		"role":         string(d.Role),
		"port":         d.Port,
		"site_port":    d.SitePort,
		"log_level":    d.LogLevel,
		"metrics_addr": d.MetricsAddr,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validate checks cross-field invariants the loader cannot express via
// struct tags alone, returning a typed *tunerr.Error for an
// InvalidTunnelName condition, a Message-kind *tunerr.Error for an
// oversized PSK, and a plain error otherwise.
func Validate(cfg *Config) error {
	if cfg.Role != RoleClient && cfg.Role != RoleServer {
		return ErrInvalidRole
	}
	if cfg.TunName == "" {
		return ErrMissingTunName
	}
	if len(cfg.TunName)+1 > ifnamsiz {
		return tunerr.Newf(tunerr.InvalidTunnelName, "tun_name %q exceeds IFNAMSIZ", cfg.TunName)
	}
	if cfg.TunLocalIP == "" {
		return ErrMissingTunLocalIP
	}
	if ip := net.ParseIP(cfg.TunLocalIP); ip == nil || ip.To4() == nil {
		return ErrInvalidTunLocalIP
	}
	if cfg.Role == RoleClient && cfg.RemoteAddr == "" {
		return ErrMissingRemoteAddr
	}
	if len(cfg.PSK) > maxPSKLen {
		return tunerr.New("psk length %d exceeds %d bytes", len(cfg.PSK), maxPSKLen)
	}
	return nil
}
