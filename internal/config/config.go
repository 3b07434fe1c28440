// Package config loads and persists the daemon configuration. The file
// is JSON, located at ~/.companion/config.json by default, overridable
// with $COMPANION_CONFIG. Environment variables prefixed COMPANION_
// override individual keys (e.g. COMPANION_CODEHOME).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/companionhq/companion/internal/id"
)

// TLSConfig controls TLS for a single listener.
type TLSConfig struct {
	Enabled  bool   `json:"enabled" koanf:"enabled"`
	CertPath string `json:"certPath,omitempty" koanf:"certpath"`
	KeyPath  string `json:"keyPath,omitempty" koanf:"keypath"`
}

// Listener describes one WebSocket listener. Each listener carries its
// own auth token; rotating a token affects only that listener's clients.
type Listener struct {
	Host  string     `json:"host,omitempty" koanf:"host"`
	Port  int        `json:"port" koanf:"port"`
	Token string     `json:"token" koanf:"token"`
	TLS   *TLSConfig `json:"tls,omitempty" koanf:"tls"`
}

// Config holds the daemon's runtime configuration.
type Config struct {
	Listeners        []Listener `json:"listeners" koanf:"listeners"`
	TmuxSession      string     `json:"tmuxSession,omitempty" koanf:"tmuxsession"`
	CodeHome         string     `json:"codeHome" koanf:"codehome"`
	MdnsEnabled      bool       `json:"mdnsEnabled" koanf:"mdnsenabled"`
	PushDelayMs      int        `json:"pushDelayMs" koanf:"pushdelayms"`
	AutoApproveTools []string   `json:"autoApproveTools,omitempty" koanf:"autoapprovetools"`
	AdminAPIKey      string     `json:"anthropicAdminApiKey,omitempty" koanf:"anthropicadminapikey"`
	MetricsAddr      string     `json:"metricsAddr,omitempty" koanf:"metricsaddr"`
	LogLevel         string     `json:"logLevel,omitempty" koanf:"loglevel"`

	path string // file this config was loaded from
}

// DefaultDir returns the hidden config directory (~/.companion).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".companion"
	}
	return filepath.Join(home, ".companion")
}

// DefaultPath returns the config file path, honoring $COMPANION_CONFIG.
func DefaultPath() string {
	if p := os.Getenv("COMPANION_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(DefaultDir(), "config.json")
}

func defaults() map[string]interface{} {
	home, _ := os.UserHomeDir()
	return map[string]interface{}{
		"codehome":    filepath.Join(home, ".claude"),
		"pushdelayms": 300_000,
		"loglevel":    "info",
	}
}

// Load reads the config file at path, applying defaults and COMPANION_*
// environment overrides. If the file does not exist, a default config
// with a single listener on port 9877 and a fresh token is written.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), koanfjson.Parser()); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	if err := k.Load(env.Provider("COMPANION_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "COMPANION_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{path: path}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []Listener{{Port: 9877, Token: id.New()}}
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("write initial config: %w", err)
		}
	}

	return cfg, nil
}

// Path returns the file this config was loaded from.
func (c *Config) Path() string { return c.path }

// ListenerForPort returns the listener bound to the given port, or nil.
func (c *Config) ListenerForPort(port int) *Listener {
	for i := range c.Listeners {
		if c.Listeners[i].Port == port {
			return &c.Listeners[i]
		}
	}
	return nil
}

// RotateToken replaces the token of the listener on the given port and
// persists the config. Returns the new token.
func (c *Config) RotateToken(port int) (string, error) {
	ln := c.ListenerForPort(port)
	if ln == nil {
		return "", fmt.Errorf("no listener on port %d", port)
	}
	ln.Token = id.New()
	if err := c.Save(); err != nil {
		return "", err
	}
	return ln.Token, nil
}

// Save writes the config atomically: marshal to a temp file in the same
// directory, fsync, then rename over the original so a crash never
// leaves a truncated config. Permissions of an existing file are kept.
func (c *Config) Save() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	perm := os.FileMode(0o600)
	if info, err := os.Stat(c.path); err == nil {
		perm = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}

	if err := os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
