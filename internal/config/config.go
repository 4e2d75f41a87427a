// Package config reads the global ~/.linkchat/config.toml shared by every
// profile on the machine.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	DefaultServerURL = "ws://127.0.0.1:3000/ws"
	DefaultLogLevel  = "info"
)

type Config struct {
	DefaultProfile string `toml:"default_profile"`
	// ServerURL is the relay websocket endpoint (ws or wss).
	ServerURL string `toml:"server_url"`
	// CodecSecret seeds the body cipher. Empty stores bodies as typed.
	CodecSecret string `toml:"codec_secret"`
	LogLevel    string `toml:"log_level"`
}

func Default() *Config {
	return &Config{ServerURL: DefaultServerURL, LogLevel: DefaultLogLevel}
}

// Load decodes path over the defaults and validates the result. A missing
// file is an error wrapping fs.ErrNotExist.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) fill() {
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate checks the fields the daemon cannot start without.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("server_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server_url: scheme %q, want ws or wss", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("server_url: missing host")
	}
	return nil
}

// Save writes cfg with owner-only permissions, creating parent dirs.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	return f.Close()
}
