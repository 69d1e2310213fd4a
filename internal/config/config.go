package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that reads and writes TOML strings such as "1s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultProfile string    `toml:"default_profile"`
	Relay          Relay     `toml:"relay"`
	Queue          Queue     `toml:"queue"`
	Transport      Transport `toml:"transport"`
}

type Relay struct {
	URL       string `toml:"url"`
	Token     string `toml:"token"`
	TokenFile string `toml:"token_file"`
}

type Queue struct {
	Concurrency int      `toml:"concurrency"`
	MaxRetries  int      `toml:"max_retries"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	Jitter      float64  `toml:"jitter"`
	SendTimeout Duration `toml:"send_timeout"`
}

type Transport struct {
	ReconnectAttempts int      `toml:"reconnect_attempts"`
	ReconnectDelay    Duration `toml:"reconnect_delay"`
	PingInterval      Duration `toml:"ping_interval"`
	// RedialInterval paces new connection attempts once reconnects are exhausted.
	RedialInterval    Duration `toml:"redial_interval"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Relay: Relay{URL: "ws://localhost:8080/ws"},
		Queue: Queue{
			Concurrency: 3,
			MaxRetries:  5,
			BaseDelay:   Duration{time.Second},
			MaxDelay:    Duration{30 * time.Second},
			Jitter:      0.3,
			SendTimeout: Duration{10 * time.Second},
		},
		Transport: Transport{
			ReconnectAttempts: 10,
			ReconnectDelay:    Duration{2 * time.Second},
			PingInterval:      Duration{25 * time.Second},
			RedialInterval:    Duration{30 * time.Second},
		},
	}
}

// Load reads config from the given path. Returns error if the file is missing.
// Keys absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load but a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values the queue engine and transport cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Queue.Concurrency < 1:
		return fmt.Errorf("queue.concurrency must be >= 1, got %d", c.Queue.Concurrency)
	case c.Queue.MaxRetries < 1:
		return fmt.Errorf("queue.max_retries must be >= 1, got %d", c.Queue.MaxRetries)
	case c.Queue.Jitter < 0 || c.Queue.Jitter >= 1:
		return fmt.Errorf("queue.jitter must be in [0,1), got %v", c.Queue.Jitter)
	case c.Queue.BaseDelay.Duration <= 0 || c.Queue.MaxDelay.Duration < c.Queue.BaseDelay.Duration:
		return fmt.Errorf("queue delays invalid: base=%s max=%s", c.Queue.BaseDelay, c.Queue.MaxDelay)
	case c.Transport.ReconnectAttempts < 0:
		return fmt.Errorf("transport.reconnect_attempts must be >= 0")
	case c.Transport.RedialInterval.Duration <= 0:
		return fmt.Errorf("transport.redial_interval must be positive")
	}
	return nil
}

// BearerToken returns the relay bearer token, reading token_file when token is unset.
func (r Relay) BearerToken() (string, error) {
	if r.Token != "" {
		return r.Token, nil
	}
	if r.TokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(r.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
