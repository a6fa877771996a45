// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For the required Slack credential, use ValidateReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/onnwee/sameroom/crypto"
)

type Config struct {
	// Slack
	SlackToken       string
	SlackTokenSealed string
	EncryptionKey    string
	SlackAPIURL      string

	// Session
	MessageSizeLimit int
	PollInterval     time.Duration
	DMCacheSize      int
	MaxReconnects    int
	MaxBackoff       time.Duration
	SendRetryWait    time.Duration

	// Relay
	RelayChannel string
	RelayAddr    string

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. It doesn't fail if the token is missing;
// use ValidateReady() before connecting. A sealed token is opened with ENCRYPTION_KEY and takes
// precedence over SLACK_TOKEN.
func Load() (*Config, error) {
	cfg := &Config{
		SlackToken:       os.Getenv("SLACK_TOKEN"),
		SlackTokenSealed: os.Getenv("SLACK_TOKEN_SEALED"),
		EncryptionKey:    os.Getenv("ENCRYPTION_KEY"),
		SlackAPIURL:      os.Getenv("SLACK_API_URL"),
		RelayChannel:     os.Getenv("RELAY_CHANNEL"),
		RelayAddr:        os.Getenv("RELAY_ADDR"),
		HTTPAddr:         os.Getenv("HTTP_ADDR"),
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.RelayAddr == "" {
		cfg.RelayAddr = "localhost:1337"
	}

	var err error
	if cfg.MessageSizeLimit, err = envInt("MESSAGE_SIZE_LIMIT", 4096); err != nil {
		return nil, err
	}
	if cfg.DMCacheSize, err = envInt("DM_CACHE_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.MaxReconnects, err = envInt("MAX_RECONNECTS", 0); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = envDuration("RTM_POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxBackoff, err = envDuration("RECONNECT_MAX_BACKOFF", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SendRetryWait, err = envDuration("SEND_RETRY_WAIT", 10*time.Second); err != nil {
		return nil, err
	}

	if cfg.SlackTokenSealed != "" {
		enc, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("SLACK_TOKEN_SEALED set but ENCRYPTION_KEY unusable: %w", err)
		}
		token, err := crypto.OpenToken(enc, cfg.SlackTokenSealed)
		if err != nil {
			return nil, fmt.Errorf("open SLACK_TOKEN_SEALED: %w", err)
		}
		cfg.SlackToken = token
	}

	return cfg, nil
}

// ValidateReady checks the fields required to connect.
func (c *Config) ValidateReady() error {
	if c.SlackToken == "" {
		return fmt.Errorf("missing slack env: require SLACK_TOKEN (or SLACK_TOKEN_SEALED with ENCRYPTION_KEY)")
	}
	return nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: want a non-negative integer", name, v)
	}
	return n, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: want a positive duration like 30s", name, v)
	}
	return d, nil
}
