package config

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/sameroom/crypto"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"SLACK_TOKEN", "SLACK_TOKEN_SEALED", "ENCRYPTION_KEY", "SLACK_API_URL",
		"MESSAGE_SIZE_LIMIT", "RTM_POLL_INTERVAL", "DM_CACHE_SIZE", "MAX_RECONNECTS",
		"RECONNECT_MAX_BACKOFF", "SEND_RETRY_WAIT", "RELAY_CHANNEL", "RELAY_ADDR", "HTTP_ADDR",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.RelayAddr != "localhost:1337" {
		t.Errorf("unexpected address defaults: %+v", cfg)
	}
	if cfg.MessageSizeLimit != 4096 || cfg.DMCacheSize != 50 || cfg.MaxReconnects != 0 {
		t.Errorf("unexpected numeric defaults: %+v", cfg)
	}
	if cfg.PollInterval != time.Second || cfg.MaxBackoff != 5*time.Minute || cfg.SendRetryWait != 10*time.Second {
		t.Errorf("unexpected duration defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SLACK_TOKEN", "xoxb-plain")
	t.Setenv("MESSAGE_SIZE_LIMIT", "1000")
	t.Setenv("RTM_POLL_INTERVAL", "250ms")
	t.Setenv("MAX_RECONNECTS", "5")
	t.Setenv("RELAY_CHANNEL", "general")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.SlackToken != "xoxb-plain" || cfg.MessageSizeLimit != 1000 || cfg.PollInterval != 250*time.Millisecond ||
		cfg.MaxReconnects != 5 || cfg.RelayChannel != "general" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"MESSAGE_SIZE_LIMIT":    "lots",
		"DM_CACHE_SIZE":         "-1",
		"RTM_POLL_INTERVAL":     "soon",
		"RECONNECT_MAX_BACKOFF": "0s",
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(name, value)
			if _, err := Load(); err == nil || !strings.Contains(err.Error(), name) {
				t.Errorf("Load() error = %v, want one naming %s", err, name)
			}
		})
	}
}

func TestLoadSealedToken(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	b64 := base64.StdEncoding.EncodeToString(key)
	enc, err := crypto.NewAESEncryptor(b64)
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := crypto.SealToken(enc, "xoxb-sealed")
	if err != nil {
		t.Fatal(err)
	}

	clearEnv(t)
	t.Setenv("SLACK_TOKEN", "xoxb-plain")
	t.Setenv("SLACK_TOKEN_SEALED", sealed)
	t.Setenv("ENCRYPTION_KEY", b64)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.SlackToken != "xoxb-sealed" {
		t.Errorf("SlackToken = %q, want the sealed token to win", cfg.SlackToken)
	}

	t.Setenv("ENCRYPTION_KEY", "")
	if _, err := Load(); err == nil {
		t.Error("Load() with sealed token and no key error = nil")
	}
}

func TestValidateReady(t *testing.T) {
	clearEnv(t)
	cfg, _ := Load()
	if err := cfg.ValidateReady(); err == nil {
		t.Errorf("expected error when SLACK_TOKEN missing")
	}
	t.Setenv("SLACK_TOKEN", "xoxb-1")
	cfg, _ = Load()
	if err := cfg.ValidateReady(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}
