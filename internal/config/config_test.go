package config

import (
	"strings"
	"testing"
	"time"
)

// setRequiredEnv выставляет минимальный набор обязательных переменных
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SECRETBOX_KEY", strings.Repeat("k", 32))
	t.Setenv("STREAM_WS_URL", "wss://rpc.example.com")
	t.Setenv("RELAY_BASE_URLS", "https://relay-a.example.com, https://relay-b.example.com")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Stream.Heartbeat != 15*time.Second {
		t.Errorf("Stream.Heartbeat = %v, want 15s", cfg.Stream.Heartbeat)
	}
	if cfg.Stream.CallTimeout != 10*time.Second {
		t.Errorf("Stream.CallTimeout = %v, want 10s", cfg.Stream.CallTimeout)
	}
	if cfg.Relay.MaxAttempts != 5 {
		t.Errorf("Relay.MaxAttempts = %d, want 5", cfg.Relay.MaxAttempts)
	}
	if cfg.Relay.TipRefreshEvery != 50 {
		t.Errorf("Relay.TipRefreshEvery = %d, want 50", cfg.Relay.TipRefreshEvery)
	}
	if cfg.Relay.ConfirmDepth != 10 {
		t.Errorf("Relay.ConfirmDepth = %d, want 10", cfg.Relay.ConfirmDepth)
	}
	if cfg.Engine.TriggerCooldown != 1*time.Second {
		t.Errorf("Engine.TriggerCooldown = %v, want 1s", cfg.Engine.TriggerCooldown)
	}
	if cfg.Watchdog.PricePeriod != 30*time.Second || cfg.Watchdog.ClaimPeriod != 60*time.Second {
		t.Errorf("watchdog periods = %v/%v, want 30s/60s", cfg.Watchdog.PricePeriod, cfg.Watchdog.ClaimPeriod)
	}

	wantURLs := []string{"https://relay-a.example.com", "https://relay-b.example.com"}
	if len(cfg.Relay.BaseURLs) != len(wantURLs) {
		t.Fatalf("Relay.BaseURLs = %v, want %v", cfg.Relay.BaseURLs, wantURLs)
	}
	for i, u := range wantURLs {
		if cfg.Relay.BaseURLs[i] != u {
			t.Errorf("Relay.BaseURLs[%d] = %q, want %q", i, cfg.Relay.BaseURLs[i], u)
		}
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T)
	}{
		{
			name: "missing secretbox key",
			setup: func(t *testing.T) {
				t.Setenv("SECRETBOX_KEY", "")
				t.Setenv("STREAM_WS_URL", "wss://rpc.example.com")
				t.Setenv("RELAY_BASE_URLS", "https://relay.example.com")
			},
		},
		{
			name: "short secretbox key",
			setup: func(t *testing.T) {
				t.Setenv("SECRETBOX_KEY", "too-short")
				t.Setenv("STREAM_WS_URL", "wss://rpc.example.com")
				t.Setenv("RELAY_BASE_URLS", "https://relay.example.com")
			},
		},
		{
			name: "missing stream url",
			setup: func(t *testing.T) {
				t.Setenv("SECRETBOX_KEY", strings.Repeat("k", 32))
				t.Setenv("STREAM_WS_URL", "")
				t.Setenv("RELAY_BASE_URLS", "https://relay.example.com")
			},
		},
		{
			name: "missing relay urls",
			setup: func(t *testing.T) {
				t.Setenv("SECRETBOX_KEY", strings.Repeat("k", 32))
				t.Setenv("STREAM_WS_URL", "wss://rpc.example.com")
				t.Setenv("RELAY_BASE_URLS", "")
			},
		},
		{
			name: "zero confirm depth",
			setup: func(t *testing.T) {
				setRequiredEnv(t)
				t.Setenv("RELAY_CONFIRM_DEPTH", "0")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup(t)
			if _, err := Load(); err == nil {
				t.Error("Load() expected error, got nil")
			}
		})
	}
}
