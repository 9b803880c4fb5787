package config

import (
	"log/slog"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.RelayURL != DefaultRelayURL {
		t.Fatalf("relay url = %q", cfg.RelayURL)
	}
	if cfg.Mode != ModeDev || cfg.LogFormat != LogFormatText || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("unexpected dev defaults: %+v", cfg)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("max message bytes = %d", cfg.MaxSignalingMessageBytes)
	}
	if cfg.PendingCallTimeout != 0 {
		t.Fatalf("pending call timeout should default to disabled, got %v", cfg.PendingCallTimeout)
	}
}

func TestLoad_ProdDefaultsToJSONInfo(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{"PEERCALL_MODE": "prod"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd || cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected prod defaults: mode=%v format=%v level=%v", cfg.Mode, cfg.LogFormat, cfg.LogLevel)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	env := map[string]string{
		"PEERCALL_LISTEN_ADDR": "127.0.0.1:9999",
		"PEERCALL_RELAY_URL":   "ws://relay.env/ws/new",
	}
	cfg, err := load(lookupFrom(env), []string{"-listen-addr", "0.0.0.0:8443", "-name", "Alice"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:8443" {
		t.Fatalf("flag should override env, got %q", cfg.ListenAddr)
	}
	if cfg.RelayURL != "ws://relay.env/ws/new" {
		t.Fatalf("env should apply without flag, got %q", cfg.RelayURL)
	}
	if cfg.DisplayName != "Alice" {
		t.Fatalf("display name = %q", cfg.DisplayName)
	}
}

func TestLoad_PendingCallTimeout(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{"PEERCALL_PENDING_CALL_TIMEOUT": "30s"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PendingCallTimeout != 30*time.Second {
		t.Fatalf("pending call timeout = %v", cfg.PendingCallTimeout)
	}

	if _, err := load(lookupFrom(map[string]string{"PEERCALL_PENDING_CALL_TIMEOUT": "-5s"}), nil); err == nil {
		t.Fatalf("expected error for negative timeout")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad mode", map[string]string{"PEERCALL_MODE": "staging"}},
		{"bad log level", map[string]string{"PEERCALL_LOG_LEVEL": "loud"}},
		{"bad log format", map[string]string{"PEERCALL_LOG_FORMAT": "xml"}},
		{"zero message bytes", map[string]string{"PEERCALL_MAX_SIGNALING_MESSAGE_BYTES": "0"}},
		{"bad messages per second", map[string]string{"PEERCALL_MAX_SIGNALING_MESSAGES_PER_SECOND": "minus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(lookupFrom(tt.env), nil); err == nil {
				t.Fatalf("expected load error")
			}
		})
	}
}
