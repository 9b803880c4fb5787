// Package config loads runtime configuration for the relay and the client
// from environment variables, with command-line flag overrides.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "PEERCALL_LISTEN_ADDR"
	envVarRelayURL        = "PEERCALL_RELAY_URL"
	envVarPeerID          = "PEERCALL_PEER_ID"
	envVarDisplayName     = "PEERCALL_DISPLAY_NAME"
	envVarLogFormat       = "PEERCALL_LOG_FORMAT"
	envVarLogLevel        = "PEERCALL_LOG_LEVEL"
	envVarMode            = "PEERCALL_MODE"
	envVarShutdownTimeout = "PEERCALL_SHUTDOWN_TIMEOUT"

	// Signaling hardening knobs.
	envVarMaxSignalingMessageBytes      = "PEERCALL_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "PEERCALL_MAX_SIGNALING_MESSAGES_PER_SECOND"

	// envVarPendingCallTimeout bounds how long a call may stay in a pending
	// state before being torn down. Zero disables the timeout, matching the
	// original design.
	envVarPendingCallTimeout = "PEERCALL_PENDING_CALL_TIMEOUT"
)

const (
	DefaultListenAddr                    = "127.0.0.1:8080"
	DefaultRelayURL                      = "ws://127.0.0.1:8080/ws/new"
	DefaultShutdownTimeout               = 15 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultMode                          = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	// ListenAddr is the relay's TCP listen address.
	ListenAddr string
	// RelayURL is the relay WebSocket endpoint the client dials. The trailing
	// path element is the peer ID; "new" asks the relay to assign one.
	RelayURL    string
	PeerID      string
	DisplayName string

	LogFormat       LogFormat
	LogLevel        slog.Level
	Mode            Mode
	ShutdownTimeout time.Duration

	ICEServers []webrtc.ICEServer

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	PendingCallTimeout time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := string(DefaultMode)
	if v, ok := lookup(envVarMode); ok && v != "" {
		modeDefault = v
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	fs := flag.NewFlagSet("peercall", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "relay listen address")
	relayURL := fs.String("relay-url", envOrDefault(lookup, envVarRelayURL, DefaultRelayURL), "relay websocket url")
	peerID := fs.String("peer-id", envOrDefault(lookup, envVarPeerID, ""), "stable peer id; empty requests an ephemeral one")
	displayName := fs.String("name", envOrDefault(lookup, envVarDisplayName, ""), "display name shown to other peers")
	logFormat := fs.String("log-format", logFormatDefault, "log format: text or json")
	logLevel := fs.String("log-level", logLevelDefault, "log level: debug, info, warn, error")
	mode := fs.String("mode", modeDefault, "mode: dev or prod")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:  *listenAddr,
		RelayURL:    *relayURL,
		PeerID:      *peerID,
		DisplayName: *displayName,
	}

	switch Mode(strings.ToLower(strings.TrimSpace(*mode))) {
	case ModeDev:
		cfg.Mode = ModeDev
	case ModeProd, "production":
		cfg.Mode = ModeProd
	default:
		return Config{}, fmt.Errorf("invalid %s %q", envVarMode, *mode)
	}

	switch LogFormat(strings.ToLower(strings.TrimSpace(*logFormat))) {
	case LogFormatText:
		cfg.LogFormat = LogFormatText
	case LogFormatJSON:
		cfg.LogFormat = LogFormatJSON
	default:
		return Config{}, fmt.Errorf("invalid %s %q", envVarLogFormat, *logFormat)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PendingCallTimeout, err = envDurationOrDefault(lookup, envVarPendingCallTimeout, 0)
	if err != nil {
		return Config{}, err
	}

	maxBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	if maxBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", envVarMaxSignalingMessageBytes, maxBytes)
	}
	cfg.MaxSignalingMessageBytes = int64(maxBytes)

	cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", envVarMaxSignalingMessagesPerSecond, cfg.MaxSignalingMessagesPerSecond)
	}

	cfg.ICEServers, err = parseICEServersFromEnv(lookup)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envVarLogLevel, raw)
	}
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, raw)
	}
	return d, nil
}
