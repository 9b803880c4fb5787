package call

import (
	"log/slog"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/peercall/peercall/internal/config"
)

// NewAPI constructs the pion API used for every peer connection. Building it
// once at startup catches misconfiguration early; no sockets are opened until
// a call creates a PeerConnection.
func NewAPI(cfg config.Config) (*webrtc.API, error) {
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = pionLogLevel(cfg.LogLevel)

	se := webrtc.SettingEngine{
		LoggerFactory: lf,
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func pionLogLevel(level slog.Level) logging.LogLevel {
	switch {
	case level <= slog.LevelDebug:
		return logging.LogLevelInfo
	case level <= slog.LevelInfo:
		return logging.LogLevelWarn
	default:
		return logging.LogLevelError
	}
}
