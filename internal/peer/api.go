package peer

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// NewAPI builds a pion API logging through loggerFactory. Each configure func
// may adjust the SettingEngine, for example to bind a virtual network in
// tests.
func NewAPI(loggerFactory logging.LoggerFactory, configure ...func(*webrtc.SettingEngine)) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if loggerFactory != nil {
		se.LoggerFactory = loggerFactory
	}
	for _, fn := range configure {
		fn(&se)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// LoggerFactory maps a level name (debug, info, warn, error) to a pion
// logger factory. Unknown names fall back to warn.
func LoggerFactory(level string) logging.LoggerFactory {
	factory := logging.NewDefaultLoggerFactory()
	switch level {
	case "debug":
		factory.DefaultLogLevel = logging.LogLevelDebug
	case "info":
		factory.DefaultLogLevel = logging.LogLevelInfo
	case "error":
		factory.DefaultLogLevel = logging.LogLevelError
	default:
		factory.DefaultLogLevel = logging.LogLevelWarn
	}
	return factory
}
