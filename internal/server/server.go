package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/Tyrowin/signal-relay/internal/metrics"
	"github.com/Tyrowin/signal-relay/internal/relay"
)

// Server ties one Hub to its HTTP front end for the lifetime of the process.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	hub     *relay.Hub
	handler *Handler
	http    *http.Server
}

// NewServer builds the hub, handler and HTTP server from cfg. Nothing runs
// until Serve is called.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	cfg = cfg.Sanitized()
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.New()
	hub := relay.NewHub(relay.HubOptions{
		Logger:   logger,
		Metrics:  m,
		MaxPeers: cfg.MaxConnections,
	})
	handler := NewHandler(hub, cfg, logger, m)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		hub:     hub,
		handler: handler,
		http:    CreateServer(cfg.Port, SetupRoutes(handler)),
	}
}

// Hub returns the relay hub owned by s.
func (s *Server) Hub() *relay.Hub { return s.hub }

// Metrics returns the counters updated by s.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Handler returns the routed HTTP handler, for embedding in test servers.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Listen binds the configured address. Failure here is the only fatal
// startup condition.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.cfg.Port, err)
	}
	return ln, nil
}

// Serve starts the hub and serves HTTP on ln until Shutdown. A clean shutdown
// returns nil.
func (s *Server) Serve(ln net.Listener) error {
	go s.hub.Run()
	s.logger.Info("hub started and ready to relay signaling messages")

	if err := StartServer(s.http, ln, s.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes every relay connection and
// waits for their goroutines, bounded by the configured shutdown timeout at
// each stage.
func (s *Server) Shutdown() error {
	timeout := s.cfg.ShutdownTimeout

	httpErr := ShutdownServer(s.http, timeout, s.logger)
	hubErr := s.hub.Shutdown(timeout)
	waitErr := s.handler.Wait(timeout)

	return errors.Join(httpErr, hubErr, waitErr)
}
