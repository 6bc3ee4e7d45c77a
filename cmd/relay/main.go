package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/signal-relay/internal/server"
)

func main() {
	cfg, err := server.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := server.NewLogger(os.Stdout, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging configuration: %v\n", err)
		os.Exit(2)
	}

	logger.Info("starting signal relay",
		"port", cfg.Port,
		"allowed_origins", cfg.AllowedOrigins,
		"max_message_size", cfg.MaxMessageSize,
		"max_connections", cfg.MaxConnections,
		"rate_limit_burst", cfg.RateLimit.Burst,
	)

	srv := server.NewServer(cfg, logger)

	ln, err := srv.Listen()
	if err != nil {
		logger.Error("failed to start listener", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	if err := srv.Shutdown(); err != nil {
		logger.Error("shutdown incomplete", "err", err)
	}
	if err := <-errCh; err != nil {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("signal relay stopped")
}
