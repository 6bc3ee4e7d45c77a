// Command peer negotiates a WebRTC data channel with another peer through the
// signal relay. Start one instance without -offer, then one with -offer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/Tyrowin/signal-relay/internal/peer"
)

type options struct {
	relayURL string
	offer    bool
	stun     string
	message  string
	logLevel string
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("peer", flag.ContinueOnError)

	var opts options
	fs.StringVar(&opts.relayURL, "relay", "ws://localhost:9001", "signal relay WebSocket URL")
	fs.BoolVar(&opts.offer, "offer", false, "create the offer instead of waiting for one")
	fs.StringVar(&opts.stun, "stun", "stun:stun.webrtc.ecl.ntt.com:3478", "comma separated STUN/TURN URLs, empty for host candidates only")
	fs.StringVar(&opts.message, "message", "hello from signal-relay peer", "text sent once the data channel opens")
	fs.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func splitURLs(raw string) []string {
	var urls []string
	for _, u := range strings.Split(raw, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(opts.logLevel)}))

	if err := run(opts, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("peer stopped", "err", err)
		os.Exit(1)
	}
}

func run(opts options, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := peer.NewAPI(peer.LoggerFactory(opts.logLevel))
	if err != nil {
		return err
	}

	conn, err := peer.Dial(ctx, opts.relayURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("connected to relay", "url", opts.relayURL)

	negotiator, err := peer.NewNegotiator(conn, peer.Options{
		API:        api,
		ICEServers: splitURLs(opts.stun),
		Logger:     logger,
		OnOpen: func(dc *webrtc.DataChannel) {
			if opts.message == "" {
				return
			}
			if err := dc.SendText(opts.message); err != nil {
				logger.Warn("send failed", "label", dc.Label(), "err", err)
			}
		},
		OnMessage: func(label string, data []byte) {
			fmt.Printf("[%s] %s\n", label, data)
		},
	})
	if err != nil {
		return err
	}
	defer negotiator.HangUp()

	runErr := make(chan error, 1)
	go func() { runErr <- negotiator.Run(ctx) }()

	if opts.offer {
		if err := negotiator.Offer(ctx); err != nil {
			return fmt.Errorf("offer: %w", err)
		}
	} else {
		logger.Info("waiting for an offer")
	}

	return <-runErr
}
