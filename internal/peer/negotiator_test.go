package peer_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/Tyrowin/signal-relay/internal/metrics"
	"github.com/Tyrowin/signal-relay/internal/peer"
	"github.com/Tyrowin/signal-relay/internal/server"
	"github.com/Tyrowin/signal-relay/internal/testhelpers"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func quietFactory() logging.LoggerFactory {
	factory := logging.NewDefaultLoggerFactory()
	factory.Writer = io.Discard
	return factory
}

// startRelay runs a relay behind an httptest server and returns its ws URL.
func startRelay(t *testing.T) (*server.Server, string) {
	t.Helper()

	srv := server.NewServer(*server.NewConfig(), quietLogger())
	go srv.Hub().Run()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Hub().Shutdown(2 * time.Second)
	})
	return srv, testhelpers.WebSocketURL(ts.URL, "/")
}

// newVirtualNetwork wires two hosts onto one simulated LAN so ICE completes
// with host candidates and no real sockets.
func newVirtualNetwork(t *testing.T) (*vnet.Net, *vnet.Net) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: quietFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return netA, netB
}

func newVNetAPI(t *testing.T, n *vnet.Net) *webrtc.API {
	t.Helper()

	api, err := peer.NewAPI(quietFactory(), func(se *webrtc.SettingEngine) {
		se.SetNet(n)
	})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	return api
}

func dialSignal(t *testing.T, ctx context.Context, url string) *peer.SignalConn {
	t.Helper()

	conn, err := peer.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// TestNegotiateDataChannelThroughRelay has two peers exchange offer and
// answer through the relay and then talk over the data channel they set up.
func TestNegotiateDataChannelThroughRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	srv, url := startRelay(t)
	netA, netB := newVirtualNetwork(t)

	offerOpen := make(chan *webrtc.DataChannel, 1)
	offerer, err := peer.NewNegotiator(dialSignal(t, ctx, url), peer.Options{
		API:    newVNetAPI(t, netA),
		Label:  "chat",
		Logger: quietLogger(),
		OnOpen: func(dc *webrtc.DataChannel) { offerOpen <- dc },
	})
	if err != nil {
		t.Fatal(err)
	}

	received := make(chan string, 1)
	answerOpen := make(chan *webrtc.DataChannel, 1)
	answerer, err := peer.NewNegotiator(dialSignal(t, ctx, url), peer.Options{
		API:       newVNetAPI(t, netB),
		Logger:    quietLogger(),
		OnOpen:    func(dc *webrtc.DataChannel) { answerOpen <- dc },
		OnMessage: func(label string, data []byte) { received <- label + ":" + string(data) },
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(offerer.HangUp)
	t.Cleanup(answerer.HangUp)

	testhelpers.WaitFor(t, 2*time.Second, "both peers on the relay", func() bool { return srv.Hub().Count() == 2 })

	go func() { _ = offerer.Run(ctx) }()
	go func() { _ = answerer.Run(ctx) }()

	if err := offerer.Offer(ctx); err != nil {
		t.Fatalf("offer: %v", err)
	}

	var dc *webrtc.DataChannel
	select {
	case dc = <-offerOpen:
	case <-ctx.Done():
		t.Fatal("timed out waiting for the offerer's data channel")
	}
	select {
	case remote := <-answerOpen:
		if remote.Label() != "chat" {
			t.Errorf("remote label = %q, want chat", remote.Label())
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the answerer's data channel")
	}

	for _, n := range []*peer.Negotiator{offerer, answerer} {
		select {
		case <-n.Connected():
		case <-ctx.Done():
			t.Fatal("timed out waiting for ICE to connect")
		}
		if got := len(n.DataChannels()); got != 1 {
			t.Errorf("DataChannels() = %d, want 1", got)
		}
	}

	if err := dc.SendText("hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-received:
		if got != "chat:hello" {
			t.Fatalf("received %q, want chat:hello", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the data channel message")
	}
}

// TestOfferWhileNegotiating checks that a second Offer is refused until the
// first PeerConnection is hung up.
func TestOfferWhileNegotiating(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, url := startRelay(t)
	netA, _ := newVirtualNetwork(t)

	n, err := peer.NewNegotiator(dialSignal(t, ctx, url), peer.Options{
		API:    newVNetAPI(t, netA),
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := n.Offer(ctx); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	if err := n.Offer(ctx); err != peer.ErrNegotiating {
		t.Fatalf("second offer = %v, want ErrNegotiating", err)
	}

	n.HangUp()
	if got := len(n.DataChannels()); got != 0 {
		t.Fatalf("DataChannels() after hang up = %d, want 0", got)
	}
	if err := n.Offer(ctx); err != nil {
		t.Fatalf("offer after hang up: %v", err)
	}
	n.HangUp()
}

// TestRunIgnoresGarbageAndStopsOnCancel feeds a payload that is not SDP and
// checks the negotiator keeps running until its context ends.
func TestRunIgnoresGarbageAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, url := startRelay(t)
	netA, _ := newVirtualNetwork(t)

	n, err := peer.NewNegotiator(dialSignal(t, ctx, url), peer.Options{
		API:    newVNetAPI(t, netA),
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	sender := dialSignal(t, ctx, url)
	testhelpers.WaitFor(t, 2*time.Second, "both connections on the relay", func() bool { return srv.Hub().Count() == 2 })

	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	if err := sender.Send("not an sdp"); err != nil {
		t.Fatal(err)
	}
	testhelpers.WaitFor(t, 2*time.Second, "payload to be forwarded", func() bool {
		return srv.Metrics().Get(metrics.MessagesForwarded) == 1
	})

	select {
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	if got := len(n.DataChannels()); got != 0 {
		t.Errorf("DataChannels() = %d after a bad offer, want 0", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
