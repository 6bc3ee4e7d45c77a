package server_test

import (
	"net"
	"testing"
	"time"

	"github.com/Tyrowin/signal-relay/internal/server"
	"github.com/Tyrowin/signal-relay/internal/testhelpers"
)

// TestServerLifecycle listens on an ephemeral port, relays one message, and
// shuts down cleanly with clients still connected.
func TestServerLifecycle(t *testing.T) {
	cfg := server.NewConfig()
	cfg.Port = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second
	srv := server.NewServer(*cfg, quietLogger())

	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	url := "ws://" + ln.Addr().String()
	conns := testhelpers.MustConnect(t, url, 2)
	testhelpers.WaitFor(t, 2*time.Second, "registration", func() bool { return srv.Hub().Count() == 2 })

	if err := testhelpers.SendText(conns[0], "offer-sdp-text"); err != nil {
		t.Fatal(err)
	}
	testhelpers.ExpectText(t, conns[1], "offer-sdp-text")

	if err := srv.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve returned %v after shutdown", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}

	for i, conn := range conns {
		if _, _, err := testhelpers.ReceiveRawMessage(conn, 2*time.Second); err == nil {
			t.Errorf("client %d still open after shutdown", i)
		}
	}
}

// TestListenFailsOnBusyPort checks that an unavailable address is reported
// as a startup error.
func TestListenFailsOnBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	cfg := server.NewConfig()
	cfg.Port = busy.Addr().String()
	srv := server.NewServer(*cfg, quietLogger())

	if ln, err := srv.Listen(); err == nil {
		_ = ln.Close()
		t.Fatal("expected Listen to fail on a busy port")
	}
}
