package server_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/signal-relay/internal/metrics"
	"github.com/Tyrowin/signal-relay/internal/server"
	"github.com/Tyrowin/signal-relay/internal/testhelpers"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startRelay runs a relay behind an httptest server and tears both down when
// the test ends.
func startRelay(t *testing.T, cfg server.Config) (*server.Server, *httptest.Server) {
	t.Helper()

	srv := server.NewServer(cfg, quietLogger())
	go srv.Hub().Run()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		if err := srv.Hub().Shutdown(2 * time.Second); err != nil {
			t.Errorf("hub shutdown: %v", err)
		}
	})
	return srv, ts
}

// TestHealthHandler tests the health handler function in isolation.
// It verifies that the handler responds to any method with the status text.
func TestHealthHandler(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodHead} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/", http.NoBody)
			rr := httptest.NewRecorder()

			server.HealthHandler(rr, req)

			if rr.Code != http.StatusOK {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
			}
			if rr.Body.String() != "Signal relay is running!" {
				t.Errorf("handler returned unexpected body: got %q", rr.Body.String())
			}
			if ct := rr.Header().Get("Content-Type"); ct != "text/plain" {
				t.Errorf("content type = %q", ct)
			}
		})
	}
}

// TestTestPageHandler verifies the browser console page is served as HTML and
// points at the relay endpoint of the serving host.
func TestTestPageHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	server.TestPageHandler(rr, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/html" {
		t.Errorf("content type = %q", ct)
	}
	body := rr.Body.String()
	for _, want := range []string{"<!DOCTYPE html>", "Signal Relay Console", "location.host + '/ws'"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

// TestRoutes exercises the router: status codes and content types for every
// non-WebSocket endpoint.
func TestRoutes(t *testing.T) {
	_, ts := startRelay(t, *server.NewConfig())

	tests := []struct {
		name        string
		method      string
		path        string
		status      int
		contentType string
	}{
		{name: "health", method: http.MethodGet, path: "/", status: http.StatusOK, contentType: "text/plain"},
		{name: "test page", method: http.MethodGet, path: "/test", status: http.StatusOK, contentType: "text/html"},
		{name: "metrics", method: http.MethodGet, path: "/metrics", status: http.StatusOK, contentType: "text/plain"},
		{name: "ws requires GET", method: http.MethodPost, path: "/ws", status: http.StatusMethodNotAllowed},
		{name: "ws without upgrade", method: http.MethodGet, path: "/ws", status: http.StatusBadRequest},
		{name: "metrics requires GET", method: http.MethodPost, path: "/metrics", status: http.StatusMethodNotAllowed},
		{name: "unknown path", method: http.MethodGet, path: "/nope", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := testhelpers.MakeRequest(t, tt.method, ts.URL+tt.path)
			testhelpers.AssertStatusCode(t, resp, tt.status)
			if tt.contentType != "" {
				testhelpers.AssertContentType(t, resp, tt.contentType)
			}
		})
	}
}

func TestMetricsEndpointReportsConnections(t *testing.T) {
	srv, ts := startRelay(t, *server.NewConfig())
	url := testhelpers.WebSocketURL(ts.URL, "/ws")

	conns := testhelpers.MustConnect(t, url, 2)
	testhelpers.WaitFor(t, 2*time.Second, "registration", func() bool { return srv.Hub().Count() == 2 })

	if err := testhelpers.SendText(conns[0], "hello"); err != nil {
		t.Fatal(err)
	}
	testhelpers.ExpectText(t, conns[1], "hello")
	testhelpers.WaitFor(t, time.Second, "forward counter", func() bool {
		return srv.Metrics().Get(metrics.MessagesForwarded) == 1
	})

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/metrics")
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	text := string(body)
	for _, want := range []string{
		"signal_relay_connections 2",
		`signal_relay_events_total{event="connections_opened"} 2`,
		`signal_relay_events_total{event="messages_received"} 1`,
		`signal_relay_events_total{event="messages_forwarded"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics missing %q:\n%s", want, text)
		}
	}
}

// TestCapacityRejectsBeforeUpgrade fills the relay and checks that the next
// handshake is refused with 503.
func TestCapacityRejectsBeforeUpgrade(t *testing.T) {
	cfg := server.NewConfig()
	cfg.MaxConnections = 1
	srv, ts := startRelay(t, *cfg)
	url := testhelpers.WebSocketURL(ts.URL, "/ws")

	testhelpers.MustConnect(t, url, 1)
	testhelpers.WaitFor(t, 2*time.Second, "registration", func() bool { return srv.Hub().Count() == 1 })

	conn, status, err := testhelpers.DialWebSocket(url, testhelpers.DefaultOrigin)
	if err == nil {
		_ = conn.Close()
		t.Fatal("expected handshake to fail at capacity")
	}
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", status)
	}
	if got := srv.Metrics().Get(metrics.ConnectionsRejected); got != 1 {
		t.Fatalf("connections_rejected = %d, want 1", got)
	}
}

func TestOriginRestriction(t *testing.T) {
	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{"http://app.example"}
	_, ts := startRelay(t, *cfg)
	url := testhelpers.WebSocketURL(ts.URL, "/ws")

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{name: "allowed", origin: "http://app.example", ok: true},
		{name: "disallowed", origin: "http://evil.example", ok: false},
		{name: "missing", origin: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, status, err := testhelpers.DialWebSocket(url, tt.origin)
			if tt.ok {
				if err != nil {
					t.Fatalf("dial: %v (status %d)", err, status)
				}
				_ = conn.Close()
				return
			}
			if err == nil {
				_ = conn.Close()
				t.Fatal("expected handshake to be refused")
			}
			if status != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", status)
			}
		})
	}
}
