// Package testhelpers provides common utilities for testing the signal relay.
//
// It contains helpers shared by package tests for dialing relay connections,
// sending and receiving raw frames, and asserting HTTP responses.
package testhelpers

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultOrigin is sent by ConnectWebSocket.
const DefaultOrigin = "http://localhost:9001"

// WebSocketURL converts an httptest server URL into a ws:// URL for path.
func WebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// It returns the connection or an error if connection fails.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, DefaultOrigin)
}

// ConnectWebSocketWithOrigin dials url sending origin, or no Origin header
// when origin is empty. The handshake response is returned for status checks.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	conn, _, err := DialWebSocket(url, origin)
	return conn, err
}

// DialWebSocket dials url and returns the handshake status code alongside the
// connection. The status is 0 when no HTTP response was received.
func DialWebSocket(url, origin string) (*websocket.Conn, int, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	status := 0
	if resp != nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}
	return conn, status, err
}

// MustConnect dials n relay connections and closes them when the test ends.
func MustConnect(t *testing.T, url string, n int) []*websocket.Conn {
	t.Helper()

	conns := make([]*websocket.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, err := ConnectWebSocket(url)
		if err != nil {
			t.Fatalf("connect client %d: %v", i, err)
		}
		conns = append(conns, conn)
	}
	t.Cleanup(func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	return conns
}

// SendText sends payload as a single text frame.
func SendText(conn *websocket.Conn, payload string) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// ReceiveRawMessage reads one frame, waiting at most timeout.
func ReceiveRawMessage(conn *websocket.Conn, timeout time.Duration) (int, []byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, err
	}
	return conn.ReadMessage()
}

// ExpectText fails the test unless the next frame on conn is a text frame
// carrying want.
func ExpectText(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()

	messageType, payload, err := ReceiveRawMessage(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("expected %q, read failed: %v", want, err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("expected text frame, got type %d", messageType)
	}
	if string(payload) != want {
		t.Fatalf("expected %q, got %q", want, payload)
	}
}

// ExpectNoMessage fails the test if a frame arrives on conn within wait.
// The read deadline leaves the connection unusable for further reads, so call
// this last for a given connection.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()

	_, payload, err := ReceiveRawMessage(conn, wait)
	if err == nil {
		t.Fatalf("expected no message, got %q", payload)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// WaitFor polls cond until it returns true or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}
