// Package peer negotiates WebRTC sessions through the signal relay.
//
// A SignalConn is a plain relay connection: every payload it sends reaches
// every other connection, and it receives everything the others send. The
// Negotiator layers the offer/answer exchange on top, sending complete SDP
// text once ICE gathering has finished.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// SignalConn is a WebSocket connection to the relay. Send may be called from
// any goroutine; Receive must only be called from one.
type SignalConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the relay at url.
func Dial(ctx context.Context, url string, header http.Header) (*SignalConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	return &SignalConn{conn: conn}, nil
}

// Send writes payload as one text frame.
func (s *SignalConn) Send(payload string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// Receive blocks until the next payload arrives from another connection.
func (s *SignalConn) Receive() (string, error) {
	_, payload, err := s.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// Close sends a close frame and releases the connection. It is safe to call
// more than once.
func (s *SignalConn) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		werr := s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		err = s.conn.Close()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = errors.Join(werr, err)
		}
	})
	return err
}
