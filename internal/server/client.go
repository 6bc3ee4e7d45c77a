// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/signal-relay/internal/metrics"
	"github.com/Tyrowin/signal-relay/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ClientOptions carries the settings and collaborators a Client needs.
type ClientOptions struct {
	Config  Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client is one relay connection over WebSocket. It implements relay.Peer:
// the hub queues outbound messages through Deliver and the write pump sends
// them one frame per message, unchanged.
type Client struct {
	id             relay.ConnID
	conn           *websocket.Conn
	send           chan relay.Message
	hub            *relay.Hub
	addr           string
	logger         *slog.Logger
	metrics        *metrics.Metrics
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	abortOnce      sync.Once
}

// NewClient creates a Client for conn with a fresh identity. The outbound
// queue holds opts.Config.SendBufferSize messages.
func NewClient(conn *websocket.Conn, hub *relay.Hub, addr string, opts ClientOptions) *Client {
	cfg := opts.Config.Sanitized()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := relay.NewConnID()

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan relay.Message, cfg.SendBufferSize),
		hub:            hub,
		addr:           addr,
		logger:         logger.With("conn", id, "addr", addr),
		metrics:        opts.Metrics,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the connection identity.
func (c *Client) ID() relay.ConnID { return c.id }

// Addr returns the remote address.
func (c *Client) Addr() string { return c.addr }

// GetSendChan returns the client's outbound queue for reading.
func (c *Client) GetSendChan() <-chan relay.Message {
	return c.send
}

// Deliver queues msg without blocking.
func (c *Client) Deliver(msg relay.Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Detach closes the outbound queue; the write pump then sends a close frame
// and exits.
func (c *Client) Detach() {
	close(c.send)
}

// Abort closes the underlying connection once. The read pump observes the
// failure and unregisters the client.
func (c *Client) Abort() {
	c.abortOnce.Do(func() {
		if c.conn == nil {
			return
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection", "err", err)
		}
	})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("error setting read deadline in pong handler", "err", err)
		}
		return nil
	})
}

// classifyReadError logs a read failure and returns the reason to report to
// the hub: nil for a clean close handshake, the error otherwise.
func (c *Client) classifyReadError(err error) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		c.logger.Warn("message exceeded maximum size", "max_bytes", c.maxMessageSize)
		return err
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		c.logger.Info("client disconnected", "reason", err)
		return nil
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.logger.Info("client connection closed", "err", err)
		return err
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.logger.Warn("unexpected websocket close", "err", err)
		return err
	}

	c.logger.Warn("websocket read error", "err", err)
	return err
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if !c.rateLimiter.allow() {
		c.metrics.Inc(metrics.MessagesRateLimited)
		c.logger.Warn("rate limit exceeded; discarding message",
			"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

func (c *Client) readPump() {
	var reason error
	defer func() {
		if err := c.hub.Unregister(c, reason); err != nil && !errors.Is(err, relay.ErrHubStopped) {
			c.logger.Warn("error unregistering client", "err", err)
		}
		c.Abort()
	}()

	c.setupReadConnection()

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			reason = c.classifyReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		if err := c.hub.Broadcast(c, relay.Message{Type: messageType, Payload: payload}); err != nil {
			c.logger.Info("hub stopped; closing client", "err", err)
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Abort()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message relay.Message, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline", "err", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeFrame(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error writing close message", "err", err)
	}
	return false
}

// writeFrame sends one message as a single frame of its original type.
func (c *Client) writeFrame(message relay.Message) bool {
	if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", "err", err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline for ping", "err", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing ping message", "err", err)
		}
		return false
	}
	return true
}
