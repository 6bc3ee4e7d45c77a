// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, metrics, and the built-in test page.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/signal-relay/internal/metrics"
	"github.com/Tyrowin/signal-relay/internal/relay"
)

// Handler upgrades relay connections and owns their pump goroutines.
type Handler struct {
	hub      *relay.Hub
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

// NewHandler creates a Handler registering connections with hub.
func NewHandler(hub *relay.Hub, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Handler {
	cfg = cfg.Sanitized()
	if logger == nil {
		logger = slog.Default()
	}
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)

	return &Handler{
		hub:     hub,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
	}
}

// ServeWS handles WebSocket upgrade requests. It validates that the request
// uses the GET method, refuses new connections when the relay is full,
// upgrades the connection, registers a Client with the hub and starts the
// client's read/write pumps.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if h.cfg.MaxConnections > 0 && h.hub.Count() >= h.cfg.MaxConnections {
		h.metrics.Inc(metrics.ConnectionsRejected)
		h.logger.Warn("refusing connection, relay at capacity", "addr", r.RemoteAddr, "max", h.cfg.MaxConnections)
		http.Error(w, "Relay is at capacity. Try again later.", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "err", err)
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr, ClientOptions{
		Config:  h.cfg,
		Logger:  h.logger,
		Metrics: h.metrics,
	})

	if err := h.hub.Register(client); err != nil {
		h.logger.Info("hub unavailable; dropping new connection", "addr", r.RemoteAddr, "err", err)
		client.Abort()
		return
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// Wait blocks until every pump goroutine started by ServeWS has returned, or
// until timeout elapses.
func (h *Handler) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		h.logger.Warn("timed out waiting for client goroutines")
		return context.DeadlineExceeded
	}
}

// MetricsHandler serves the relay counters and the live connection gauge.
func (h *Handler) MetricsHandler() http.Handler {
	return metrics.PrometheusHandler(h.metrics, h.hub.Count)
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Signal relay is running!")
}

// TestPageHandler serves an HTML console for exercising the relay from a
// browser: connect, send raw text, and watch payloads forwarded from others.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		slog.Default().Warn("error writing HTML response", "err", err)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Signal Relay Console</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            white-space: pre-wrap;
            font-family: monospace;
        }
        textarea { width: 600px; height: 120px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Signal Relay Console</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <textarea id="payloadInput" placeholder="Paste an SDP or any text payload..." disabled></textarea>
    </div>
    <div>
        <button id="sendButton" onclick="sendPayload()" disabled>Send</button>
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const payloadInput = document.getElementById('payloadInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addMessage(text, type) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = type === 'sent' ? 'blue' : type === 'received' ? 'green' : 'gray';
            el.textContent = (type === 'sent' ? '> ' : type === 'received' ? '< ' : '') + text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            payloadInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = function() {
                addMessage('Connected to relay');
                updateStatus(true);
            };
            ws.onmessage = function(event) {
                addMessage(typeof event.data === 'string' ? event.data : '[binary payload]', 'received');
            };
            ws.onclose = function() {
                addMessage('Connection closed');
                updateStatus(false);
                ws = null;
            };
            ws.onerror = function() {
                addMessage('Connection error');
                updateStatus(false);
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendPayload() {
            const payload = payloadInput.value;
            if (payload && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(payload);
                addMessage(payload, 'sent');
                payloadInput.value = '';
            }
        }
    </script>
</body>
</html>`
