package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/signal-relay/internal/metrics"
)

// HubOptions configures a Hub. The zero value is usable.
type HubOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// MaxPeers caps the Connection Set. Zero means unbounded.
	MaxPeers int
}

// Hub maintains the set of open connections and broadcasts each inbound
// message to every connection except its sender.
//
// All mutation happens on the goroutine running Run. Other goroutines submit
// events through Register, Broadcast and Unregister, and may read snapshots
// through Count and Peers.
type Hub struct {
	peers    map[ConnID]Peer
	events   chan Event
	mutex    sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
	maxPeers int
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewHub creates a Hub. Call Run in its own goroutine before submitting events.
func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxPeers := opts.MaxPeers
	if maxPeers < 0 {
		maxPeers = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		peers:    make(map[ConnID]Peer),
		events:   make(chan Event),
		logger:   logger,
		metrics:  opts.Metrics,
		maxPeers: maxPeers,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Register submits a Connected event for p.
func (h *Hub) Register(p Peer) error {
	return h.Dispatch(Event{Kind: EventConnected, Peer: p})
}

// Broadcast submits a message received from sender. It returns once the hub
// has accepted the event, so successive calls from one sender are forwarded
// in call order.
func (h *Hub) Broadcast(sender Peer, msg Message) error {
	return h.Dispatch(Event{Kind: EventMessage, Peer: sender, Message: msg})
}

// Unregister submits a Closed event when err is nil and an Errored event
// otherwise. Unregistering a peer that is not in the set is a no-op.
func (h *Hub) Unregister(p Peer, err error) error {
	if err != nil {
		return h.Dispatch(Event{Kind: EventErrored, Peer: p, Err: err})
	}
	return h.Dispatch(Event{Kind: EventClosed, Peer: p})
}

// Dispatch hands ev to the event loop, blocking until it is accepted or the
// hub stops.
func (h *Hub) Dispatch(ev Event) error {
	if ev.Peer == nil {
		h.logger.Warn("dropping event without peer", "kind", ev.Kind.String())
		return nil
	}

	select {
	case h.events <- ev:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	}
}

// Count returns the number of connections currently in the set.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.peers)
}

// Peers returns a snapshot of the identities currently in the set.
func (h *Hub) Peers() []ConnID {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	ids := make([]ConnID, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	return ids
}

// Run starts the hub's event loop. It returns after Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownPeers()
			return

		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

func (h *Hub) handle(ev Event) {
	switch ev.Kind {
	case EventConnected:
		h.handleConnect(ev.Peer)
	case EventMessage:
		h.handleMessage(ev.Peer, ev.Message)
	case EventClosed, EventErrored:
		h.handleDisconnect(ev)
	default:
		h.logger.Warn("ignoring unknown hub event", "kind", int(ev.Kind))
	}
}

func (h *Hub) handleConnect(p Peer) {
	id := p.ID()

	h.mutex.Lock()
	if _, exists := h.peers[id]; exists {
		h.mutex.Unlock()
		h.logger.Warn("duplicate registration ignored", "conn", id, "addr", p.Addr())
		return
	}
	if h.maxPeers > 0 && len(h.peers) >= h.maxPeers {
		h.mutex.Unlock()
		h.metrics.Inc(metrics.ConnectionsRejected)
		h.logger.Warn("connection rejected, relay at capacity", "conn", id, "addr", p.Addr(), "max", h.maxPeers)
		p.Abort()
		p.Detach()
		return
	}
	h.peers[id] = p
	count := len(h.peers)
	h.mutex.Unlock()

	h.metrics.Inc(metrics.ConnectionsOpened)
	h.logger.Info("connection registered", "conn", id, "addr", p.Addr(), "total", count)
}

// handleMessage forwards msg to every peer other than sender. The set is only
// mutated on this goroutine, so it can be iterated without holding the lock.
func (h *Hub) handleMessage(sender Peer, msg Message) {
	senderID := sender.ID()
	if _, ok := h.peers[senderID]; !ok {
		h.metrics.Inc(metrics.MessagesDroppedStaleSender)
		h.logger.Debug("dropping message from connection no longer registered", "conn", senderID)
		return
	}
	h.metrics.Inc(metrics.MessagesReceived)

	delivered := 0
	for id, p := range h.peers {
		if id == senderID {
			continue
		}
		if !p.Deliver(msg) {
			h.metrics.Inc(metrics.DeliveriesDropped)
			h.logger.Warn("outbound queue full, dropping connection", "conn", id, "addr", p.Addr(), "from", senderID)
			p.Abort()
			continue
		}
		delivered++
	}

	h.metrics.Add(metrics.MessagesForwarded, uint64(delivered))
	h.logger.Debug("message relayed", "from", senderID, "bytes", len(msg.Payload), "recipients", delivered)
}

func (h *Hub) handleDisconnect(ev Event) {
	id := ev.Peer.ID()

	h.mutex.Lock()
	p, ok := h.peers[id]
	if ok {
		delete(h.peers, id)
	}
	count := len(h.peers)
	h.mutex.Unlock()

	if !ok {
		return
	}
	p.Detach()

	if ev.Kind == EventErrored {
		h.metrics.Inc(metrics.ConnectionsErrored)
		h.logger.Info("connection unregistered after error", "conn", id, "addr", p.Addr(), "err", ev.Err, "total", count)
		return
	}
	h.metrics.Inc(metrics.ConnectionsClosed)
	h.logger.Info("connection unregistered", "conn", id, "addr", p.Addr(), "total", count)
}

// shutdownPeers aborts and detaches every remaining connection.
func (h *Hub) shutdownPeers() {
	h.mutex.Lock()
	peers := make([]Peer, 0, len(h.peers))
	for id, p := range h.peers {
		peers = append(peers, p)
		delete(h.peers, id)
	}
	h.mutex.Unlock()

	for _, p := range peers {
		p.Abort()
		p.Detach()
	}

	h.logger.Info("hub closed remaining connections", "count", len(peers))
}

// Shutdown stops the event loop and waits up to timeout for it to exit.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")
	h.cancel()

	select {
	case <-h.done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
