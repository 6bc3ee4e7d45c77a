// Package metrics keeps in-process event counters for the relay and exposes
// them in Prometheus' text format.
package metrics

import "sync"

// Event names counted by the relay.
const (
	ConnectionsOpened          = "connections_opened"
	ConnectionsClosed          = "connections_closed"
	ConnectionsErrored         = "connections_errored"
	ConnectionsRejected        = "connections_rejected"
	MessagesReceived           = "messages_received"
	MessagesForwarded          = "messages_forwarded"
	DeliveriesDropped          = "deliveries_dropped"
	MessagesDroppedStaleSender = "messages_dropped_stale_sender"
	MessagesRateLimited        = "messages_rate_limited"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics is valid and
// discards every update.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
