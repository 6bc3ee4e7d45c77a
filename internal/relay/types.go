// Package relay implements the signaling hub: it owns the set of open
// connections and forwards every inbound message to all connections except
// the one it arrived on.
//
// The hub is transport agnostic. Connections are represented by the Peer
// interface and identified by a ConnID generated when the transport accepts
// them; payloads are never inspected.
package relay

import (
	"errors"

	"github.com/google/uuid"
)

// ErrHubStopped is returned when an event is submitted after the hub has shut down.
var ErrHubStopped = errors.New("relay: hub stopped")

// ConnID is the stable identity of one connection. Self exclusion and
// removal compare ConnIDs, never payloads or object addresses.
type ConnID string

// NewConnID returns a fresh random identity.
func NewConnID() ConnID {
	return ConnID(uuid.NewString())
}

// Message is an opaque payload together with the transport frame type it
// arrived in. Both are forwarded unchanged.
type Message struct {
	Type    int
	Payload []byte
}

// Peer is the hub's view of one open connection. The transport owns the
// underlying resources; the hub only calls these methods from its event loop.
type Peer interface {
	ID() ConnID
	// Addr is the remote address, used for logging only.
	Addr() string
	// Deliver queues msg for sending without blocking. It reports false when
	// the message could not be queued.
	Deliver(msg Message) bool
	// Detach is called exactly once, after the hub has removed the peer.
	// No Deliver calls follow it.
	Detach()
	// Abort asks the transport to tear the connection down. The peer leaves
	// the set through its own Closed or Errored event. Must be idempotent.
	Abort()
}

// EventKind enumerates what happened to a connection.
type EventKind int

const (
	EventConnected EventKind = iota
	EventMessage
	EventClosed
	EventErrored
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Event is one input to the hub loop. Message is set for EventMessage and Err
// for EventErrored.
type Event struct {
	Kind    EventKind
	Peer    Peer
	Message Message
	Err     error
}
