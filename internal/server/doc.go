// Package server implements the HTTP and WebSocket front end of the signaling
// relay.
//
// The implementation is organized into specialized files for configuration,
// logging, origin checks, rate limiting, clients, routing, and HTTP handlers.
// Message fan-out itself lives in package relay; this package adapts
// WebSocket connections to relay.Peer and feeds their events to the hub.
package server
