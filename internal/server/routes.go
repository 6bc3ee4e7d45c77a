// Package server wires HTTP handlers into a router for the relay via routing
// helpers.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// SetupRoutes configures and returns a router with all relay routes.
//
// WebSocket upgrades are accepted on any path so clients written against the
// bare "ws://host:9001" endpoint keep working; /ws is the documented path.
func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.MatcherFunc(func(req *http.Request, _ *mux.RouteMatch) bool {
		return websocket.IsWebSocketUpgrade(req)
	}).HandlerFunc(h.ServeWS)

	r.HandleFunc("/ws", h.ServeWS)
	r.HandleFunc("/test", TestPageHandler).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", h.MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/", HealthHandler)
	return r
}
