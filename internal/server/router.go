package server

import (
	"net/http"
)

// GatewayHTTP is the surface the router needs from the proxy front door.
type GatewayHTTP interface {
	ServeHTTP(http.ResponseWriter, *http.Request)
	HandleHealth(http.ResponseWriter, *http.Request)
}

// NewHandler mounts the operational endpoints next to the proxy surface:
// /health and /metrics belong to the gateway process itself, everything under
// /api is dispatched to the route table.
func NewHandler(gw GatewayHTTP, metricsHandler http.Handler) http.Handler {
	if gw == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health" || r.URL.Path == "/healthz":
			gw.HandleHealth(w, r)
		case r.URL.Path == "/metrics":
			if metricsHandler == nil {
				http.NotFound(w, r)
				return
			}
			metricsHandler.ServeHTTP(w, r)
		default:
			// Unknown paths still go through the gateway so the 404
			// envelope stays uniform.
			gw.ServeHTTP(w, r)
		}
	})
}
