package api

import (
	"context"
	"net/http"

	apierrors "github.com/agent-smit/devbridge/internal/errors"
)

// BrokerState is what the probes read from the connection broker.
type BrokerState interface {
	Ping(ctx context.Context) error
	Len() int
}

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	Broker BrokerState
}

type readiness struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

// Healthz answers 200 while the process can serve HTTP at all.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz answers 200 with the open connection count while the broker accepts
// connections, and 503 once it has stopped.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.Broker == nil {
		RespondError(w, r, apierrors.ServiceUnavailable("broker not configured"))
		return
	}
	if err := h.Broker.Ping(r.Context()); err != nil {
		RespondError(w, r, apierrors.ServiceUnavailable("broker stopped"))
		return
	}
	RespondJSON(w, r, http.StatusOK, readiness{Status: "ready", Connections: h.Broker.Len()})
}
