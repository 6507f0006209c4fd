package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Health is the JSON body served on /healthz.
type Health struct {
	Status             string `json:"status"` // ok, degraded or stopped
	SessionID          string `json:"session_id,omitempty"`
	State              string `json:"state"`
	ICEState           string `json:"ice_state"`
	PeerState          string `json:"peer_state"`
	Round              int    `json:"round"`
	SignalingConnected bool   `json:"signaling_connected"`
}

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthStopped  = "stopped"
)

// HealthReporter supplies the current health snapshot.
type HealthReporter interface {
	Health() Health
}

// HealthHandler serves the health endpoint
type HealthHandler struct {
	reporter HealthReporter
	logger   *zap.Logger
}

func NewHealthHandler(reporter HealthReporter, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{reporter: reporter, logger: logger}
}

func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.reporter == nil {
		http.Error(w, "Status not available", http.StatusServiceUnavailable)
		return
	}

	health := h.reporter.Health()

	w.Header().Set("Content-Type", "application/json")
	if health.Status == HealthStopped {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(health); err != nil {
		h.logger.Warn("Failed to encode health", zap.Error(err))
	}
}
