package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/domain"
)

// HealthHandler reports whether the store is reachable.
type HealthHandler struct {
	store domain.HealthChecker
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(store domain.HealthChecker) *HealthHandler {
	return &HealthHandler{store: store}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")

	if err := h.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "database_unreachable"})
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok"})
}
