package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Store         string `json:"store"`
	SchemaVersion int    `json:"schemaVersion"`
	Connections   int    `json:"connections"`
	Uptime        int64  `json:"uptime"`
}

type healthHandler struct {
	db        Store
	conns     ConnCounter
	version   string
	startedAt time.Time
}

// ServeHTTP handles GET /health.
func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Store:   "connected",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Store = "disconnected"
		httpStatus = http.StatusServiceUnavailable
	}
	resp.SchemaVersion = h.db.SchemaVersion()
	if h.conns != nil {
		resp.Connections = h.conns.Count()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(resp)
}
