package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/chunkd-io/chunkd/pkg/upload"
)

// StoreSet bundles the three storage ports behind the upload engine so the
// health endpoints can probe each one individually.
type StoreSet struct {
	Sessions  upload.SessionRepository
	Chunks    upload.ChunkStore
	Artifacts upload.ArtifactStore
}

// HealthHandler handles health check endpoints.
//
// Health endpoints are unauthenticated and provide:
//   - Liveness probe: Is the server process running?
//   - Readiness probe: Is the server ready to accept uploads?
//   - Store health: Detailed health status of all storage backends
type HealthHandler struct {
	stores *StoreSet
}

// NewHealthHandler creates a new health handler.
//
// The stores parameter may be nil, in which case readiness and store health
// checks will return unhealthy status.
func NewHealthHandler(stores *StoreSet) *HealthHandler {
	return &HealthHandler{stores: stores}
}

// Liveness handles GET /health - simple liveness probe.
//
// Returns 200 OK if the server process is running. This endpoint is designed
// for Kubernetes liveness probes and should always succeed as long as the
// HTTP server is responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthyResponse(map[string]string{
		"service": "chunkd",
	}))
}

// Readiness handles GET /health/ready - readiness probe.
//
// Returns 200 OK if all three storage backends answer their health checks,
// 503 Service Unavailable otherwise.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.stores == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("stores not initialized"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.stores.Sessions.HealthCheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("session repository: "+err.Error()))
		return
	}
	if err := h.stores.Chunks.HealthCheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("chunk store: "+err.Error()))
		return
	}
	if err := h.stores.Artifacts.HealthCheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("artifact store: "+err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, healthyResponse(map[string]string{
		"sessions":  storeName(h.stores.Sessions),
		"chunks":    storeName(h.stores.Chunks),
		"artifacts": storeName(h.stores.Artifacts),
	}))
}

// StoreHealth represents the health status of a single storage backend.
type StoreHealth struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// StoresResponse represents the detailed store health response.
type StoresResponse struct {
	Stores []StoreHealth `json:"stores"`
}

// Stores handles GET /health/stores - detailed store health.
//
// Probes the session repository, chunk store and artifact store, reporting
// per-backend status and latency. Returns 200 OK if all backends are
// healthy, 503 Service Unavailable if any backend is unhealthy.
func (h *HealthHandler) Stores(w http.ResponseWriter, r *http.Request) {
	if h.stores == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("stores not initialized"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	type probe struct {
		kind  string
		check func(context.Context) error
		name  string
	}
	probes := []probe{
		{"sessions", h.stores.Sessions.HealthCheck, storeName(h.stores.Sessions)},
		{"chunks", h.stores.Chunks.HealthCheck, storeName(h.stores.Chunks)},
		{"artifacts", h.stores.Artifacts.HealthCheck, storeName(h.stores.Artifacts)},
	}

	response := StoresResponse{Stores: make([]StoreHealth, 0, len(probes))}
	allHealthy := true

	for _, p := range probes {
		start := time.Now()
		err := p.check(ctx)
		latency := time.Since(start)

		health := StoreHealth{
			Name:    p.name,
			Type:    p.kind,
			Latency: latency.String(),
		}

		if err != nil {
			health.Status = "unhealthy"
			health.Error = err.Error()
			allHealthy = false
		} else {
			health.Status = "healthy"
		}

		response.Stores = append(response.Stores, health)
	}

	if allHealthy {
		writeJSON(w, http.StatusOK, healthyResponse(response))
	} else {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponseWithData(response, "one or more stores unhealthy"))
	}
}

// storeName resolves a backend label for stores that implement
// Backend() string. Anything else is reported as "unknown".
func storeName(v any) string {
	if n, ok := v.(interface{ Backend() string }); ok {
		return n.Backend()
	}
	return "unknown"
}
