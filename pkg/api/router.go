package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chunkd-io/chunkd/internal/logger"
	"github.com/chunkd-io/chunkd/pkg/api/handlers"
	"github.com/chunkd-io/chunkd/pkg/upload"
)

// Deps bundles the dependencies the API surface needs.
type Deps struct {
	// Engine drives the upload session endpoints.
	Engine *upload.Engine

	// Stores is probed by the health endpoints. May be nil, in which case
	// readiness and store health report unhealthy.
	Stores *handlers.StoreSet
}

// NewRouter creates and configures the chi router with all middleware and routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout to prevent hung requests
//
// Routes:
//   - POST /api/v1/uploads - Create an upload session
//   - GET /api/v1/uploads/{id} - Session progress
//   - PUT /api/v1/uploads/{id}/chunks/{index} - Upload one chunk
//   - POST /api/v1/uploads/{id}/complete - Merge and finalize
//   - GET /health - Liveness probe
//   - GET /health/ready - Readiness probe
//   - GET /health/stores - Detailed store health
func NewRouter(deps Deps, config APIConfig) http.Handler {
	config.applyDefaults()

	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(config.RequestTimeout))

	uploadHandler := handlers.NewUploadHandler(deps.Engine, int64(config.MaxChunkSize))
	healthHandler := handlers.NewHealthHandler(deps.Stores)

	r.Route("/api/v1/uploads", func(r chi.Router) {
		r.Post("/", uploadHandler.Create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", uploadHandler.Status)
			r.Put("/chunks/{index}", uploadHandler.UploadChunk)
			r.Post("/complete", uploadHandler.Complete)
		})
	})

	// Health routes - unauthenticated
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
		r.Get("/stores", healthHandler.Stores)
	})

	// Root redirect to health for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger is a custom middleware that logs requests using the internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			logger.KeyRequestID, requestID,
			logger.KeyMethod, r.Method,
			logger.KeyPath, r.URL.Path,
			logger.KeyClientIP, r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			logger.KeyRequestID, requestID,
			logger.KeyMethod, r.Method,
			logger.KeyPath, r.URL.Path,
			logger.KeyStatus, ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.KeyDurationMs, logger.Since(start),
		)
	})
}
