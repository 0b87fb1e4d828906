package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterOptions tunes the HTTP router.
type RouterOptions struct {
	// TrustProxyHeaders lets X-Forwarded-For / X-Real-IP pick the client
	// origin. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool
	RequestTimeout    time.Duration
}

// NewRouter mounts the DHRU endpoint and the health check.
func NewRouter(h *Handler, health *HealthHandler, opts RouterOptions) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if opts.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	// DHRU clients post to a fixed URL
	for _, path := range []string{"/", "/api/index.php"} {
		r.Get(path, h.ServeDHRU)
		r.Post(path, h.ServeDHRU)
	}
	r.Method(http.MethodGet, "/health", health)

	return r
}
