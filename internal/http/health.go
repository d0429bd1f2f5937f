package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// /readyz pings the DB with a short timeout.
func (s *Server) mountHealth(r chi.Router) {
	MountHealth(r, s.DB, s.Log)
}

// MountHealth registers /healthz and /readyz. The worker process reuses it
// without the rest of the API.
func MountHealth(r chi.Router, db Pinger, log *zap.Logger) {
	// Liveness: process is up
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Readiness: dependencies are OK (DB)
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()

		if db == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if err := db.Ping(ctx); err != nil {
			if log != nil {
				log.Warn("readiness ping failed", zap.Error(err))
			}
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
