package httpapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/safezone/mibs/internal/metrics"
)

func (s *Server) mountMetrics(r chi.Router) {
	MountMetrics(r)
}

func MountMetrics(r chi.Router) {
	metrics.MustRegister()
	r.Method("GET", "/metrics", promhttp.Handler())
}
