package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	MessagesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "mibs_messages_created_total", Help: "Messages accepted by the API."},
	)

	// Scheduler
	Ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_ticks_total", Help: "Scheduler ticks."},
		[]string{"result"}, // ok | error
	)
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_tick_duration_seconds",
			Help:    "Wall time of one claim-deliver-settle cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms..~80s
		},
	)
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_claim_total", Help: "Claim attempts."},
		[]string{"result"}, // ok | empty | error
	)
	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_claim_batch_size",
			Help:    "Number of messages returned per claim.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0,10,...,100
		},
	)
	PendingMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "worker_pending_messages", Help: "Due, unsent messages after the last tick."},
	)
	MessagesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_messages_total", Help: "Per-message cycle results."},
		[]string{"result"}, // sent | incomplete | error
	)

	// Delivery
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "delivery_send_total", Help: "Per-recipient delivery outcomes."},
		[]string{"outcome"}, // sent | already_sent | failed | persist_failed
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_send_duration_seconds",
			Help:    "Transport send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
)

var registerOnce sync.Once

// MustRegister adds our collectors to the default registry, which already
// carries the Go and process collectors. Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests, HTTPDuration, MessagesCreated,
			Ticks, TickDuration, ClaimTotal, ClaimBatchSize, PendingMessages, MessagesCompleted,
			SendTotal, SendDuration,
		)
	})
}

// PGXPoolStats exports pgxpool stats on an interval.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Gauge
	acquireLatency prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool, reg prometheus.Registerer) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m.conns = registerGauge(reg, m.conns)
	m.idle = registerGauge(reg, m.idle)
	m.acquireCount = registerGauge(reg, m.acquireCount)
	m.acquireLatency = registerGauge(reg, m.acquireLatency)

	return m
}

// registerGauge returns the gauge already registered under the same name, if
// any, so a second pool exporter in one process does not panic.
func registerGauge(reg prometheus.Registerer, g prometheus.Gauge) prometheus.Gauge {
	if err := reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing
			}
		}
		panic(err)
	}
	return g
}

// Collect samples the pool once.
func (m *PGXPoolStats) Collect() {
	s := m.pool.Stat()
	m.conns.Set(float64(s.TotalConns()))
	m.idle.Set(float64(s.IdleConns()))
	// pool stats are already cumulative
	m.acquireCount.Set(float64(s.AcquireCount()))
	m.acquireLatency.Set(s.AcquireDuration().Seconds())
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.Collect()
		}
	}
}
