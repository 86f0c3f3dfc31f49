package metrics

import (
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

	// Scheduler
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_claim_total", Help: "Broadcast claim attempts."},
		[]string{"result"}, // ok | empty | error
	)
	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_claim_batch_size",
			Help:    "Broadcasts claimed per poll.",
			Buckets: prometheus.LinearBuckets(0, 5, 11),
		},
	)

	// Dispatch
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_send_total", Help: "Per-recipient send outcomes."},
		[]string{"channel", "outcome"}, // sent | failed | fatal
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_send_duration_seconds",
			Help:    "Provider send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	SuspendTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_suspend_total", Help: "Broadcasts suspended on rate-limit backpressure."},
	)
	BroadcastsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_broadcasts_finished_total", Help: "Broadcasts reaching a terminal state."},
		[]string{"status"}, // completed | failed | cancelled
	)
	RateLimitDenied = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ratelimit_denied_total", Help: "Rate limiter denials."},
	)

	// Webhooks / auto-reply
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_events_total", Help: "Delivery events by application result."},
		[]string{"type", "result"}, // applied | noop | unknown | error
	)
	AutoReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "autoreply_total", Help: "Auto-reply evaluations."},
		[]string{"result"}, // matched | no_match | send_error
	)
)

var registerOnce sync.Once

// Register default + our collectors. Safe to call from every Router()
// construction; registration happens once per process.
func MustRegister() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration,
		ClaimTotal, ClaimBatchSize,
		SendTotal, SendDuration, SuspendTotal, BroadcastsFinished, RateLimitDenied,
		WebhookEvents, AutoReplies,
	)
}

// PGXPoolStats exports pgx pool gauges on a fixed interval.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Add(float64(s.AcquireCount()))
			m.acquireLatency.Add(s.AcquireDuration().Seconds())
		}
	}
}
