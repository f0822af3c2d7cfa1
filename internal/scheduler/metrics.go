package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered on the registry passed to NewMetrics. A nil
// *Metrics records nothing.
type Metrics struct {
	ticks     *prometheus.CounterVec
	duration  prometheus.Histogram
	due       prometheus.Gauge
	outcomes  *prometheus.CounterVec
	recovered prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Ticks partitioned by result (ok, error).
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chanpost_scheduler_ticks_total",
			Help: "Scheduler ticks run",
		}, []string{"result"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chanpost_scheduler_tick_duration_seconds",
			Help:    "Wall time of one scheduler tick",
			Buckets: prometheus.DefBuckets,
		}),
		due: f.NewGauge(prometheus.GaugeOpts{
			Name: "chanpost_scheduler_due_posts",
			Help: "Due posts found by the last tick",
		}),
		// Per-record outcomes: posted, failed, unauthorized, skipped.
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chanpost_scheduler_posts_total",
			Help: "Scheduled posts processed, by outcome",
		}, []string{"outcome"}),
		recovered: f.NewCounter(prometheus.CounterOpts{
			Name: "chanpost_scheduler_recovered_claims_total",
			Help: "Abandoned claims marked failed",
		}),
	}
}

func (m *Metrics) observeTick(s TickSummary, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if s.Err != nil {
		result = "error"
	}
	m.ticks.WithLabelValues(result).Inc()
	m.duration.Observe(took.Seconds())
	m.due.Set(float64(s.Found))
	m.recovered.Add(float64(s.Recovered))
	m.outcomes.WithLabelValues("posted").Add(float64(s.Posted))
	m.outcomes.WithLabelValues("failed").Add(float64(s.Failed))
	m.outcomes.WithLabelValues("unauthorized").Add(float64(s.Unauthorized))
	m.outcomes.WithLabelValues("skipped").Add(float64(s.Skipped))
}
