package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is shared by every queue of a process. A nil *Metrics records nothing.
type Metrics struct {
	jobs     *prometheus.CounterVec
	retries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	depth    *prometheus.GaugeVec
	inFlight *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testjobs",
			Name:      "jobs_total",
			Help:      "Jobs finished, by queue, type and outcome.",
		}, []string{"queue", "type", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testjobs",
			Name:      "job_retries_total",
			Help:      "Retry attempts scheduled, by queue and type.",
		}, []string{"queue", "type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "testjobs",
			Name:      "job_duration_seconds",
			Help:      "Wall time from first attempt to final outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"queue", "type"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "testjobs",
			Name:      "queue_depth",
			Help:      "Jobs accepted but not yet finished.",
		}, []string{"queue"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "testjobs",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently executing.",
		}, []string{"queue"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.jobs, m.retries, m.duration, m.depth, m.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) finished(queue, typ, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(queue, typ, outcome).Inc()
	m.duration.WithLabelValues(queue, typ).Observe(d.Seconds())
}

func (m *Metrics) retried(queue, typ string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(queue, typ).Inc()
}

func (m *Metrics) setDepth(queue string, n int64) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(queue).Set(float64(n))
}

func (m *Metrics) addInFlight(queue string, delta float64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(queue).Add(delta)
}
