package api

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type execMetrics struct {
	executions *prometheus.CounterVec
	duration   prometheus.Histogram
	rejected   prometheus.Counter
}

func newExecMetrics(reg prometheus.Registerer) *execMetrics {
	m := &execMetrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskdeck",
			Name:      "executions_total",
			Help:      "Task executions by exit code.",
		}, []string{"exit_code"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskdeck",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of task executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskdeck",
			Name:      "executions_rate_limited_total",
			Help:      "Executions rejected by the rate limiter.",
		}),
	}
	reg.MustRegister(m.executions, m.duration, m.rejected)
	return m
}

func (m *execMetrics) observe(exitCode int, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(strconv.Itoa(exitCode)).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *execMetrics) reject() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}
