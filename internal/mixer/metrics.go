package mixer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the mixer's operational counters. They are registered on the
// default registerer and served from the CLI profiling endpoint.
type Metrics struct {
	Announces         prometheus.Counter
	SessionsStarted   prometheus.Counter
	SessionsFinished  prometheus.Counter
	SessionsCancelled prometheus.Counter
	FallbackSends     prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Announces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixer_announces_total",
			Help: "Announcements posted to the lobby channel.",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixer_sessions_started_total",
			Help: "Sessions inserted into the registry.",
		}),
		SessionsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixer_sessions_finished_total",
			Help: "Sessions that reached the finished state.",
		}),
		SessionsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixer_sessions_cancelled_total",
			Help: "Sessions cancelled by timeout, liveness loss, signing failure or peer finish.",
		}),
		FallbackSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixer_fallback_sends_total",
			Help: "Unmixed fallback sends after announce timeouts.",
		}),
	}
	prometheus.MustRegister(m.Announces, m.SessionsStarted, m.SessionsFinished, m.SessionsCancelled, m.FallbackSends)
	return m
}

// NopMetrics returns unregistered counters for tests.
func NopMetrics() *Metrics {
	return &Metrics{
		Announces:         prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_announces"}),
		SessionsStarted:   prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_started"}),
		SessionsFinished:  prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_finished"}),
		SessionsCancelled: prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_cancelled"}),
		FallbackSends:     prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_fallback"}),
	}
}
