package db

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports the manager's connection history. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	attempts   *prometheus.CounterVec
	lost       prometheus.Counter
	fatal      prometheus.Counter
	state      prometheus.Gauge
	generation prometheus.Gauge
}

// NewMetrics registers the connection metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "db",
			Name:      "connect_attempts_total",
			Help:      "Session open attempts by result.",
		}, []string{"result"}),
		lost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "db",
			Name:      "connection_lost_total",
			Help:      "Established sessions that were lost.",
		}),
		fatal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "db",
			Name:      "fatal_errors_total",
			Help:      "Unrecoverable database errors.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "db",
			Name:      "connection_state",
			Help:      "0 connecting, 1 connected, 2 disconnected.",
		}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "db",
			Name:      "connection_generation",
			Help:      "Generation of the installed session.",
		}),
	}
	reg.MustRegister(m.attempts, m.lost, m.fatal, m.state, m.generation)
	return m
}

func (m *Metrics) attempt(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.attempts.WithLabelValues(result).Inc()
}

func (m *Metrics) connectionLost() {
	if m != nil {
		m.lost.Inc()
	}
}

func (m *Metrics) fatalError() {
	if m != nil {
		m.fatal.Inc()
	}
}

func (m *Metrics) setState(s State) {
	if m != nil {
		m.state.Set(float64(s))
	}
}

func (m *Metrics) setGeneration(g uint64) {
	if m != nil {
		m.generation.Set(float64(g))
	}
}
