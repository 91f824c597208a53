package observability

import (
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "termstore"

// Subscriber is anything that publishes store events.
type Subscriber interface {
	Subscribe(h events.Handler) (unsubscribe func())
}

// Metrics holds the event-driven counters.
type Metrics struct {
	events *prometheus.CounterVec
	errors *prometheus.CounterVec
	synced prometheus.Counter
	syncs  prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_events_total",
				Help:      "Session lifecycle events by name and reason.",
			},
			[]string{"event", "reason"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Background failures reported by the store.",
			},
			[]string{"reason"},
		),
		synced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_entries_total",
			Help:      "Queued changes applied to the durable tier.",
		}),
		syncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Completed sync passes.",
		}),
	}
	for _, c := range []prometheus.Collector{m.events, m.errors, m.synced, m.syncs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe records one event.
func (m *Metrics) Observe(e domain.Event) {
	switch e.Name {
	case domain.EventError:
		m.errors.WithLabelValues(e.Reason).Inc()
	case domain.EventSyncComplete:
		m.syncs.Inc()
		m.synced.Add(float64(e.Synced))
	default:
		m.events.WithLabelValues(string(e.Name), e.Reason).Inc()
	}
}

// Attach feeds every event of s into the counters until the returned func is called.
func (m *Metrics) Attach(s Subscriber) func() {
	return s.Subscribe(m.Observe)
}
