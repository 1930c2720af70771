package datacollection

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusTelemetry exports metrics through Prometheus collectors.
type PrometheusTelemetry struct {
	mu sync.Mutex

	counters  *prometheus.CounterVec
	gauges    *prometheus.GaugeVec
	durations *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "collector",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "taskflow",
			Subsystem: "collector",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskflow",
			Subsystem: "collector",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewPrometheusTelemetry creates the collectors. A nil registerer uses the
// default Prometheus registry.
func NewPrometheusTelemetry(registerer prometheus.Registerer) *PrometheusTelemetry {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusTelemetry{
		registerer: registerer,
		counters:   newCounterVec("events_total", "Counter metrics emitted by the microservice", []string{"name", "channel", "outcome"}),
		gauges:     newGaugeVec("gauge", "Gauge metrics emitted by the microservice", []string{"name", "channel", "statistic"}),
		durations:  newHistogramVec("duration_seconds", "Duration metrics emitted by the microservice", prometheus.DefBuckets, []string{"name", "channel", "outcome"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (t *PrometheusTelemetry) Register() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{t.counters, t.gauges, t.durations} {
		if err := t.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	t.registered = true
	return nil
}

// Start registers the collectors when the container starts.
func (t *PrometheusTelemetry) Start(context.Context) error { return t.Register() }

func (t *PrometheusTelemetry) Stop(context.Context) error { return nil }

func (t *PrometheusTelemetry) Emit(_ context.Context, m Metric) error {
	channel := m.Labels["channel"]
	switch m.Kind {
	case KindCounter:
		if m.Value < 0 {
			return errors.New("taskflow: counter metric cannot decrease")
		}
		t.counters.WithLabelValues(m.Name, channel, m.Labels["outcome"]).Add(m.Value)
	case KindGauge:
		t.gauges.WithLabelValues(m.Name, channel, m.Labels["statistic"]).Set(m.Value)
	case KindDuration:
		t.durations.WithLabelValues(m.Name, channel, m.Labels["outcome"]).Observe(m.Value)
	default:
		return errors.New("taskflow: unknown metric kind")
	}
	return nil
}

// Counter exposes the underlying counter for a label set.
func (t *PrometheusTelemetry) Counter(name, channel, outcome string) prometheus.Counter {
	return t.counters.WithLabelValues(name, channel, outcome)
}

// Gauge exposes the underlying gauge for a label set.
func (t *PrometheusTelemetry) Gauge(name, channel, statistic string) prometheus.Gauge {
	return t.gauges.WithLabelValues(name, channel, statistic)
}

// Reset clears all series.
func (t *PrometheusTelemetry) Reset() {
	t.counters.Reset()
	t.gauges.Reset()
	t.durations.Reset()
}
