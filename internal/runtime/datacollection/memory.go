package datacollection

import (
	"context"
	"slices"
	"sync"
)

// MemoryCollector keeps every record in memory. It joins all four families
// and is meant for tests and diagnostics.
type MemoryCollector struct {
	mu         sync.Mutex
	originator string
	events     []Event
	sources    []SourceEvent
	metrics    []Metric
	traces     []BoundaryTrace
}

func NewMemoryCollector() *MemoryCollector { return &MemoryCollector{} }

func (m *MemoryCollector) SetOriginator(id string) {
	m.mu.Lock()
	m.originator = id
	m.mu.Unlock()
}

func (m *MemoryCollector) Originator() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.originator
}

func (m *MemoryCollector) Log(_ context.Context, ev Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCollector) Write(_ context.Context, ev SourceEvent) error {
	m.mu.Lock()
	m.sources = append(m.sources, ev)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCollector) Emit(_ context.Context, metric Metric) error {
	m.mu.Lock()
	m.metrics = append(m.metrics, metric)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCollector) BoundaryLog(_ context.Context, tr BoundaryTrace) error {
	m.mu.Lock()
	m.traces = append(m.traces, tr)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCollector) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

func (m *MemoryCollector) SourceEvents() []SourceEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sources)
}

func (m *MemoryCollector) Metrics() []Metric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.metrics)
}

func (m *MemoryCollector) Traces() []BoundaryTrace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.traces)
}

// CountMetric sums counter samples matching name and outcome.
func (m *MemoryCollector) CountMetric(name, outcome string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, metric := range m.metrics {
		if metric.Kind == KindCounter && metric.Name == name && metric.Labels["outcome"] == outcome {
			total += metric.Value
		}
	}
	return total
}

// EventsWithMessage returns events logged with msg.
func (m *MemoryCollector) EventsWithMessage(msg string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Message == msg {
			out = append(out, ev)
		}
	}
	return out
}
