package runtime

import (
	"context"
	"time"

	channelpkg "github.com/drblury/taskflow/internal/runtime/channel"
	commandpkg "github.com/drblury/taskflow/internal/runtime/command"
	resourcepkg "github.com/drblury/taskflow/internal/runtime/resource"
	schedulerpkg "github.com/drblury/taskflow/internal/runtime/scheduler"
)

// MicroserviceStatistics is the periodic snapshot handed to OnStatistics
// and the data collection container.
type MicroserviceStatistics struct {
	Time              time.Time                            `json:"time"`
	Originator        string                               `json:"originator"`
	Scheduler         schedulerpkg.Stats                   `json:"scheduler"`
	Channels          []channelpkg.Stats                   `json:"channels"`
	Profiles          []resourcepkg.Stats                  `json:"profiles"`
	Initiators        map[string]commandpkg.InitiatorStats `json:"initiators,omitempty"`
	Resources         ResourceUsage                        `json:"resources"`
	CollectorFailures uint64                               `json:"collector_failures"`
}

// Statistics takes a snapshot without issuing it.
func (m *Microservice) Statistics() MicroserviceStatistics {
	stats := MicroserviceStatistics{
		Time:              time.Now().UTC(),
		Originator:        m.Originator(),
		Scheduler:         m.scheduler.Stats(),
		Profiles:          m.resources.Snapshot(),
		Resources:         m.sampler.Snapshot(),
		CollectorFailures: m.collector.Failures(),
	}
	for _, ch := range m.Channels() {
		stats.Channels = append(stats.Channels, ch.Stats())
	}

	m.mu.RLock()
	initiators := append([]*commandpkg.Initiator(nil), m.initiators...)
	m.mu.RUnlock()
	if len(initiators) > 0 {
		stats.Initiators = make(map[string]commandpkg.InitiatorStats, len(initiators))
		for _, i := range initiators {
			stats.Initiators[i.ResponseChannel()] = i.Stats()
		}
	}
	return stats
}

// IssueStatistics snapshots the microservice and publishes the result to the
// OnStatistics hook and the data collection container.
func (m *Microservice) IssueStatistics(ctx context.Context) MicroserviceStatistics {
	stats := m.Statistics()
	if h := m.hooks.OnStatistics; h != nil {
		m.fire("on_statistics", func() { h(stats) })
	}
	if err := m.collector.StatisticsIssued(ctx, stats, gauges(stats)); err != nil {
		m.log.Error("Statistics not fully collected", err, nil)
	}
	return stats
}

func gauges(stats MicroserviceStatistics) map[string]float64 {
	g := map[string]float64{
		"scheduler_outstanding": float64(stats.Scheduler.Outstanding),
		"scheduler_completed":   float64(stats.Scheduler.Completed),
		"scheduler_failed":      float64(stats.Scheduler.Failed),
		"scheduler_timed_out":   float64(stats.Scheduler.TimedOut),
		"process_cpu_percent":   stats.Resources.CPUPercent,
		"process_memory_bytes":  float64(stats.Resources.MemoryBytes),
		"process_goroutines":    float64(stats.Resources.Goroutines),
	}
	var depth int
	for _, ch := range stats.Channels {
		depth += ch.Depth
	}
	g["channel_depth"] = float64(depth)
	return g
}

func (m *Microservice) statisticsLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.IssueStatistics(ctx)
		}
	}
}
