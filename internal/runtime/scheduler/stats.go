package scheduler

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	commandpkg "github.com/drblury/taskflow/internal/runtime/command"
	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	serializerpkg "github.com/drblury/taskflow/internal/runtime/serializer"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// CommandStats aggregates executions of one command.
type CommandStats struct {
	TasksProcessed      uint64            `json:"tasks_processed"`
	TasksFailed         uint64            `json:"tasks_failed"`
	TotalProcessingTime int64             `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time         `json:"last_processed_at"`
	Latency             LatencyMetrics    `json:"latency"`
	Throughput          ThroughputMetrics `json:"throughput"`
	Errors              ErrorBreakdown    `json:"errors"`
	Backlog             BacklogMetrics    `json:"backlog"`
}

type commandStats struct {
	mu    sync.Mutex
	stats CommandStats

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS    float64 `json:"current_rps"`
	WindowSeconds float64 `json:"window_seconds"`
	TasksInWindow uint64  `json:"tasks_in_window"`
	TotalTasks    uint64  `json:"total_tasks"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Timeout    uint64 `json:"timeout"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryTimeout    ErrorCategory = "timeout"
	ErrorCategoryOther      ErrorCategory = "other"
)

type ErrorClassifier func(error) ErrorCategory

func newCommandStats() *commandStats {
	return &commandStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (c *commandStats) onStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Backlog.InFlight++
	if c.stats.Backlog.InFlight > c.stats.Backlog.MaxInFlight {
		c.stats.Backlog.MaxInFlight = c.stats.Backlog.InFlight
	}
}

func (c *commandStats) onFinish(duration time.Duration, err error, classifier ErrorClassifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := &c.stats

	if st.Backlog.InFlight > 0 {
		st.Backlog.InFlight--
	}
	st.TasksProcessed++
	if err != nil {
		st.TasksFailed++
	}
	st.TotalProcessingTime += int64(duration)
	st.LastProcessedAt = time.Now().UTC()

	c.latencyWindow.Add(duration)
	snapshot := c.latencyWindow.Snapshot()
	snapshot.AverageNs = st.TotalProcessingTime / int64(st.TasksProcessed)
	st.Latency = snapshot

	tp := c.throughputWindow.AddAndSnapshot(time.Now())
	st.Throughput.CurrentRPS = tp.CurrentRPS
	st.Throughput.WindowSeconds = tp.WindowSeconds
	st.Throughput.TasksInWindow = uint64(tp.Count)
	st.Throughput.TotalTasks = st.TasksProcessed

	if classifier == nil {
		classifier = DefaultErrorClassifier
	}
	st.Errors.Record(classifier(err), err)
}

func (c *commandStats) snapshot() CommandStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	case ErrorCategoryTimeout:
		e.Timeout++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// DefaultErrorClassifier buckets task errors for the error breakdown.
func DefaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.Is(err, ErrTaskTimeout):
		return ErrorCategoryTimeout
	case errors.Is(err, commandpkg.ErrInvalidPayload), errors.Is(err, serializerpkg.ErrNotProtoMessage):
		return ErrorCategoryValidation
	case errors.Is(err, errspkg.ErrSenderRequired), errors.Is(err, errspkg.ErrPayloadDispatched), errors.Is(err, errspkg.ErrChannelDirection):
		return ErrorCategoryTransport
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	default:
		return ErrorCategoryOther
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = slices.Delete(tw.samples, 0, idx)
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}
