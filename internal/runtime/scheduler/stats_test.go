package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	commandpkg "github.com/drblury/taskflow/internal/runtime/command"
	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
)

func TestCommandStatsCollectsExtendedMetrics(t *testing.T) {
	stats := newCommandStats()
	stats.onStart()
	stats.onStart()
	stats.onFinish(5*time.Millisecond, errors.New("publish failed"), nil)
	stats.onFinish(15*time.Millisecond, nil, nil)

	snap := stats.snapshot()
	if snap.TasksProcessed != 2 || snap.TasksFailed != 1 {
		t.Fatalf("unexpected counters %+v", snap)
	}
	if snap.Backlog.MaxInFlight != 2 || snap.Backlog.InFlight != 0 {
		t.Fatalf("unexpected backlog %+v", snap.Backlog)
	}
	if snap.Errors.Other != 1 || snap.Errors.LastError != "publish failed" {
		t.Fatalf("unexpected error breakdown %+v", snap.Errors)
	}
	if snap.Latency.SampleSize != 2 || snap.Latency.P50Ns != int64(10*time.Millisecond) {
		t.Fatalf("unexpected latency %+v", snap.Latency)
	}
	if snap.Throughput.TotalTasks != 2 || snap.Throughput.TasksInWindow != 2 {
		t.Fatalf("unexpected throughput %+v", snap.Throughput)
	}
}

func TestPercentile(t *testing.T) {
	samples := []int64{10, 20, 30, 40, 50}
	cases := map[float64]int64{0: 10, 0.5: 30, 0.75: 40, 1: 50}
	for q, want := range cases {
		if got := percentile(samples, q); got != want {
			t.Fatalf("percentile(%v) = %d, want %d", q, got, want)
		}
	}
	if percentile(nil, 0.5) != 0 {
		t.Fatal("expected zero for empty samples")
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	lw := newLatencyWindow(3)
	for _, d := range []time.Duration{1, 2, 3, 4} {
		lw.Add(d)
	}
	snap := lw.Snapshot()
	if snap.SampleSize != 3 || snap.P50Ns != 3 || snap.LastNs != 4 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestDefaultErrorClassifier(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{nil, ErrorCategoryNone},
		{ErrTaskTimeout, ErrorCategoryTimeout},
		{fmt.Errorf("decode: %w", commandpkg.ErrInvalidPayload), ErrorCategoryValidation},
		{&ExecutionError{Err: errspkg.ErrSenderRequired}, ErrorCategoryTransport},
		{context.DeadlineExceeded, ErrorCategoryDownstream},
		{errors.New("boom"), ErrorCategoryOther},
	}
	for _, tc := range cases {
		if got := DefaultErrorClassifier(tc.err); got != tc.want {
			t.Fatalf("classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
