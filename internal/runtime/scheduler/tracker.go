package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	channelpkg "github.com/drblury/taskflow/internal/runtime/channel"
	commandpkg "github.com/drblury/taskflow/internal/runtime/command"
	idspkg "github.com/drblury/taskflow/internal/runtime/ids"
	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
	resourcepkg "github.com/drblury/taskflow/internal/runtime/resource"
)

// State is the completion state of a tracker.
type State int32

const (
	StatePending State = iota
	StateSucceeded
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Tracker follows one admitted payload through execution.
type Tracker struct {
	ID        string
	Payload   *payloadpkg.Payload
	Entry     *commandpkg.Entry
	Channel   *channelpkg.Channel
	Partition *channelpkg.Partition
	StartedAt time.Time

	claim *resourcepkg.Claim
	timer atomic.Pointer[time.Timer]
	state atomic.Int32
}

func newTracker(p *payloadpkg.Payload, entry *commandpkg.Entry, ch *channelpkg.Channel, part *channelpkg.Partition, claim *resourcepkg.Claim) *Tracker {
	return &Tracker{
		ID:        idspkg.CreateULID(),
		Payload:   p,
		Entry:     entry,
		Channel:   ch,
		Partition: part,
		StartedAt: time.Now(),
		claim:     claim,
	}
}

func (t *Tracker) State() State { return State(t.state.Load()) }

// finish moves the tracker out of pending. Only one caller wins.
func (t *Tracker) finish(to State) bool {
	if !t.state.CompareAndSwap(int32(StatePending), int32(to)) {
		return false
	}
	if timer := t.timer.Load(); timer != nil {
		timer.Stop()
	}
	return true
}

func (t *Tracker) taskContext(ctx context.Context) TaskContext {
	return TaskContext{
		TrackerID:     t.ID,
		Command:       t.Entry.Name,
		ChannelID:     t.Payload.ChannelID(),
		PayloadID:     t.Payload.ID(),
		CorrelationID: t.Payload.CorrelationID(),
		Priority:      t.Payload.Priority(),
		Context:       ctx,
		StartedAt:     t.StartedAt,
	}
}
