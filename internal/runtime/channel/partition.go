package channel

import (
	"sync"
	"sync/atomic"

	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
)

// Partition is a FIFO lane of a channel bound to one priority value.
// Lower values are served first. The ceiling is advisory: the scheduler
// consults it through TryAcquire, the partition never refuses an enqueue.
type Partition struct {
	priority int
	ceiling  int

	mu    sync.Mutex
	queue []*payloadpkg.Payload
	head  int

	enqueued atomic.Uint64
	inFlight atomic.Int64
}

func newPartition(priority, ceiling int) *Partition {
	return &Partition{priority: priority, ceiling: ceiling}
}

func (p *Partition) Priority() int { return p.priority }

// Ceiling is the maximum number of in-flight payloads; zero means none.
func (p *Partition) Ceiling() int { return p.ceiling }

// Enqueued counts every payload ever attached to the partition.
func (p *Partition) Enqueued() uint64 { return p.enqueued.Load() }

// InFlight counts payloads admitted by the scheduler and not yet completed.
func (p *Partition) InFlight() int64 { return p.inFlight.Load() }

// Pending is the current queue depth.
func (p *Partition) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) - p.head
}

func (p *Partition) push(item *payloadpkg.Payload) {
	p.mu.Lock()
	p.queue = append(p.queue, item)
	p.mu.Unlock()
	p.enqueued.Add(1)
}

// Peek returns the head without removing it.
func (p *Partition) Peek() *payloadpkg.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.head >= len(p.queue) {
		return nil
	}
	return p.queue[p.head]
}

// Pop removes and returns the head.
func (p *Partition) Pop() *payloadpkg.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.popLocked()
}

// PopHead removes the head only if it is still expected.
func (p *Partition) PopHead(expected *payloadpkg.Payload) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.head >= len(p.queue) || p.queue[p.head] != expected {
		return false
	}
	p.popLocked()
	return true
}

func (p *Partition) popLocked() *payloadpkg.Payload {
	if p.head >= len(p.queue) {
		return nil
	}
	item := p.queue[p.head]
	p.queue[p.head] = nil
	p.head++
	if p.head == len(p.queue) {
		p.queue = p.queue[:0]
		p.head = 0
	} else if p.head > 64 && p.head*2 > len(p.queue) {
		n := copy(p.queue, p.queue[p.head:])
		clear(p.queue[n:])
		p.queue = p.queue[:n]
		p.head = 0
	}
	return item
}

// TryAcquire reserves an in-flight slot under the ceiling.
func (p *Partition) TryAcquire() bool {
	for {
		current := p.inFlight.Load()
		if p.ceiling > 0 && current >= int64(p.ceiling) {
			return false
		}
		if p.inFlight.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Done frees a slot taken by TryAcquire.
func (p *Partition) Done() {
	for {
		current := p.inFlight.Load()
		if current <= 0 {
			return
		}
		if p.inFlight.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// PartitionStats is a telemetry snapshot of one partition.
type PartitionStats struct {
	Priority int    `json:"priority"`
	Ceiling  int    `json:"ceiling"`
	Pending  int    `json:"pending"`
	InFlight int64  `json:"in_flight"`
	Enqueued uint64 `json:"enqueued"`
}

func (p *Partition) Stats() PartitionStats {
	return PartitionStats{
		Priority: p.priority,
		Ceiling:  p.ceiling,
		Pending:  p.Pending(),
		InFlight: p.InFlight(),
		Enqueued: p.Enqueued(),
	}
}
