// Package channel models named, directional pipes of payloads. Incoming
// channels feed the scheduler through priority partitions; outgoing channels
// hand payloads to a Sender.
package channel

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
	resourcepkg "github.com/drblury/taskflow/internal/runtime/resource"
)

// Direction tells whether a channel receives or emits payloads.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection accepts "incoming"/"in" and "outgoing"/"out".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "incoming", "in":
		return Incoming, nil
	case "outgoing", "out":
		return Outgoing, nil
	}
	return 0, fmt.Errorf("taskflow: unknown channel direction %q", s)
}

// Sender delivers payloads of an outgoing channel to a transport.
type Sender interface {
	Dispatch(ctx context.Context, p *payloadpkg.Payload) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, p *payloadpkg.Payload) error

func (f SenderFunc) Dispatch(ctx context.Context, p *payloadpkg.Payload) error { return f(ctx, p) }

// Listener produces payloads into an incoming channel.
type Listener interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// PartitionConfig declares one priority partition.
type PartitionConfig struct {
	Priority int
	Ceiling  int
}

// Config declares a channel.
type Config struct {
	ID        string
	Direction Direction
	// Partitions default to a single priority-0 partition when empty.
	Partitions []PartitionConfig
	Profiles   []*resourcepkg.Profile
	// InternalOnly channels accept no transport listener or sender; payloads
	// move through them in-process.
	InternalOnly bool
	// AutosetPartition creates missing partitions on Attach instead of
	// failing with ErrUnknownPartition.
	AutosetPartition bool
}

type Channel struct {
	id           string
	direction    Direction
	internalOnly bool
	autoset      bool
	profiles     []*resourcepkg.Profile

	mu         sync.RWMutex
	partitions []*Partition
	sender     Sender
	notify     func()

	sealed     atomic.Bool
	dispatched atomic.Uint64
}

// New validates cfg and builds the channel.
func New(cfg Config) (*Channel, error) {
	if cfg.ID == "" {
		return nil, errspkg.ErrChannelRequired
	}
	if cfg.Direction != Incoming && cfg.Direction != Outgoing {
		return nil, fmt.Errorf("channel %q: %w", cfg.ID, errspkg.ErrChannelDirection)
	}

	partitions := cfg.Partitions
	if len(partitions) == 0 {
		partitions = []PartitionConfig{{Priority: 0}}
	}

	var errs []error
	seen := make(map[int]struct{}, len(partitions))
	built := make([]*Partition, 0, len(partitions))
	for _, pc := range partitions {
		if pc.Priority < 0 {
			errs = append(errs, fmt.Errorf("channel %q: partition priority %d must be non-negative", cfg.ID, pc.Priority))
			continue
		}
		if pc.Ceiling < 0 {
			errs = append(errs, fmt.Errorf("channel %q: partition %d ceiling %d must be non-negative", cfg.ID, pc.Priority, pc.Ceiling))
			continue
		}
		if _, dup := seen[pc.Priority]; dup {
			errs = append(errs, fmt.Errorf("channel %q: %w: partition priority %d", cfg.ID, errspkg.ErrDuplicateRegistration, pc.Priority))
			continue
		}
		seen[pc.Priority] = struct{}{}
		built = append(built, newPartition(pc.Priority, pc.Ceiling))
	}
	for i, p := range cfg.Profiles {
		if p == nil {
			errs = append(errs, fmt.Errorf("channel %q: profile %d: %w", cfg.ID, i, errspkg.ErrProfileRequired))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	slices.SortFunc(built, func(a, b *Partition) int { return a.priority - b.priority })

	return &Channel{
		id:           cfg.ID,
		direction:    cfg.Direction,
		internalOnly: cfg.InternalOnly,
		autoset:      cfg.AutosetPartition,
		profiles:     slices.Clone(cfg.Profiles),
		partitions:   built,
	}, nil
}

func (c *Channel) ID() string              { return c.id }
func (c *Channel) Direction() Direction    { return c.direction }
func (c *Channel) InternalOnly() bool      { return c.internalOnly }
func (c *Channel) AutosetPartition() bool  { return c.autoset }
func (c *Channel) DispatchedCount() uint64 { return c.dispatched.Load() }
func (c *Channel) Sealed() bool            { return c.sealed.Load() }

// Profiles returns the resource profiles attached to the channel.
func (c *Channel) Profiles() []*resourcepkg.Profile { return slices.Clone(c.profiles) }

// Partitions returns the partitions ordered by priority value.
func (c *Channel) Partitions() []*Partition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.partitions)
}

// Partition looks up the partition for priority.
func (c *Channel) Partition(priority int) (*Partition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.findLocked(priority)
}

func (c *Channel) findLocked(priority int) (*Partition, bool) {
	idx, found := slices.BinarySearchFunc(c.partitions, priority, func(p *Partition, target int) int {
		return p.priority - target
	})
	if !found {
		return nil, false
	}
	return c.partitions[idx], true
}

// Seal freezes the channel configuration. Autoset partitions may still be
// created afterwards.
func (c *Channel) Seal() { c.sealed.Store(true) }

// SetNotifier registers the callback invoked after every enqueue.
func (c *Channel) SetNotifier(fn func()) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// Attach enqueues p into the partition matching its priority.
func (c *Channel) Attach(p *payloadpkg.Payload) error {
	if p == nil {
		return errspkg.ErrPayloadRequired
	}
	if c.direction != Incoming {
		return fmt.Errorf("channel %q attach: %w", c.id, errspkg.ErrChannelDirection)
	}
	if p.ChannelID() != c.id {
		return fmt.Errorf("channel %q attach: payload addressed to %q: %w", c.id, p.ChannelID(), errspkg.ErrUnknownChannel)
	}

	partition, notify, err := c.partitionFor(p.Priority())
	if err != nil {
		return err
	}
	partition.push(p)
	if notify != nil {
		notify()
	}
	return nil
}

func (c *Channel) partitionFor(priority int) (*Partition, func(), error) {
	c.mu.RLock()
	partition, ok := c.findLocked(priority)
	notify := c.notify
	c.mu.RUnlock()
	if ok {
		return partition, notify, nil
	}
	if !c.autoset {
		return nil, nil, fmt.Errorf("channel %q priority %d: %w", c.id, priority, errspkg.ErrUnknownPartition)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if partition, ok := c.findLocked(priority); ok {
		return partition, c.notify, nil
	}
	partition = newPartition(priority, 0)
	idx, _ := slices.BinarySearchFunc(c.partitions, priority, func(p *Partition, target int) int {
		return p.priority - target
	})
	c.partitions = slices.Insert(c.partitions, idx, partition)
	return partition, c.notify, nil
}

// Drain returns a lazy sequence that dequeues payloads, lowest priority
// value first and FIFO within a priority. Every call starts a new pass.
func (c *Channel) Drain() iter.Seq[*payloadpkg.Payload] {
	return func(yield func(*payloadpkg.Payload) bool) {
		for {
			var next *payloadpkg.Payload
			for _, partition := range c.Partitions() {
				if next = partition.Pop(); next != nil {
					break
				}
			}
			if next == nil || !yield(next) {
				return
			}
		}
	}
}

// Depth is the number of payloads waiting across all partitions.
func (c *Channel) Depth() int {
	total := 0
	for _, partition := range c.Partitions() {
		total += partition.Pending()
	}
	return total
}

// AttachSender binds the transport sender of an outgoing channel.
func (c *Channel) AttachSender(s Sender) error {
	if s == nil {
		return errspkg.ErrSenderRequired
	}
	if c.direction != Outgoing {
		return fmt.Errorf("channel %q sender: %w", c.id, errspkg.ErrChannelDirection)
	}
	if c.sealed.Load() {
		return fmt.Errorf("channel %q sender: %w", c.id, errspkg.ErrAlreadyStarted)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sender != nil {
		return fmt.Errorf("channel %q sender: %w", c.id, errspkg.ErrDuplicateRegistration)
	}
	c.sender = s
	return nil
}

// Sender returns the bound sender, or nil.
func (c *Channel) Sender() Sender {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sender
}

// HasSender reports whether an outgoing channel can dispatch.
func (c *Channel) HasSender() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sender != nil
}

// Dispatch hands p to the sender. p is invalidated even when the sender
// fails; derive a new payload to retry.
func (c *Channel) Dispatch(ctx context.Context, p *payloadpkg.Payload) error {
	if p == nil {
		return errspkg.ErrPayloadRequired
	}
	if c.direction != Outgoing {
		return fmt.Errorf("channel %q dispatch: %w", c.id, errspkg.ErrChannelDirection)
	}
	c.mu.RLock()
	sender := c.sender
	c.mu.RUnlock()
	if sender == nil {
		return fmt.Errorf("channel %q dispatch: %w", c.id, errspkg.ErrSenderRequired)
	}
	if err := p.MarkDispatched(); err != nil {
		return err
	}
	if err := sender.Dispatch(ctx, p); err != nil {
		return fmt.Errorf("channel %q dispatch: %w", c.id, err)
	}
	c.dispatched.Add(1)
	return nil
}

// Stats is a telemetry snapshot of the channel.
type Stats struct {
	ID         string           `json:"id"`
	Direction  string           `json:"direction"`
	Depth      int              `json:"depth"`
	Dispatched uint64           `json:"dispatched"`
	Partitions []PartitionStats `json:"partitions"`
}

func (c *Channel) Stats() Stats {
	partitions := c.Partitions()
	stats := Stats{
		ID:         c.id,
		Direction:  c.direction.String(),
		Dispatched: c.dispatched.Load(),
		Partitions: make([]PartitionStats, len(partitions)),
	}
	for i, p := range partitions {
		stats.Partitions[i] = p.Stats()
		stats.Depth += stats.Partitions[i].Pending
	}
	return stats
}
