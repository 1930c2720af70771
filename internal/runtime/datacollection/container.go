// Package datacollection fans log events, entity events, metrics and
// boundary traces out to every registered collector member.
//
// Member failures never reach the emitting component: each entry point
// returns the joined member errors so callers can log or discard them
// explicitly, and panics inside a member are recovered into that error.
package datacollection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
)

const maxFlushPasses = 16

// Container aggregates collector members by family.
type Container struct {
	mu         sync.RWMutex
	members    []any
	loggers    []Logger
	sources    []EventSource
	telemetry  []Telemetry
	boundary   []BoundaryLogger
	processors []Processor

	originator atomic.Pointer[string]
	started    atomic.Bool
	failures   atomic.Uint64

	log loggingpkg.ServiceLogger
}

// New creates an empty container. log receives member failures at debug level.
func New(log loggingpkg.ServiceLogger) *Container {
	return &Container{log: loggingpkg.OrNop(log)}
}

// Add files member into every family it implements.
func (c *Container) Add(member any) error {
	if member == nil {
		return errspkg.ErrCollectorRequired
	}
	if c.started.Load() {
		return fmt.Errorf("data collector %T: %w", member, errspkg.ErrAlreadyStarted)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	matched := false
	if m, ok := member.(Logger); ok {
		c.loggers = append(c.loggers, m)
		matched = true
	}
	if m, ok := member.(EventSource); ok {
		c.sources = append(c.sources, m)
		matched = true
	}
	if m, ok := member.(Telemetry); ok {
		c.telemetry = append(c.telemetry, m)
		matched = true
	}
	if m, ok := member.(BoundaryLogger); ok {
		c.boundary = append(c.boundary, m)
		matched = true
	}
	if !matched {
		return fmt.Errorf("data collector %T implements no collector family: %w", member, errspkg.ErrCollectorRequired)
	}
	if m, ok := member.(Processor); ok {
		c.processors = append(c.processors, m)
	}
	c.members = append(c.members, member)
	return nil
}

// Len is the number of registered members.
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// Originator is the id stamped on outgoing records.
func (c *Container) Originator() string {
	if id := c.originator.Load(); id != nil {
		return *id
	}
	return ""
}

// Failures counts member errors and panics swallowed so far.
func (c *Container) Failures() uint64 { return c.failures.Load() }

// Start stamps originatorID on every OriginatorAware member, then starts
// Startable members in registration order.
func (c *Container) Start(ctx context.Context, originatorID string) error {
	if !c.started.CompareAndSwap(false, true) {
		return errspkg.ErrAlreadyStarted
	}
	c.originator.Store(&originatorID)

	c.mu.RLock()
	members := append([]any(nil), c.members...)
	c.mu.RUnlock()

	for _, m := range members {
		if aware, ok := m.(OriginatorAware); ok {
			aware.SetOriginator(originatorID)
		}
	}
	for i, m := range members {
		s, ok := m.(Startable)
		if !ok {
			continue
		}
		if err := s.Start(ctx); err != nil {
			c.stopMembers(ctx, members[:i])
			c.started.Store(false)
			return fmt.Errorf("start data collector %T: %w", m, err)
		}
	}
	return nil
}

// Stop flushes buffered members and stops Startable members in reverse
// registration order.
func (c *Container) Stop(ctx context.Context) error {
	if !c.started.CompareAndSwap(true, false) {
		return nil
	}
	flushErr := c.Flush(ctx)

	c.mu.RLock()
	members := append([]any(nil), c.members...)
	c.mu.RUnlock()

	return errors.Join(flushErr, c.stopMembers(ctx, members))
}

func (c *Container) stopMembers(ctx context.Context, members []any) error {
	var errs []error
	for i := len(members) - 1; i >= 0; i-- {
		if s, ok := members[i].(Startable); ok {
			if err := s.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop data collector %T: %w", members[i], err))
			}
		}
	}
	return errors.Join(errs...)
}

// CanProcess reports whether any member has buffered work.
func (c *Container) CanProcess() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.processors {
		if p.CanProcess() {
			return true
		}
	}
	return false
}

// Process lets every member with backlog flush it.
func (c *Container) Process(ctx context.Context) error {
	c.mu.RLock()
	processors := append([]Processor(nil), c.processors...)
	c.mu.RUnlock()

	var errs []error
	for _, p := range processors {
		if !p.CanProcess() {
			continue
		}
		if err := c.guard(p, func() error { return p.Process(ctx) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush runs Process until no member reports backlog or ctx ends.
func (c *Container) Flush(ctx context.Context) error {
	var errs []error
	for pass := 0; pass < maxFlushPasses && c.CanProcess(); pass++ {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := c.Process(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log broadcasts event to every logger.
func (c *Container) Log(ctx context.Context, event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if event.Originator == "" {
		event.Originator = c.Originator()
	}
	c.mu.RLock()
	members := c.loggers
	c.mu.RUnlock()
	return fanOut(c, members, func(m Logger) error { return m.Log(ctx, event) })
}

// Write broadcasts event to every event source.
func (c *Container) Write(ctx context.Context, event SourceEvent) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if event.Originator == "" {
		event.Originator = c.Originator()
	}
	c.mu.RLock()
	members := c.sources
	c.mu.RUnlock()
	return fanOut(c, members, func(m EventSource) error { return m.Write(ctx, event) })
}

// Emit broadcasts metric to every telemetry sink.
func (c *Container) Emit(ctx context.Context, metric Metric) error {
	if metric.Time.IsZero() {
		metric.Time = time.Now().UTC()
	}
	if metric.Originator == "" {
		metric.Originator = c.Originator()
	}
	c.mu.RLock()
	members := c.telemetry
	c.mu.RUnlock()
	return fanOut(c, members, func(m Telemetry) error { return m.Emit(ctx, metric) })
}

// BoundaryLog broadcasts trace to every boundary logger.
func (c *Container) BoundaryLog(ctx context.Context, trace BoundaryTrace) error {
	if trace.Time.IsZero() {
		trace.Time = time.Now().UTC()
	}
	if trace.Originator == "" {
		trace.Originator = c.Originator()
	}
	c.mu.RLock()
	members := c.boundary
	c.mu.RUnlock()
	return fanOut(c, members, func(m BoundaryLogger) error { return m.BoundaryLog(ctx, trace) })
}

func fanOut[T any](c *Container, members []T, deliver func(T) error) error {
	var errs []error
	for _, m := range members {
		if err := c.guard(m, func() error { return deliver(m) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Container) guard(member any, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("data collector %T panicked: %v", member, r)
		}
		if err != nil {
			c.failures.Add(1)
			c.log.Debug("Data collector failed", loggingpkg.LogFields{
				"collector": fmt.Sprintf("%T", member),
				"error":     err.Error(),
			})
		}
	}()
	return fn()
}
