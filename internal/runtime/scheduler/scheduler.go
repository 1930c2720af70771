// Package scheduler admits payloads from incoming channels and runs them
// under global, partition and resource profile ceilings.
//
// A single goroutine performs admission on every tick, wake-up or
// completion. Commands run in their own goroutines and never block the
// loop. Each admitted payload is followed by a Tracker whose completion
// (success, failure, panic or timeout) happens exactly once.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	channelpkg "github.com/drblury/taskflow/internal/runtime/channel"
	commandpkg "github.com/drblury/taskflow/internal/runtime/command"
	datacollectionpkg "github.com/drblury/taskflow/internal/runtime/datacollection"
	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
	resourcepkg "github.com/drblury/taskflow/internal/runtime/resource"
)

const (
	DefaultMaxConcurrent = 64
	DefaultTickInterval  = 25 * time.Millisecond
	DefaultTaskTimeout   = 30 * time.Second
)

// ErrTaskTimeout is the cause recorded for tasks that outlived TaskTimeout.
var ErrTaskTimeout = errors.New("taskflow: task timed out")

// ExecutionError wraps a failure raised by a command.
type ExecutionError struct {
	Command   string
	PayloadID string
	Err       error
	Panicked  bool
}

func (e *ExecutionError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("taskflow: command %s panicked on payload %s: %v", e.Command, e.PayloadID, e.Err)
	}
	return fmt.Sprintf("taskflow: command %s failed on payload %s: %v", e.Command, e.PayloadID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Resolver maps a payload to the command that executes it.
type Resolver interface {
	Resolve(channelID, messageType, action string) (*commandpkg.Entry, error)
}

// Collector is the part of the data collection container the scheduler
// reports to.
type Collector interface {
	CanProcess() bool
	Process(ctx context.Context) error
	PayloadComplete(ctx context.Context, p *payloadpkg.Payload, command string, delta time.Duration, outcome string, cause error) error
	PayloadUnresolved(ctx context.Context, p *payloadpkg.Payload, reason string) error
	PayloadException(ctx context.Context, p *payloadpkg.Payload, err error) error
}

type Config struct {
	// MaxConcurrent caps tasks in flight across all channels.
	MaxConcurrent int
	TickInterval  time.Duration
	TaskTimeout   time.Duration
	Classifier    ErrorClassifier
	Hooks         TaskHooks
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.Classifier == nil {
		c.Classifier = DefaultErrorClassifier
	}
	return c
}

// Stats is a snapshot of scheduler activity.
type Stats struct {
	MaxConcurrent int                     `json:"max_concurrent"`
	Outstanding   int64                   `json:"outstanding"`
	Admitted      uint64                  `json:"admitted"`
	Completed     uint64                  `json:"completed"`
	Failed        uint64                  `json:"failed"`
	TimedOut      uint64                  `json:"timed_out"`
	Unresolved    uint64                  `json:"unresolved"`
	Throttled     uint64                  `json:"throttled"`
	LateResults   uint64                  `json:"late_results"`
	Commands      map[string]CommandStats `json:"commands"`
}

// Scheduler is the task manager of a microservice.
type Scheduler struct {
	cfg        Config
	resolver   Resolver
	collector  Collector
	dispatcher commandpkg.Dispatcher
	log        loggingpkg.ServiceLogger

	chMu     sync.RWMutex
	channels []*channelpkg.Channel

	admitMu sync.Mutex
	wake    chan struct{}

	tasks      conc.WaitGroup
	baseCtx    context.Context
	cancelBase context.CancelFunc

	running  atomic.Bool
	stop     chan struct{}
	loopDone chan struct{}

	outstanding atomic.Int64
	admitted    atomic.Uint64
	completed   atomic.Uint64
	failed      atomic.Uint64
	timedOut    atomic.Uint64
	unresolved  atomic.Uint64
	throttled   atomic.Uint64
	late        atomic.Uint64

	statsMu      sync.Mutex
	commandStats map[string]*commandStats
}

// New builds a scheduler. collector and dispatcher may be nil; outputs of
// commands are dropped without a dispatcher.
func New(cfg Config, resolver Resolver, collector Collector, dispatcher commandpkg.Dispatcher, log loggingpkg.ServiceLogger) (*Scheduler, error) {
	if resolver == nil {
		return nil, errspkg.ErrCommandRequired
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:          cfg.withDefaults(),
		resolver:     resolver,
		collector:    collector,
		dispatcher:   dispatcher,
		log:          loggingpkg.OrNop(log).With(loggingpkg.LogFields{"component": "scheduler"}),
		wake:         make(chan struct{}, 1),
		baseCtx:      base,
		cancelBase:   cancel,
		commandStats: map[string]*commandStats{},
	}, nil
}

func (s *Scheduler) Config() Config { return s.cfg }

// AddChannel registers an incoming channel. Channels added first win ties
// between partitions of equal priority.
func (s *Scheduler) AddChannel(ch *channelpkg.Channel) error {
	if ch == nil {
		return errspkg.ErrChannelRequired
	}
	if ch.Direction() != channelpkg.Incoming {
		return fmt.Errorf("scheduler channel %q: %w", ch.ID(), errspkg.ErrChannelDirection)
	}
	s.chMu.Lock()
	defer s.chMu.Unlock()
	for _, existing := range s.channels {
		if existing.ID() == ch.ID() {
			return fmt.Errorf("scheduler channel %q: %w", ch.ID(), errspkg.ErrDuplicateRegistration)
		}
	}
	s.channels = append(s.channels, ch)
	ch.SetNotifier(s.Wake)
	return nil
}

// Wake asks the loop for an admission pass without waiting for the tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the admission loop. The loop ends when ctx is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errspkg.ErrAlreadyStarted
	}
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.loop(ctx)
	s.log.Info("Scheduler started", loggingpkg.LogFields{
		"max_concurrent": s.cfg.MaxConcurrent,
		"tick_interval":  s.cfg.TickInterval.String(),
		"task_timeout":   s.cfg.TaskTimeout.String(),
	})
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.Tick(ctx)
	}
}

// Stop ends the loop and waits for in-flight tasks until ctx expires, at
// which point their contexts are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.stop)
	<-s.loopDone

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelBase()
		s.log.Info("Scheduler stopped", nil)
		return nil
	case <-ctx.Done():
		s.cancelBase()
		s.log.Error("Scheduler stopped with tasks in flight", ctx.Err(), loggingpkg.LogFields{
			"outstanding": s.outstanding.Load(),
		})
		return ctx.Err()
	}
}

// Wait blocks until every launched task has completed.
func (s *Scheduler) Wait() { s.tasks.Wait() }

func (s *Scheduler) Outstanding() int64 { return s.outstanding.Load() }

type lane struct {
	channel   *channelpkg.Channel
	partition *channelpkg.Partition
	order     int
}

func (s *Scheduler) lanes() []lane {
	s.chMu.RLock()
	channels := slices.Clone(s.channels)
	s.chMu.RUnlock()

	var lanes []lane
	for i, ch := range channels {
		for _, part := range ch.Partitions() {
			lanes = append(lanes, lane{channel: ch, partition: part, order: i})
		}
	}
	slices.SortStableFunc(lanes, func(a, b lane) int {
		if c := cmp.Compare(a.partition.Priority(), b.partition.Priority()); c != 0 {
			return c
		}
		return cmp.Compare(a.order, b.order)
	})
	return lanes
}

// Tick runs one admission pass. It is safe to call while the loop runs.
func (s *Scheduler) Tick(ctx context.Context) {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	if s.collector != nil && s.collector.CanProcess() {
		if err := s.collector.Process(ctx); err != nil {
			s.log.Debug("Data collector processing failed", loggingpkg.LogFields{"error": err.Error()})
		}
	}

	for _, l := range s.lanes() {
		if !s.admitFrom(ctx, l) {
			return
		}
	}
}

// admitFrom admits heads of one partition until something refuses. It
// returns false once the global ceiling is reached.
func (s *Scheduler) admitFrom(ctx context.Context, l lane) bool {
	part := l.partition
	for {
		head := part.Peek()
		if head == nil {
			return true
		}

		entry, err := s.resolver.Resolve(l.channel.ID(), head.MessageType(), head.Action())
		if err != nil {
			if part.PopHead(head) {
				s.reportUnresolved(ctx, head, err)
			}
			continue
		}

		if s.outstanding.Load() >= int64(s.cfg.MaxConcurrent) {
			return false
		}
		if !part.TryAcquire() {
			s.throttled.Add(1)
			return true
		}
		profiles := append(l.channel.Profiles(), entry.Profiles...)
		claim, blocked := resourcepkg.ClaimAll(profiles...)
		if claim == nil {
			part.Done()
			s.throttled.Add(1)
			s.log.Trace("Resource profile exhausted", loggingpkg.LogFields{
				"profile":   blocked.Name(),
				"channel":   l.channel.ID(),
				"priority":  part.Priority(),
				"available": blocked.Available(),
			})
			return true
		}
		if !part.PopHead(head) {
			claim.Release()
			part.Done()
			continue
		}
		s.launch(newTracker(head, entry, l.channel, part, claim))
	}
}

func (s *Scheduler) reportUnresolved(ctx context.Context, p *payloadpkg.Payload, err error) {
	s.unresolved.Add(1)
	reason := err.Error()
	var unresolved *commandpkg.UnresolvedError
	if errors.As(err, &unresolved) {
		reason = unresolved.Reason.String()
	}
	if s.collector != nil {
		_ = s.collector.PayloadUnresolved(ctx, p, reason)
	}
	p.Release(false)
}

func (s *Scheduler) launch(tr *Tracker) {
	s.outstanding.Add(1)
	s.admitted.Add(1)
	s.statsFor(tr.Entry.Name).onStart()

	taskCtx, cancel := context.WithCancel(s.baseCtx)
	tr.timer.Store(time.AfterFunc(s.cfg.TaskTimeout, func() {
		if s.complete(tr, nil, ErrTaskTimeout, StateTimedOut) {
			s.log.Error("Task timed out", ErrTaskTimeout, loggingpkg.LogFields{
				"tracker_id": tr.ID,
				"command":    tr.Entry.Name,
				"payload_id": tr.Payload.ID(),
			})
		}
		cancel()
	}))

	s.tasks.Go(func() {
		defer cancel()
		s.run(taskCtx, tr)
	})
}

func (s *Scheduler) run(ctx context.Context, tr *Tracker) {
	s.invokeHook(func() {
		if s.cfg.Hooks.OnTaskStart != nil {
			s.cfg.Hooks.OnTaskStart(tr.taskContext(ctx))
		}
	})

	outputs, err := s.execute(ctx, tr)
	state := StateSucceeded
	if err != nil {
		state = StateFailed
	}
	if !s.complete(tr, outputs, err, state) {
		s.late.Add(1)
		s.log.Debug("Discarding late task result", loggingpkg.LogFields{
			"tracker_id": tr.ID,
			"command":    tr.Entry.Name,
			"payload_id": tr.Payload.ID(),
		})
	}
}

func (s *Scheduler) execute(ctx context.Context, tr *Tracker) (outputs []*payloadpkg.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = &ExecutionError{
				Command:   tr.Entry.Name,
				PayloadID: tr.Payload.ID(),
				Err:       fmt.Errorf("%v", r),
				Panicked:  true,
			}
		}
	}()
	outputs, err = tr.Entry.Command.Execute(ctx, tr.Payload)
	if err != nil {
		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			err = &ExecutionError{Command: tr.Entry.Name, PayloadID: tr.Payload.ID(), Err: err}
		}
	}
	return outputs, err
}

// complete runs the single completion path of tr.
func (s *Scheduler) complete(tr *Tracker, outputs []*payloadpkg.Payload, cause error, state State) bool {
	if !tr.finish(state) {
		return false
	}
	duration := time.Since(tr.StartedAt)

	tr.claim.Release()
	tr.Partition.Done()
	s.outstanding.Add(-1)

	outcome := datacollectionpkg.OutcomeSucceeded
	switch state {
	case StateSucceeded:
		s.completed.Add(1)
	case StateFailed:
		s.failed.Add(1)
		outcome = datacollectionpkg.OutcomeFailed
	case StateTimedOut:
		s.timedOut.Add(1)
		outcome = datacollectionpkg.OutcomeTimedOut
	}
	s.statsFor(tr.Entry.Name).onFinish(duration, cause, s.cfg.Classifier)

	ctx := s.baseCtx
	if s.collector != nil {
		_ = s.collector.PayloadComplete(ctx, tr.Payload, tr.Entry.Name, duration, outcome, cause)
	}

	hookCtx := tr.taskContext(ctx)
	hookCtx.Duration = duration
	hookCtx.Outcome = outcome
	s.invokeHook(func() {
		if cause == nil {
			if s.cfg.Hooks.OnTaskDone != nil {
				s.cfg.Hooks.OnTaskDone(hookCtx)
			}
		} else if s.cfg.Hooks.OnTaskError != nil {
			s.cfg.Hooks.OnTaskError(hookCtx, cause)
		}
	})

	tr.Payload.Release(cause == nil)
	if cause == nil {
		s.forward(ctx, tr, outputs)
	}
	s.Wake()
	return true
}

func (s *Scheduler) forward(ctx context.Context, tr *Tracker, outputs []*payloadpkg.Payload) {
	for _, out := range outputs {
		if out == nil {
			continue
		}
		if s.dispatcher == nil {
			s.log.Debug("Dropping command output without dispatcher", loggingpkg.LogFields{
				"command":    tr.Entry.Name,
				"payload_id": out.ID(),
			})
			continue
		}
		if err := s.dispatcher.Send(ctx, out); err != nil {
			s.log.Error("Failed to route command output", err, loggingpkg.LogFields{
				"command":    tr.Entry.Name,
				"payload_id": out.ID(),
				"channel":    out.ChannelID(),
			})
			if s.collector != nil {
				_ = s.collector.PayloadException(ctx, out, err)
			}
		}
	}
}

func (s *Scheduler) invokeHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Task hook panicked", fmt.Errorf("%v", r), nil)
		}
	}()
	fn()
}

func (s *Scheduler) statsFor(name string) *commandStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st, ok := s.commandStats[name]
	if !ok {
		st = newCommandStats()
		s.commandStats[name] = st
	}
	return st
}

func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	commands := make(map[string]CommandStats, len(s.commandStats))
	for name, st := range s.commandStats {
		commands[name] = st.snapshot()
	}
	s.statsMu.Unlock()

	return Stats{
		MaxConcurrent: s.cfg.MaxConcurrent,
		Outstanding:   s.outstanding.Load(),
		Admitted:      s.admitted.Load(),
		Completed:     s.completed.Load(),
		Failed:        s.failed.Load(),
		TimedOut:      s.timedOut.Load(),
		Unresolved:    s.unresolved.Load(),
		Throttled:     s.throttled.Load(),
		LateResults:   s.late.Load(),
		Commands:      commands,
	}
}
