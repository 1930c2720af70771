package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	idspkg "github.com/drblury/taskflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/taskflow/internal/runtime/metadata"
	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
)

// DefaultRequestTimeout applies when Send is called without a timeout.
const DefaultRequestTimeout = 30 * time.Second

var (
	// ErrDuplicateCorrelation is returned when a request reuses the
	// correlation id of a request that is still outstanding.
	ErrDuplicateCorrelation = errors.New("taskflow: correlation id already outstanding")
	// ErrRequestTimedOut is returned by Call when no response arrived in time.
	ErrRequestTimedOut = errors.New("taskflow: request timed out")
)

// Dispatcher sends a payload to whichever channel it names.
type Dispatcher interface {
	Send(ctx context.Context, p *payloadpkg.Payload) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, p *payloadpkg.Payload) error

func (f DispatchFunc) Send(ctx context.Context, p *payloadpkg.Payload) error { return f(ctx, p) }

// Outcome is how a correlated request ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota + 1
	OutcomeTimedOut
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is delivered exactly once per request.
type Result struct {
	Outcome  Outcome
	Response *payloadpkg.Payload
}

const (
	entryPending int32 = iota
	entryResolved
)

type correlationEntry struct {
	id       string
	deadline time.Time
	state    atomic.Int32
	result   chan Result
	timer    atomic.Pointer[time.Timer]
}

func (e *correlationEntry) stopTimer() {
	if t := e.timer.Load(); t != nil {
		t.Stop()
	}
}

// claim wins the right to resolve the entry.
func (e *correlationEntry) claim() bool {
	if !e.state.CompareAndSwap(entryPending, entryResolved) {
		return false
	}
	e.stopTimer()
	return true
}

func (e *correlationEntry) deliver(res Result) {
	if res.Outcome != 0 {
		e.result <- res
	}
	close(e.result)
}

// Pending is the caller's handle on an outstanding request.
type Pending struct {
	CorrelationID string
	Deadline      time.Time
	Request       *payloadpkg.Payload

	entry     *correlationEntry
	initiator *Initiator
}

// Done yields the single Result of the request.
func (p *Pending) Done() <-chan Result { return p.entry.result }

// Wait blocks until the request resolves or ctx ends. When ctx ends first
// the request is cancelled and a late response is discarded.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-p.entry.result:
		return res, nil
	case <-ctx.Done():
		if p.initiator.finish(p.entry, Result{Outcome: OutcomeCancelled}) {
			return Result{Outcome: OutcomeCancelled}, ctx.Err()
		}
		return <-p.entry.result, nil
	}
}

// InitiatorStats counts request outcomes.
type InitiatorStats struct {
	Sent        uint64 `json:"sent"`
	Completed   uint64 `json:"completed"`
	TimedOut    uint64 `json:"timed_out"`
	Cancelled   uint64 `json:"cancelled"`
	Discarded   uint64 `json:"discarded"`
	Outstanding int    `json:"outstanding"`
}

// Initiator sends requests and correlates their responses. It is itself a
// Command: register it on its response channel with wildcard type and
// action so responses reach Execute.
type Initiator struct {
	responseChannel string
	defaultTimeout  time.Duration
	log             loggingpkg.ServiceLogger

	dispatcher atomic.Pointer[dispatcherBox]

	mu      sync.Mutex
	entries map[string]*correlationEntry

	sent, completed, timedOut, cancelled, discarded atomic.Uint64
}

type dispatcherBox struct{ d Dispatcher }

// NewInitiator creates an initiator receiving responses on responseChannel.
func NewInitiator(responseChannel string, defaultTimeout time.Duration, log loggingpkg.ServiceLogger) (*Initiator, error) {
	if responseChannel == "" {
		return nil, errspkg.ErrChannelRequired
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultRequestTimeout
	}
	return &Initiator{
		responseChannel: responseChannel,
		defaultTimeout:  defaultTimeout,
		log:             loggingpkg.OrNop(log).With(loggingpkg.LogFields{"initiator": responseChannel}),
		entries:         map[string]*correlationEntry{},
	}, nil
}

func (i *Initiator) ResponseChannel() string { return i.responseChannel }

// Key is the registration key that routes responses to the initiator.
func (i *Initiator) Key() Key { return NewKey(i.responseChannel, Wildcard, Wildcard) }

// Bind sets the dispatcher used by Send.
func (i *Initiator) Bind(d Dispatcher) {
	i.dispatcher.Store(&dispatcherBox{d: d})
}

// Outstanding is the number of unresolved requests.
func (i *Initiator) Outstanding() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entries)
}

func (i *Initiator) Stats() InitiatorStats {
	return InitiatorStats{
		Sent:        i.sent.Load(),
		Completed:   i.completed.Load(),
		TimedOut:    i.timedOut.Load(),
		Cancelled:   i.cancelled.Load(),
		Discarded:   i.discarded.Load(),
		Outstanding: i.Outstanding(),
	}
}

// Send registers req and dispatches it. The entry is registered before the
// dispatch so a fast response can never miss it. A missing correlation id
// is filled with a ULID and the response channel header is stamped.
func (i *Initiator) Send(ctx context.Context, req *payloadpkg.Payload, timeout time.Duration) (*Pending, error) {
	if req == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	box := i.dispatcher.Load()
	if box == nil || box.d == nil {
		return nil, fmt.Errorf("initiator %s: %w", i.responseChannel, errspkg.ErrSenderRequired)
	}
	if timeout <= 0 {
		timeout = i.defaultTimeout
	}

	req, err := i.stamp(req)
	if err != nil {
		return nil, err
	}

	entry := &correlationEntry{
		id:       req.CorrelationID(),
		deadline: time.Now().Add(timeout),
		result:   make(chan Result, 1),
	}
	i.mu.Lock()
	if _, exists := i.entries[entry.id]; exists {
		i.mu.Unlock()
		return nil, fmt.Errorf("correlation %s: %w", entry.id, ErrDuplicateCorrelation)
	}
	i.entries[entry.id] = entry
	i.mu.Unlock()
	entry.timer.Store(time.AfterFunc(timeout, func() {
		if i.finish(entry, Result{Outcome: OutcomeTimedOut}) {
			i.log.Debug("Request timed out", loggingpkg.LogFields{"correlation_id": entry.id})
		}
	}))

	if err := box.d.Send(ctx, req); err != nil {
		if entry.claim() {
			entry.deliver(Result{})
		}
		i.remove(entry)
		return nil, err
	}
	i.sent.Add(1)

	return &Pending{
		CorrelationID: entry.id,
		Deadline:      entry.deadline,
		Request:       req,
		entry:         entry,
		initiator:     i,
	}, nil
}

// Call sends req and waits for its response.
func (i *Initiator) Call(ctx context.Context, req *payloadpkg.Payload, timeout time.Duration) (*payloadpkg.Payload, error) {
	pending, err := i.Send(ctx, req, timeout)
	if err != nil {
		return nil, err
	}
	res, err := pending.Wait(ctx)
	if err != nil {
		return nil, err
	}
	switch res.Outcome {
	case OutcomeCompleted:
		return res.Response, nil
	case OutcomeTimedOut:
		return nil, fmt.Errorf("correlation %s: %w", pending.CorrelationID, ErrRequestTimedOut)
	default:
		return nil, fmt.Errorf("correlation %s: %w", pending.CorrelationID, context.Canceled)
	}
}

// Execute handles a response payload. Unknown, late and duplicate
// responses are logged and discarded.
func (i *Initiator) Execute(_ context.Context, p *payloadpkg.Payload) ([]*payloadpkg.Payload, error) {
	id := p.CorrelationID()
	i.mu.Lock()
	entry, ok := i.entries[id]
	i.mu.Unlock()

	if !ok || !i.finish(entry, Result{Outcome: OutcomeCompleted, Response: p}) {
		i.discarded.Add(1)
		i.log.Debug("Discarding uncorrelated response", loggingpkg.LogFields{
			"correlation_id": id,
			"payload_id":     p.ID(),
		})
	}
	return nil, nil
}

// finish resolves entry exactly once and removes it.
func (i *Initiator) finish(entry *correlationEntry, res Result) bool {
	if !entry.claim() {
		return false
	}
	i.remove(entry)
	switch res.Outcome {
	case OutcomeCompleted:
		i.completed.Add(1)
	case OutcomeTimedOut:
		i.timedOut.Add(1)
	case OutcomeCancelled:
		i.cancelled.Add(1)
	}
	entry.deliver(res)
	return true
}

func (i *Initiator) remove(entry *correlationEntry) {
	i.mu.Lock()
	if current, ok := i.entries[entry.id]; ok && current == entry {
		delete(i.entries, entry.id)
	}
	i.mu.Unlock()
}

func (i *Initiator) stamp(req *payloadpkg.Payload) (*payloadpkg.Payload, error) {
	if req.CorrelationID() != "" && req.ResponseChannel() == i.responseChannel {
		return req, nil
	}
	id := req.ID()
	return req.Derive(func(o *payloadpkg.Options) {
		o.ID = id
		if o.CorrelationID == "" {
			o.CorrelationID = idspkg.CreateULID()
		}
		o.Metadata = o.Metadata.With(metadatapkg.KeyResponseChannel, i.responseChannel)
	})
}
