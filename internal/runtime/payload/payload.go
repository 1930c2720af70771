// Package payload defines the transmission payload: the immutable unit of
// work routed between channels, the scheduler and commands.
package payload

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	idspkg "github.com/drblury/taskflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/taskflow/internal/runtime/metadata"
)

// ReleaseFunc acknowledges a payload to the transport that produced it.
// success is false when the payload failed or could not be delivered.
type ReleaseFunc func(success bool)

// Options describes a payload under construction.
type Options struct {
	ID            string
	ChannelID     string
	Priority      int
	MessageType   string
	Action        string
	CorrelationID string
	Body          []byte
	Metadata      metadatapkg.Metadata
	ArrivedAt     time.Time
	Release       ReleaseFunc
}

// Payload is safe for concurrent reads. Only the release and dispatch
// markers change after construction and both flip at most once.
type Payload struct {
	id            string
	channelID     string
	priority      int
	messageType   string
	action        string
	correlationID string
	body          []byte
	metadata      metadatapkg.Metadata
	arrivedAt     time.Time

	release    ReleaseFunc
	released   atomic.Bool
	dispatched atomic.Bool
}

// New validates opts and builds a payload. Missing ids and arrival times are
// filled in.
func New(opts Options) (*Payload, error) {
	if opts.ChannelID == "" {
		return nil, errspkg.ErrChannelRequired
	}
	if opts.Priority < 0 {
		return nil, fmt.Errorf("taskflow: payload priority %d must be non-negative", opts.Priority)
	}

	id := opts.ID
	if id == "" {
		id = idspkg.CreateULID()
	}
	arrived := opts.ArrivedAt
	if arrived.IsZero() {
		arrived = time.Now().UTC()
	}

	return &Payload{
		id:            id,
		channelID:     opts.ChannelID,
		priority:      opts.Priority,
		messageType:   opts.MessageType,
		action:        opts.Action,
		correlationID: opts.CorrelationID,
		body:          bytes.Clone(opts.Body),
		metadata:      opts.Metadata.Clone(),
		arrivedAt:     arrived,
		release:       opts.Release,
	}, nil
}

// MustNew is New for statically known payloads; it panics on invalid options.
func MustNew(opts Options) *Payload {
	p, err := New(opts)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Payload) ID() string            { return p.id }
func (p *Payload) ChannelID() string     { return p.channelID }
func (p *Payload) Priority() int         { return p.priority }
func (p *Payload) MessageType() string   { return p.messageType }
func (p *Payload) Action() string        { return p.action }
func (p *Payload) CorrelationID() string { return p.correlationID }
func (p *Payload) ArrivedAt() time.Time  { return p.arrivedAt }

// Body returns a copy of the message body.
func (p *Payload) Body() []byte { return bytes.Clone(p.body) }

// BodyLen reports the body size without copying it.
func (p *Payload) BodyLen() int { return len(p.body) }

// Metadata returns a copy of the payload headers.
func (p *Payload) Metadata() metadatapkg.Metadata { return p.metadata.Clone() }

// Header returns a single header value.
func (p *Payload) Header(key string) string { return p.metadata.Get(key) }

// ResponseChannel is the channel a reply to this payload should be sent on.
func (p *Payload) ResponseChannel() string {
	return p.metadata.Get(metadatapkg.KeyResponseChannel)
}

// Age is the time elapsed since the payload arrived.
func (p *Payload) Age() time.Duration { return time.Since(p.arrivedAt) }

// Release invokes the release callback exactly once. It reports whether this
// call performed the release.
func (p *Payload) Release(success bool) bool {
	if !p.released.CompareAndSwap(false, true) {
		return false
	}
	if p.release != nil {
		p.release(success)
	}
	return true
}

// Released reports whether the payload has been acknowledged.
func (p *Payload) Released() bool { return p.released.Load() }

// MarkDispatched invalidates the payload after it left through an outgoing
// channel. A second dispatch returns ErrPayloadDispatched.
func (p *Payload) MarkDispatched() error {
	if !p.dispatched.CompareAndSwap(false, true) {
		return errspkg.ErrPayloadDispatched
	}
	return nil
}

// Dispatched reports whether the payload was handed to a sender.
func (p *Payload) Dispatched() bool { return p.dispatched.Load() }

// Options returns the construction options of p without its release callback.
func (p *Payload) Options() Options {
	return Options{
		ID:            p.id,
		ChannelID:     p.channelID,
		Priority:      p.priority,
		MessageType:   p.messageType,
		Action:        p.action,
		CorrelationID: p.correlationID,
		Body:          bytes.Clone(p.body),
		Metadata:      p.metadata.Clone(),
		ArrivedAt:     p.arrivedAt,
	}
}

// Derive builds a new payload from p. The copy gets a fresh id and arrival
// time and no release callback; mutate may override any field.
func (p *Payload) Derive(mutate func(*Options)) (*Payload, error) {
	opts := p.Options()
	opts.ID = ""
	opts.ArrivedAt = time.Time{}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

// WithRelease returns a copy of p, keeping its id, bound to release.
func (p *Payload) WithRelease(release ReleaseFunc) *Payload {
	opts := p.Options()
	opts.Release = release
	return MustNew(opts)
}

func (p *Payload) String() string {
	return fmt.Sprintf("payload{id=%s channel=%s priority=%d type=%s action=%s correlation=%s}",
		p.id, p.channelID, p.priority, p.messageType, p.action, p.correlationID)
}
