package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	datacollectionpkg "github.com/drblury/taskflow/internal/runtime/datacollection"
	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/taskflow/internal/runtime/metadata"
	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
)

// Attacher accepts payloads produced by a listener. *channel.Channel
// satisfies it.
type Attacher interface {
	ID() string
	Attach(p *payloadpkg.Payload) error
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Topic string
	// Transport names the transport in boundary traces.
	Transport string
	// DefaultPriority applies when a message carries no priority header.
	DefaultPriority int
	// NackOnFailure nacks payloads that were released as failed so the
	// broker redelivers them. By default they are acked once recorded.
	NackOnFailure bool
	Boundary      datacollectionpkg.BoundaryLogger
}

// Listener consumes a topic and attaches every message to an incoming
// channel. A message is acked or nacked when its payload is released.
type Listener struct {
	subscriber message.Subscriber
	target     Attacher
	cfg        ListenerConfig
	log        loggingpkg.ServiceLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewListener(subscriber message.Subscriber, target Attacher, cfg ListenerConfig, log loggingpkg.ServiceLogger) (*Listener, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("%w: subscriber", errspkg.ErrListenerRequired)
	}
	if target == nil {
		return nil, errspkg.ErrChannelRequired
	}
	if cfg.Topic == "" {
		cfg.Topic = target.ID()
	}
	return &Listener{
		subscriber: subscriber,
		target:     target,
		cfg:        cfg,
		log: loggingpkg.OrNop(log).With(loggingpkg.LogFields{
			"channel": target.ID(),
			"topic":   cfg.Topic,
		}),
	}, nil
}

func (l *Listener) Topic() string { return l.cfg.Topic }

// Start subscribes and consumes in the background until Stop is called or
// ctx ends.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return fmt.Errorf("listener %s: %w", l.cfg.Topic, errspkg.ErrAlreadyStarted)
	}

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := l.subscriber.Subscribe(subCtx, l.cfg.Topic)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", l.cfg.Topic, err)
	}
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.consume(subCtx, messages, l.done)
	l.log.Info("Listener started", nil)
	return nil
}

func (l *Listener) consume(ctx context.Context, messages <-chan *message.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			l.deliver(ctx, msg)
		}
	}
}

func (l *Listener) deliver(ctx context.Context, msg *message.Message) {
	p, err := l.toPayload(msg)
	if err == nil {
		err = l.target.Attach(p)
	}
	l.trace(ctx, msg, p, err)
	if err != nil {
		l.log.Error("Rejecting inbound message", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		if l.cfg.NackOnFailure {
			msg.Nack()
		} else {
			msg.Ack()
		}
	}
}

func (l *Listener) toPayload(msg *message.Message) (*payloadpkg.Payload, error) {
	routing, md := metadatapkg.SplitWatermill(msg.Metadata)
	priority := l.cfg.DefaultPriority
	if routing.Priority != "" {
		parsed, err := strconv.Atoi(routing.Priority)
		if err != nil {
			return nil, fmt.Errorf("priority header %q: %w", routing.Priority, err)
		}
		priority = parsed
	}

	nack := l.cfg.NackOnFailure
	return payloadpkg.New(payloadpkg.Options{
		ID:            msg.UUID,
		ChannelID:     l.target.ID(),
		Priority:      priority,
		MessageType:   routing.MessageType,
		Action:        routing.Action,
		CorrelationID: routing.CorrelationID,
		Body:          msg.Payload,
		Metadata:      md,
		Release: func(success bool) {
			if success || !nack {
				msg.Ack()
				return
			}
			msg.Nack()
		},
	})
}

func (l *Listener) trace(ctx context.Context, msg *message.Message, p *payloadpkg.Payload, err error) {
	if l.cfg.Boundary == nil {
		return
	}
	tr := datacollectionpkg.BoundaryTrace{
		Time:          time.Now().UTC(),
		Direction:     datacollectionpkg.BoundaryReceive,
		Transport:     l.cfg.Transport,
		ChannelID:     l.target.ID(),
		Topic:         l.cfg.Topic,
		PayloadID:     msg.UUID,
		CorrelationID: msg.Metadata.Get(metadatapkg.KeyCorrelationID),
		MessageType:   msg.Metadata.Get(metadatapkg.KeyMessageType),
		Action:        msg.Metadata.Get(metadatapkg.KeyAction),
		Size:          len(msg.Payload),
		Err:           err,
	}
	if p != nil {
		tr.PayloadID = p.ID()
	}
	_ = l.cfg.Boundary.BoundaryLog(ctx, tr)
}

// Stop cancels the subscription and waits for the consumer loop to exit.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		l.log.Info("Listener stopped", nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	Topic      string
	Transport  string
	Originator string
	Boundary   datacollectionpkg.BoundaryLogger
}

// Sender publishes payloads of an outgoing channel to a topic.
type Sender struct {
	publisher message.Publisher
	channelID string
	cfg       SenderConfig
}

func NewSender(publisher message.Publisher, channelID string, cfg SenderConfig) (*Sender, error) {
	if publisher == nil {
		return nil, fmt.Errorf("%w: publisher", errspkg.ErrSenderRequired)
	}
	if channelID == "" {
		return nil, errspkg.ErrChannelRequired
	}
	if cfg.Topic == "" {
		cfg.Topic = channelID
	}
	return &Sender{publisher: publisher, channelID: channelID, cfg: cfg}, nil
}

func (s *Sender) Topic() string { return s.cfg.Topic }

// SetOriginator stamps later messages with the microservice id.
func (s *Sender) SetOriginator(id string) { s.cfg.Originator = id }

// Dispatch converts p to a watermill message and publishes it.
func (s *Sender) Dispatch(ctx context.Context, p *payloadpkg.Payload) error {
	if p == nil {
		return errspkg.ErrPayloadRequired
	}
	msg := ToMessage(p)
	if s.cfg.Originator != "" && msg.Metadata.Get(metadatapkg.KeyOriginator) == "" {
		msg.Metadata.Set(metadatapkg.KeyOriginator, s.cfg.Originator)
	}
	msg.SetContext(ctx)

	err := s.publisher.Publish(s.cfg.Topic, msg)
	if s.cfg.Boundary != nil {
		_ = s.cfg.Boundary.BoundaryLog(ctx, datacollectionpkg.BoundaryTrace{
			Time:          time.Now().UTC(),
			Direction:     datacollectionpkg.BoundarySend,
			Transport:     s.cfg.Transport,
			ChannelID:     s.channelID,
			Topic:         s.cfg.Topic,
			PayloadID:     p.ID(),
			CorrelationID: p.CorrelationID(),
			MessageType:   p.MessageType(),
			Action:        p.Action(),
			Size:          p.BodyLen(),
			Err:           err,
		})
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", s.cfg.Topic, err)
	}
	return nil
}

// ToMessage maps a payload onto a watermill message. Routing fields travel
// as metadata headers.
func ToMessage(p *payloadpkg.Payload) *message.Message {
	msg := message.NewMessage(p.ID(), p.Body())
	msg.Metadata = metadatapkg.ToWatermill(p.Metadata(), metadatapkg.Routing{
		MessageType:   p.MessageType(),
		Action:        p.Action(),
		CorrelationID: p.CorrelationID(),
		Priority:      strconv.Itoa(p.Priority()),
	})
	return msg
}

// CloseAll closes every non-nil closer, joining their errors.
func CloseAll(closers ...interface{ Close() error }) error {
	var errs []error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
