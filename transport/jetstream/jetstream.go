// Package jetstream registers NATS JetStream. All topics share one stream
// with a subject per topic; each subscribed topic gets a durable pull
// consumer, so a nacked payload is redelivered up to MaxDeliver times.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/taskflow/transport"
)

const TransportName = "nats-jetstream"

const (
	DefaultStream     = "TASKFLOW"
	DefaultMaxDeliver = 3
	DefaultAckWait    = 30 * time.Second
	DefaultMaxAge     = 7 * 24 * time.Hour

	// HeaderMessageID carries the watermill message id across the broker.
	HeaderMessageID = "taskflow_message_id"

	fetchBatch = 10
	fetchWait  = time.Second
)

var (
	ErrNoURL  = errors.New("jetstream: url is required")
	ErrClosed = errors.New("jetstream: transport is closed")
)

// Stream is the part of nats.JetStreamContext the transport uses.
type Stream interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	UpdateConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// Connection is an open NATS connection with its JetStream context.
type Connection struct {
	Stream Stream
	Close  func()
}

// Connect opens the broker connection. Tests replace it.
var Connect = func(url string) (Connection, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return Connection{}, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return Connection{}, fmt.Errorf("jetstream context: %w", err)
	}
	return Connection{Stream: js, Close: nc.Close}, nil
}

func init() { Register() }

func Register() {
	transport.Register(TransportName, Build, Capabilities())
}

func Capabilities() transport.Capabilities { return transport.JetStreamCapabilities }

func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, ErrNoURL
	}
	t, err := New(Config{URL: url, Stream: cfg.GetNATSStream()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: t, Subscriber: t}, nil
}

// Config tunes the stream and its consumers.
type Config struct {
	URL        string
	Stream     string
	MaxDeliver int
	AckWait    time.Duration
	MaxAge     time.Duration
	Replicas   int
	// Retention is "limits" (default), "interest" or "workqueue".
	Retention string
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) retention() nats.RetentionPolicy {
	switch c.Retention {
	case "interest":
		return nats.InterestPolicy
	case "workqueue":
		return nats.WorkQueuePolicy
	default:
		return nats.LimitsPolicy
	}
}

// fetcher is the pull side of a *nats.Subscription.
type fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// Transport is both the publisher and the subscriber of one stream.
type Transport struct {
	conn   Connection
	config Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   []fetcher
	closed bool
	done   chan struct{}
}

func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	conn, err := Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	t := &Transport{conn: conn, config: cfg, logger: logger, done: make(chan struct{})}
	if err := t.ensureStream(); err != nil {
		t.closeConn()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:      t.config.Stream,
		Subjects:  []string{t.config.Stream + ".>"},
		MaxAge:    t.config.MaxAge,
		Replicas:  t.config.Replicas,
		Retention: t.config.retention(),
	}
	if _, err := t.conn.Stream.AddStream(cfg); err != nil {
		if _, uerr := t.conn.Stream.UpdateStream(cfg); uerr != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, errors.Join(err, uerr))
		}
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	subject := t.subject(topic)
	for _, msg := range messages {
		header := nats.Header{}
		for k, v := range msg.Metadata {
			header.Set(k, v)
		}
		header.Set(HeaderMessageID, msg.UUID)
		if _, err := t.conn.Stream.PublishMsg(&nats.Msg{Subject: subject, Data: msg.Payload, Header: header}); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	subject := t.subject(topic)
	durable := consumerName(topic)
	cfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
	}
	if _, err := t.conn.Stream.AddConsumer(t.config.Stream, cfg); err != nil {
		if _, uerr := t.conn.Stream.UpdateConsumer(t.config.Stream, cfg); uerr != nil {
			return nil, fmt.Errorf("consumer %s: %w", durable, errors.Join(err, uerr))
		}
	}
	sub, err := t.conn.Stream.PullSubscribe(subject, durable)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	out := make(chan *message.Message)
	go t.consume(ctx, sub, out, topic)
	return out, nil
}

// consume pulls batches and hands messages out one at a time, settling each
// on the broker once the watermill side acks or nacks it.
func (t *Transport) consume(ctx context.Context, sub fetcher, out chan<- *message.Message, topic string) {
	defer close(out)
	fields := watermill.LogFields{"topic": topic, "stream": t.config.Stream}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		batch, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if errors.Is(err, nats.ErrTimeout) {
			continue
		}
		if err != nil {
			t.logger.Error("JetStream fetch failed", err, fields)
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case <-time.After(fetchWait):
			}
			continue
		}

		for _, raw := range batch {
			msg := toMessage(raw)
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			case <-t.done:
				return
			}
			select {
			case <-msg.Acked():
				if err := raw.Ack(); err != nil {
					t.logger.Error("JetStream ack failed", err, fields)
				}
			case <-msg.Nacked():
				if err := raw.Nak(); err != nil {
					t.logger.Error("JetStream nak failed", err, fields)
				}
			case <-ctx.Done():
				return
			case <-t.done:
				return
			}
		}
	}
}

func toMessage(raw *nats.Msg) *message.Message {
	id := raw.Header.Get(HeaderMessageID)
	if id == "" {
		id = watermill.NewULID()
	}
	msg := message.NewMessage(id, raw.Data)
	for k, v := range raw.Header {
		if k == HeaderMessageID || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

func (t *Transport) subject(topic string) string {
	return t.config.Stream + "." + topic
}

var durableReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func consumerName(topic string) string {
	return "taskflow_" + durableReplacer.Replace(topic)
}

// Close stops every consumer and closes the connection. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	t.closeConn()
	return errors.Join(errs...)
}

func (t *Transport) closeConn() {
	if t.conn.Close != nil {
		t.conn.Close()
	}
}
