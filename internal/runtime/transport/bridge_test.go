package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	datacollectionpkg "github.com/drblury/taskflow/internal/runtime/datacollection"
	metadatapkg "github.com/drblury/taskflow/internal/runtime/metadata"
	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
)

type recordingAttacher struct {
	id     string
	reject string
	got    chan *payloadpkg.Payload
}

func newRecordingAttacher(id string) *recordingAttacher {
	return &recordingAttacher{id: id, got: make(chan *payloadpkg.Payload, 8)}
}

func (r *recordingAttacher) ID() string { return r.id }

func (r *recordingAttacher) Attach(p *payloadpkg.Payload) error {
	if p.ID() == r.reject {
		return errors.New("partition missing")
	}
	r.got <- p
	return nil
}

func receive(t *testing.T, ch <-chan *payloadpkg.Payload) *payloadpkg.Payload {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func TestListenerAttachesMessages(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	target := newRecordingAttacher("orders")
	boundary := datacollectionpkg.NewMemoryCollector()
	listener, err := NewListener(pubSub, target, ListenerConfig{Topic: "orders.v1", Transport: "channel", Boundary: boundary}, nil)
	require.NoError(t, err)
	require.NoError(t, listener.Start(context.Background()))
	defer func() { require.NoError(t, listener.Stop(context.Background())) }()

	msg := message.NewMessage("msg-1", []byte(`{"id":1}`))
	msg.Metadata.Set(metadatapkg.KeyMessageType, "order")
	msg.Metadata.Set(metadatapkg.KeyAction, "create")
	msg.Metadata.Set(metadatapkg.KeyPriority, "2")
	msg.Metadata.Set(metadatapkg.KeyCorrelationID, "corr-1")
	msg.Metadata.Set("tenant", "acme")
	require.NoError(t, pubSub.Publish("orders.v1", msg))

	p := receive(t, target.got)
	assert.Equal(t, "msg-1", p.ID())
	assert.Equal(t, "orders", p.ChannelID())
	assert.Equal(t, 2, p.Priority())
	assert.Equal(t, "order", p.MessageType())
	assert.Equal(t, "create", p.Action())
	assert.Equal(t, "corr-1", p.CorrelationID())
	assert.Equal(t, "acme", p.Header("tenant"))
	assert.Empty(t, p.Header(metadatapkg.KeyPriority))

	p.Release(true)

	require.Eventually(t, func() bool { return len(boundary.Traces()) == 1 }, time.Second, 5*time.Millisecond)
	traces := boundary.Traces()
	assert.Equal(t, datacollectionpkg.BoundaryReceive, traces[0].Direction)
	assert.Equal(t, "orders.v1", traces[0].Topic)
	assert.NoError(t, traces[0].Err)
}

func TestListenerAcksRejectedMessages(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	target := newRecordingAttacher("orders")
	target.reject = "bad"
	boundary := datacollectionpkg.NewMemoryCollector()
	listener, err := NewListener(pubSub, target, ListenerConfig{Boundary: boundary}, nil)
	require.NoError(t, err)
	assert.Equal(t, "orders", listener.Topic())
	require.NoError(t, listener.Start(context.Background()))
	defer func() { _ = listener.Stop(context.Background()) }()

	require.NoError(t, pubSub.Publish("orders", message.NewMessage("bad", nil)))
	require.NoError(t, pubSub.Publish("orders", message.NewMessage("good", nil)))

	p := receive(t, target.got)
	assert.Equal(t, "good", p.ID())
	p.Release(true)

	require.Eventually(t, func() bool { return len(boundary.Traces()) == 2 }, time.Second, 5*time.Millisecond)
	var failed int
	for _, tr := range boundary.Traces() {
		if tr.Err != nil {
			failed++
			assert.Equal(t, "bad", tr.PayloadID)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestListenerRejectsBadPriority(t *testing.T) {
	target := newRecordingAttacher("orders")
	listener, err := NewListener(gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{}), target, ListenerConfig{}, nil)
	require.NoError(t, err)

	msg := message.NewMessage("m", nil)
	msg.Metadata.Set(metadatapkg.KeyPriority, "high")
	_, err = listener.toPayload(msg)
	assert.Error(t, err)
}

func TestListenerLifecycle(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()
	listener, err := NewListener(pubSub, newRecordingAttacher("orders"), ListenerConfig{}, nil)
	require.NoError(t, err)

	require.NoError(t, listener.Stop(context.Background()), "stop before start is a no-op")
	require.NoError(t, listener.Start(context.Background()))
	assert.Error(t, listener.Start(context.Background()))
	require.NoError(t, listener.Stop(context.Background()))

	_, err = NewListener(nil, newRecordingAttacher("x"), ListenerConfig{}, nil)
	assert.Error(t, err)
	_, err = NewListener(pubSub, nil, ListenerConfig{}, nil)
	assert.Error(t, err)
}

func TestSenderPublishesPayloads(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	messages, err := pubSub.Subscribe(context.Background(), "notifications.v1")
	require.NoError(t, err)

	boundary := datacollectionpkg.NewMemoryCollector()
	sender, err := NewSender(pubSub, "notifications", SenderConfig{Topic: "notifications.v1", Transport: "channel", Boundary: boundary})
	require.NoError(t, err)
	sender.SetOriginator("svc-1")

	p := payloadpkg.MustNew(payloadpkg.Options{
		ChannelID:     "notifications",
		Priority:      1,
		MessageType:   "email",
		Action:        "send",
		CorrelationID: "corr-9",
		Body:          []byte("hello"),
		Metadata:      metadatapkg.New("tenant", "acme"),
	})
	require.NoError(t, sender.Dispatch(context.Background(), p))

	select {
	case msg := <-messages:
		assert.Equal(t, p.ID(), msg.UUID)
		assert.Equal(t, "hello", string(msg.Payload))
		assert.Equal(t, "email", msg.Metadata.Get(metadatapkg.KeyMessageType))
		assert.Equal(t, "send", msg.Metadata.Get(metadatapkg.KeyAction))
		assert.Equal(t, "1", msg.Metadata.Get(metadatapkg.KeyPriority))
		assert.Equal(t, "corr-9", msg.Metadata.Get(metadatapkg.KeyCorrelationID))
		assert.Equal(t, "svc-1", msg.Metadata.Get(metadatapkg.KeyOriginator))
		assert.Equal(t, "acme", msg.Metadata.Get("tenant"))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message not published")
	}

	traces := boundary.Traces()
	require.Len(t, traces, 1)
	assert.Equal(t, datacollectionpkg.BoundarySend, traces[0].Direction)
	assert.Equal(t, 5, traces[0].Size)
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("broker down") }
func (failingPublisher) Close() error                              { return nil }

func TestSenderWrapsPublishErrors(t *testing.T) {
	sender, err := NewSender(failingPublisher{}, "out", SenderConfig{})
	require.NoError(t, err)
	err = sender.Dispatch(context.Background(), payloadpkg.MustNew(payloadpkg.Options{ChannelID: "out"}))
	assert.ErrorContains(t, err, "publish out")

	_, err = NewSender(nil, "out", SenderConfig{})
	assert.Error(t, err)
}

func TestTransportCloseSharedPubSub(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	tr := Transport{Publisher: pubSub, Subscriber: pubSub}
	assert.NoError(t, tr.Close())
	assert.NoError(t, Transport{}.Close())
}
