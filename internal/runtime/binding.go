package runtime

import (
	"context"
	"fmt"

	channelpkg "github.com/drblury/taskflow/internal/runtime/channel"
	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
	transportpkg "github.com/drblury/taskflow/internal/runtime/transport"
)

// bindTransports connects the configured broker to every non-internal
// channel that has no explicit listener or sender yet.
func (m *Microservice) bindTransports(ctx context.Context) error {
	var pending []*channelpkg.Channel
	for _, ch := range m.Channels() {
		if ch.InternalOnly() {
			continue
		}
		if ch.Direction() == channelpkg.Incoming && !m.hasListener(ch.ID()) ||
			ch.Direction() == channelpkg.Outgoing && !ch.HasSender() {
			pending = append(pending, ch)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	conf := m.conf
	tr, err := m.deps.TransportFactory.Build(ctx, &conf, loggingpkg.NewWatermillAdapter(m.log))
	if err != nil {
		return fmt.Errorf("build %s transport: %w", m.caps.Name, err)
	}
	m.mu.Lock()
	m.transports = append(m.transports, tr)
	m.mu.Unlock()

	for _, ch := range pending {
		topic := m.Topic(ch.ID())
		if ch.Direction() == channelpkg.Incoming {
			l, err := transportpkg.NewListener(tr.Subscriber, ch, transportpkg.ListenerConfig{
				Topic:     topic,
				Transport: m.caps.Name,
				Boundary:  m.collector,
			}, m.log)
			if err != nil {
				return err
			}
			m.mu.Lock()
			m.listeners = append(m.listeners, listenerBinding{channelID: ch.ID(), listener: l})
			m.mu.Unlock()
			continue
		}

		s, err := transportpkg.NewSender(tr.Publisher, ch.ID(), transportpkg.SenderConfig{
			Topic:     topic,
			Transport: m.caps.Name,
			Boundary:  m.collector,
		})
		if err != nil {
			return err
		}
		if err := ch.AttachSender(s); err != nil {
			return err
		}
	}
	m.log.Info("Transport bound", loggingpkg.LogFields{
		"transport": m.caps.Name,
		"channels":  len(pending),
	})
	return nil
}
