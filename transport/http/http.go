// Package http registers the HTTP broker: publishing POSTs each message to
// HTTPPublisherURL joined with the topic, subscribing serves one path per
// topic on HTTPServerAddress.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/taskflow/transport"
)

const TransportName = "http"

var ErrNoServerAddress = errors.New("http: server address is required")

var PublisherFactory = func(cfg http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(cfg, logger)
}

var SubscriberFactory = func(addr string, cfg http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, cfg, logger)
}

// ServerStarter runs the subscriber's HTTP server once topics are
// subscribed. It blocks until the server stops.
var ServerStarter = func(sub message.Subscriber) error {
	if s, ok := sub.(*http.Subscriber); ok {
		return s.StartHTTPServer()
	}
	return nil
}

func init() { Register() }

func Register() {
	transport.Register(TransportName, Build, Capabilities())
}

func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	addr := cfg.GetHTTPServerAddress()
	if addr == "" {
		return transport.Transport{}, ErrNoServerAddress
	}

	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: marshalTo(cfg.GetHTTPPublisherURL()),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(addr, http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	go func() {
		if err := ServerStarter(subscriber); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			logger.Error("HTTP subscriber server stopped", err, watermill.LogFields{"addr": addr})
		}
	}()

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func marshalTo(base string) http.MarshalMessageFunc {
	base = strings.TrimSuffix(base, "/")
	return func(topic string, msg *message.Message) (*nethttp.Request, error) {
		return http.DefaultMarshalMessageFunc(base+"/"+strings.TrimPrefix(topic, "/"), msg)
	}
}

func Capabilities() transport.Capabilities { return transport.HTTPCapabilities }
