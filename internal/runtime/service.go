package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/trace"

	channelpkg "github.com/drblury/taskflow/internal/runtime/channel"
	commandpkg "github.com/drblury/taskflow/internal/runtime/command"
	configpkg "github.com/drblury/taskflow/internal/runtime/config"
	datacollectionpkg "github.com/drblury/taskflow/internal/runtime/datacollection"
	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	idspkg "github.com/drblury/taskflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
	resourcepkg "github.com/drblury/taskflow/internal/runtime/resource"
	schedulerpkg "github.com/drblury/taskflow/internal/runtime/scheduler"
	serializerpkg "github.com/drblury/taskflow/internal/runtime/serializer"
	transportpkg "github.com/drblury/taskflow/internal/runtime/transport"
	newtransport "github.com/drblury/taskflow/transport"
)

// DefaultShutdownTimeout bounds Stop when Run's context ends.
const DefaultShutdownTimeout = 30 * time.Second

const (
	stateIdle int32 = iota
	stateStarting
	stateRunning
	stateStopping
	stateStopped
)

// Dependencies holds the optional collaborators of a Microservice. Leave
// fields nil to use the defaults.
type Dependencies struct {
	// TransportFactory builds the broker connection used to bind listeners
	// and senders when Config.PubSubSystem is set.
	TransportFactory transportpkg.Factory
	// Collectors join the data collection container. Without any, events go
	// to the service logger.
	Collectors []any
	Hooks      LifecycleHooks
	TaskHooks  schedulerpkg.TaskHooks
	// ErrorClassifier buckets task failures in scheduler statistics.
	ErrorClassifier schedulerpkg.ErrorClassifier
	// Middleware is appended after the default command middleware chain.
	Middleware               []commandpkg.Middleware
	DisableDefaultMiddleware bool
	// MetricsRegisterer receives the Prometheus collectors when
	// Config.MetricsEnabled is set. Defaults to prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
	// TracerProvider enables command spans and boundary spans.
	TracerProvider trace.TracerProvider
}

type listenerBinding struct {
	channelID string
	listener  channelpkg.Listener
}

// Microservice owns the channels, registries, scheduler and data collection
// of one service instance. Configure it, then Start it; the channel layout
// is frozen from then on.
type Microservice struct {
	conf  configpkg.Config
	log   loggingpkg.ServiceLogger
	deps  Dependencies
	hooks LifecycleHooks

	resources   *resourcepkg.Registry
	commands    *commandpkg.Registry
	serializers *serializerpkg.Registry
	collector   *datacollectionpkg.Container
	scheduler   *schedulerpkg.Scheduler
	caps        newtransport.Capabilities

	mu         sync.RWMutex
	channels   map[string]*channelpkg.Channel
	order      []string
	topics     map[string]string
	listeners  []listenerBinding
	initiators []*commandpkg.Initiator
	transports []transportpkg.Transport
	problems   []error

	state      atomic.Int32
	originator atomic.Pointer[string]
	cancel     context.CancelFunc
	background conc.WaitGroup
	sampler    *resourceTracker
}

// New builds a Microservice from conf. Problems in conf.Pipeline are kept
// and reported by Start, so every configuration error surfaces at once.
func New(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Microservice, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	log = loggingpkg.OrNop(log)

	m := &Microservice{
		conf:        *conf,
		log:         log.With(loggingpkg.LogFields{"service": conf.Name}),
		deps:        deps,
		hooks:       deps.Hooks,
		resources:   resourcepkg.NewRegistry(),
		commands:    commandpkg.NewRegistry(),
		serializers: serializerpkg.NewRegistry(),
		collector:   datacollectionpkg.New(log),
		caps:        transportpkg.Capabilities(conf),
		channels:    map[string]*channelpkg.Channel{},
		topics:      map[string]string{},
		sampler:     newResourceTracker(),
	}
	if m.deps.TransportFactory == nil {
		m.deps.TransportFactory = transportpkg.DefaultFactory()
	}

	if err := m.setupCollectors(); err != nil {
		return nil, err
	}
	m.setupMiddleware()

	sched, err := schedulerpkg.New(schedulerpkg.Config{
		MaxConcurrent: conf.MaxConcurrent,
		TickInterval:  conf.TickInterval,
		TaskTimeout:   conf.TaskTimeout,
		Classifier:    deps.ErrorClassifier,
		Hooks:         deps.TaskHooks,
	}, m.commands, m.collector, commandpkg.DispatchFunc(m.Send), m.log)
	if err != nil {
		return nil, err
	}
	m.scheduler = sched

	// An invalid pipeline is reported by Start through Config.Validate.
	if conf.Pipeline.Validate() == nil {
		if err := m.ApplyPipeline(conf.Pipeline); err != nil {
			m.log.Error("Pipeline configuration rejected", err, nil)
		}
	}

	m.log.Info("Creating microservice", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})
	return m, nil
}

func (m *Microservice) setupCollectors() error {
	var errs []error
	for _, member := range m.deps.Collectors {
		errs = append(errs, m.collector.Add(member))
	}
	if len(m.deps.Collectors) == 0 {
		errs = append(errs, m.collector.Add(datacollectionpkg.NewServiceLoggerSink(m.log)))
	}
	if m.conf.MetricsEnabled {
		registerer := m.deps.MetricsRegisterer
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		errs = append(errs, m.collector.Add(datacollectionpkg.NewPrometheusTelemetry(registerer)))
	}
	if m.deps.TracerProvider != nil {
		errs = append(errs, m.collector.Add(datacollectionpkg.NewTracingBoundaryLogger(m.deps.TracerProvider)))
	}
	return errors.Join(errs...)
}

func (m *Microservice) setupMiddleware() {
	if !m.deps.DisableDefaultMiddleware {
		m.commands.Use(commandpkg.DefaultMiddleware(m.log)...)
	}
	if m.deps.TracerProvider != nil {
		m.commands.Use(commandpkg.Tracer(m.deps.TracerProvider))
	}
	m.commands.Use(m.deps.Middleware...)
}

func (m *Microservice) Config() configpkg.Config                { return m.conf }
func (m *Microservice) Logger() loggingpkg.ServiceLogger        { return m.log }
func (m *Microservice) Resources() *resourcepkg.Registry        { return m.resources }
func (m *Microservice) Commands() *commandpkg.Registry          { return m.commands }
func (m *Microservice) Serializers() *serializerpkg.Registry    { return m.serializers }
func (m *Microservice) Collector() *datacollectionpkg.Container { return m.collector }
func (m *Microservice) Scheduler() *schedulerpkg.Scheduler      { return m.scheduler }
func (m *Microservice) Capabilities() newtransport.Capabilities { return m.caps }
func (m *Microservice) Running() bool                           { return m.state.Load() == stateRunning }

// Originator returns the id minted by the last Start, or "" before it.
func (m *Microservice) Originator() string {
	if id := m.originator.Load(); id != nil {
		return *id
	}
	return ""
}

// record keeps a configuration problem for Start and returns it.
func (m *Microservice) record(err error) error {
	if err != nil {
		m.mu.Lock()
		m.problems = append(m.problems, err)
		m.mu.Unlock()
	}
	return err
}

func (m *Microservice) configurable(what string) error {
	if m.state.Load() != stateIdle {
		return fmt.Errorf("%s: %w", what, errspkg.ErrAlreadyStarted)
	}
	return nil
}

// AddResourceProfile registers a profile so channels and commands can claim
// it by name.
func (m *Microservice) AddResourceProfile(p *resourcepkg.Profile) error {
	if err := m.configurable("resource profile"); err != nil {
		return err
	}
	return m.record(m.resources.Add(p))
}

// AddChannel creates a channel. Incoming channels feed the scheduler;
// internal-only channels must be incoming since nothing can send for them.
func (m *Microservice) AddChannel(cfg channelpkg.Config) (*channelpkg.Channel, error) {
	if err := m.configurable("channel " + cfg.ID); err != nil {
		return nil, err
	}
	if cfg.InternalOnly && cfg.Direction == channelpkg.Outgoing {
		return nil, m.record(fmt.Errorf("internal channel %q: %w", cfg.ID, errspkg.ErrChannelDirection))
	}
	ch, err := channelpkg.New(cfg)
	if err != nil {
		return nil, m.record(err)
	}

	m.mu.Lock()
	if _, dup := m.channels[ch.ID()]; dup {
		m.mu.Unlock()
		return nil, m.record(fmt.Errorf("channel %q: %w", ch.ID(), errspkg.ErrDuplicateRegistration))
	}
	m.channels[ch.ID()] = ch
	m.order = append(m.order, ch.ID())
	m.mu.Unlock()

	incoming := ch.Direction() == channelpkg.Incoming
	m.commands.BindChannel(ch.ID(), incoming)
	if incoming {
		if err := m.scheduler.AddChannel(ch); err != nil {
			return nil, m.record(err)
		}
	}
	return ch, nil
}

// Channel looks up a channel by id.
func (m *Microservice) Channel(id string) (*channelpkg.Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// Channels returns the channels in registration order.
func (m *Microservice) Channels() []*channelpkg.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*channelpkg.Channel, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.channels[id])
	}
	return out
}

// RegisterCommand binds a command to a (channel, message type, action) key.
// The registry keeps failed registrations for Start.
func (m *Microservice) RegisterCommand(reg commandpkg.Registration) error {
	return m.commands.Register(reg)
}

// Handle registers fn under key with no resource profiles.
func (m *Microservice) Handle(key commandpkg.Key, fn commandpkg.HandlerFunc) error {
	return m.RegisterCommand(commandpkg.Registration{Key: key, Command: fn})
}

// RegisterInitiator binds i to this microservice: requests go out through
// Send and responses arriving on its response channel complete them.
func (m *Microservice) RegisterInitiator(i *commandpkg.Initiator) error {
	if i == nil {
		return m.record(errspkg.ErrCommandRequired)
	}
	i.Bind(commandpkg.DispatchFunc(m.Send))
	if err := m.RegisterCommand(commandpkg.Registration{
		Key:     i.Key(),
		Name:    "initiator:" + i.ResponseChannel(),
		Command: i,
	}); err != nil {
		return err
	}
	m.mu.Lock()
	m.initiators = append(m.initiators, i)
	m.mu.Unlock()
	return nil
}

// NewInitiator creates and registers an initiator whose requests default
// to Config.RequestTimeout.
func (m *Microservice) NewInitiator(responseChannel string) (*commandpkg.Initiator, error) {
	i, err := commandpkg.NewInitiator(responseChannel, m.conf.RequestTimeout, m.log)
	if err != nil {
		return nil, m.record(err)
	}
	if err := m.RegisterInitiator(i); err != nil {
		return nil, err
	}
	return i, nil
}

func (m *Microservice) RegisterSerializer(s serializerpkg.Serializer) error {
	return m.serializers.Register(s)
}

// AddCollector adds a data collection member. Members only join before Start.
func (m *Microservice) AddCollector(member any) error {
	if err := m.configurable("collector"); err != nil {
		return err
	}
	if member == nil {
		return errspkg.ErrCollectorRequired
	}
	return m.record(m.collector.Add(member))
}

// AttachListener binds a producer to an incoming channel.
func (m *Microservice) AttachListener(channelID string, l channelpkg.Listener) error {
	if err := m.configurable("listener " + channelID); err != nil {
		return err
	}
	if l == nil {
		return m.record(fmt.Errorf("channel %q: %w", channelID, errspkg.ErrListenerRequired))
	}
	ch, ok := m.Channel(channelID)
	switch {
	case !ok:
		return m.record(fmt.Errorf("listener for %q: %w", channelID, errspkg.ErrUnknownChannel))
	case ch.Direction() != channelpkg.Incoming:
		return m.record(fmt.Errorf("listener for %q: %w", channelID, errspkg.ErrChannelDirection))
	case ch.InternalOnly():
		return m.record(fmt.Errorf("listener for internal channel %q: %w", channelID, errspkg.ErrChannelDirection))
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, listenerBinding{channelID: channelID, listener: l})
	m.mu.Unlock()
	return nil
}

// AttachSender binds a consumer to an outgoing channel.
func (m *Microservice) AttachSender(channelID string, s channelpkg.Sender) error {
	ch, ok := m.Channel(channelID)
	if !ok {
		return m.record(fmt.Errorf("sender for %q: %w", channelID, errspkg.ErrUnknownChannel))
	}
	return m.record(ch.AttachSender(s))
}

func (m *Microservice) hasListener(channelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.listeners {
		if b.channelID == channelID {
			return true
		}
	}
	return false
}

// Send routes p by its channel id: incoming channels enqueue it for the
// scheduler, outgoing channels hand it to their sender and release it. A
// payload that cannot be routed is reported and released undeliverable.
func (m *Microservice) Send(ctx context.Context, p *payloadpkg.Payload) error {
	if p == nil {
		return errspkg.ErrPayloadRequired
	}
	ch, ok := m.Channel(p.ChannelID())
	if !ok {
		_ = m.collector.PayloadUnresolved(ctx, p, commandpkg.NoMatchingChannel.String())
		p.Release(false)
		return &commandpkg.UnresolvedError{
			Reason:      commandpkg.NoMatchingChannel,
			ChannelID:   p.ChannelID(),
			MessageType: p.MessageType(),
			Action:      p.Action(),
		}
	}

	if ch.Direction() == channelpkg.Incoming {
		if err := ch.Attach(p); err != nil {
			_ = m.collector.PayloadException(ctx, p, err)
			p.Release(false)
			return err
		}
		_ = m.collector.PayloadIncoming(ctx, p)
		return nil
	}

	if !m.caps.Fits(p.BodyLen()) {
		err := fmt.Errorf("channel %q: %d bytes over %s limit: %w", ch.ID(), p.BodyLen(), m.caps.Name, errspkg.ErrPayloadTooLarge)
		_ = m.collector.PayloadException(ctx, p, err)
		p.Release(false)
		return err
	}
	if err := ch.Dispatch(ctx, p); err != nil {
		_ = m.collector.PayloadException(ctx, p, err)
		p.Release(false)
		return err
	}
	p.Release(true)
	return nil
}

// Start validates the configuration, then starts data collection, the
// scheduler and the listeners in that order. Any configuration problem
// recorded so far fails Start with a ConfigValidationError before anything
// runs.
func (m *Microservice) Start(ctx context.Context) error {
	if !m.state.CompareAndSwap(stateIdle, stateStarting) {
		return errspkg.ErrAlreadyStarted
	}
	m.fire("on_start_requested", m.hooks.OnStartRequested)

	if err := m.prepare(ctx); err != nil {
		m.state.Store(stateIdle)
		return errspkg.NewConfigValidationError(err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	originator := idspkg.CreateULID()
	if err := m.collector.Start(runCtx, originator); err != nil {
		cancel()
		m.state.Store(stateIdle)
		return fmt.Errorf("start data collection: %w", err)
	}
	m.originator.Store(&originator)
	m.stampOriginator(originator)
	for _, ch := range m.Channels() {
		ch.Seal()
	}

	if err := m.scheduler.Start(runCtx); err != nil {
		cancel()
		_ = m.collector.Stop(ctx)
		m.state.Store(stateIdle)
		return err
	}
	if err := m.startListeners(runCtx); err != nil {
		cancel()
		_ = m.scheduler.Stop(ctx)
		_ = m.collector.Stop(ctx)
		m.state.Store(stateIdle)
		return err
	}

	m.cancel = cancel
	if m.conf.StatisticsInterval > 0 {
		m.background.Go(func() { m.statisticsLoop(runCtx, m.conf.StatisticsInterval) })
	}
	m.state.Store(stateRunning)
	if h := m.hooks.OnStarted; h != nil {
		m.fire("on_started", func() { h(originator) })
	}
	return nil
}

// prepare binds transports and collects every configuration problem.
func (m *Microservice) prepare(ctx context.Context) error {
	if m.conf.PubSubSystem != "" {
		_ = m.record(m.bindTransports(ctx))
	}

	m.mu.RLock()
	errs := append([]error(nil), m.problems...)
	m.mu.RUnlock()

	errs = append(errs, m.conf.Validate())
	for _, ch := range m.Channels() {
		if ch.Direction() == channelpkg.Outgoing && !ch.HasSender() {
			errs = append(errs, fmt.Errorf("channel %q: %w", ch.ID(), errspkg.ErrSenderRequired))
		}
	}
	errs = append(errs, m.commands.Freeze())
	return errors.Join(errs...)
}

type originatorAware interface{ SetOriginator(string) }

func (m *Microservice) stampOriginator(id string) {
	for _, ch := range m.Channels() {
		if s, ok := ch.Sender().(originatorAware); ok {
			s.SetOriginator(id)
		}
	}
}

func (m *Microservice) startListeners(ctx context.Context) error {
	m.mu.RLock()
	bindings := append([]listenerBinding(nil), m.listeners...)
	m.mu.RUnlock()

	for i, b := range bindings {
		if err := b.listener.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = bindings[j].listener.Stop(ctx)
			}
			return fmt.Errorf("start listener for %q: %w", b.channelID, err)
		}
	}
	return nil
}

// Stop shuts down in reverse start order: listeners, scheduler (waiting for
// in-flight tasks until ctx ends), then data collection, which flushes
// last. Broker connections opened by the microservice are closed.
func (m *Microservice) Stop(ctx context.Context) error {
	if !m.state.CompareAndSwap(stateRunning, stateStopping) {
		return nil
	}
	m.fire("on_stop_requested", m.hooks.OnStopRequested)

	var errs []error
	m.mu.RLock()
	bindings := append([]listenerBinding(nil), m.listeners...)
	transports := append([]transportpkg.Transport(nil), m.transports...)
	m.mu.RUnlock()
	for i := len(bindings) - 1; i >= 0; i-- {
		if err := bindings[i].listener.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop listener for %q: %w", bindings[i].channelID, err))
		}
	}

	errs = append(errs, m.scheduler.Stop(ctx))
	m.releaseQueued(ctx)
	m.cancel()
	m.background.Wait()
	m.IssueStatistics(ctx)
	errs = append(errs, m.collector.Stop(ctx))
	for _, tr := range transports {
		errs = append(errs, tr.Close())
	}

	err := errors.Join(errs...)
	m.state.Store(stateStopped)
	if h := m.hooks.OnStopped; h != nil {
		m.fire("on_stopped", func() { h(err) })
	}
	return err
}

// releaseQueued empties the incoming channels once nothing admits from them
// any more. Each payload is released undeliverable, so a broker listener acks
// or nacks it according to its NackOnFailure setting.
func (m *Microservice) releaseQueued(ctx context.Context) {
	released := 0
	for _, ch := range m.Channels() {
		if ch.Direction() != channelpkg.Incoming {
			continue
		}
		for p := range ch.Drain() {
			_ = m.collector.PayloadException(ctx, p, errspkg.ErrShutdown)
			p.Release(false)
			released++
		}
	}
	if released > 0 {
		m.log.Info("Released queued payloads", loggingpkg.LogFields{"count": released})
	}
}

// Run starts the microservice and blocks until ctx ends, then stops it
// within DefaultShutdownTimeout.
func (m *Microservice) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	return m.Stop(stopCtx)
}
