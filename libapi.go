package taskflow

import (
	"context"

	"github.com/redis/go-redis/v9"

	runtimepkg "github.com/drblury/taskflow/internal/runtime"
	channelpkg "github.com/drblury/taskflow/internal/runtime/channel"
	commandpkg "github.com/drblury/taskflow/internal/runtime/command"
	configpkg "github.com/drblury/taskflow/internal/runtime/config"
	datacollectionpkg "github.com/drblury/taskflow/internal/runtime/datacollection"
	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	idspkg "github.com/drblury/taskflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/taskflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/taskflow/internal/runtime/metadata"
	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
	"github.com/drblury/taskflow/internal/runtime/persistence"
	resourcepkg "github.com/drblury/taskflow/internal/runtime/resource"
	schedulerpkg "github.com/drblury/taskflow/internal/runtime/scheduler"
	serializerpkg "github.com/drblury/taskflow/internal/runtime/serializer"
	transportpkg "github.com/drblury/taskflow/internal/runtime/transport"
	newtransport "github.com/drblury/taskflow/transport"
)

type (
	Config                 = configpkg.Config
	Pipeline               = configpkg.Pipeline
	PipelineChannel        = configpkg.Channel
	PipelinePartition      = configpkg.Partition
	PipelineProfile        = configpkg.ResourceProfile
	Microservice           = runtimepkg.Microservice
	Dependencies           = runtimepkg.Dependencies
	LifecycleHooks         = runtimepkg.LifecycleHooks
	MicroserviceStatistics = runtimepkg.MicroserviceStatistics
	ResourceUsage          = runtimepkg.ResourceUsage
	Transport              = transportpkg.Transport
	TransportFactory       = transportpkg.Factory
	TransportFactoryFunc   = transportpkg.FactoryFunc

	Payload        = payloadpkg.Payload
	PayloadOptions = payloadpkg.Options
	Metadata       = metadatapkg.Metadata

	Channel          = channelpkg.Channel
	ChannelConfig    = channelpkg.Config
	ChannelDirection = channelpkg.Direction
	PartitionConfig  = channelpkg.PartitionConfig
	Sender           = channelpkg.Sender
	SenderFunc       = channelpkg.SenderFunc
	Listener         = channelpkg.Listener

	ResourceProfile = resourcepkg.Profile

	Command                                  = commandpkg.Command
	CommandKey                               = commandpkg.Key
	CommandRegistration                      = commandpkg.Registration
	HandlerFunc                              = commandpkg.HandlerFunc
	Middleware                               = commandpkg.Middleware
	Initiator                                = commandpkg.Initiator
	InitiatorStats                           = commandpkg.InitiatorStats
	UnresolvedError                          = commandpkg.UnresolvedError
	Request[T any]                           = commandpkg.Request[T]
	TypedHandler[In any, Out any]            = commandpkg.TypedHandler[In, Out]
	Serializer                               = serializerpkg.Serializer
	PersistenceOptions[K comparable, E any]  = persistence.Options[K, E]
	PersistenceHandler[K comparable, E any]  = persistence.Handler[K, E]
	PersistenceClient[K comparable, E any]   = persistence.Client[K, E]
	PersistenceResponse[K comparable, E any] = persistence.Response[K, E]
	StorageBackend                           = persistence.StorageBackend
	StorageResponse                          = persistence.StorageResponse
	RetryPolicy                              = persistence.RetryPolicy

	SchedulerStats  = schedulerpkg.Stats
	TaskHooks       = schedulerpkg.TaskHooks
	TaskContext     = schedulerpkg.TaskContext
	ErrorClassifier = schedulerpkg.ErrorClassifier
	ErrorCategory   = schedulerpkg.ErrorCategory

	DataCollector   = datacollectionpkg.Container
	CollectorEvent  = datacollectionpkg.Event
	SourceEvent     = datacollectionpkg.SourceEvent
	Metric          = datacollectionpkg.Metric
	BoundaryTrace   = datacollectionpkg.BoundaryTrace
	MemoryCollector = datacollectionpkg.MemoryCollector

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

const (
	Incoming = channelpkg.Incoming
	Outgoing = channelpkg.Outgoing
	Wildcard = commandpkg.Wildcard
)

var (
	New            = runtimepkg.New
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig

	NewPayload        = payloadpkg.New
	MustPayload       = payloadpkg.MustNew
	Reply             = commandpkg.Reply
	NewCommandKey     = commandpkg.NewKey
	NewInitiator      = commandpkg.NewInitiator
	NewProfile        = resourcepkg.NewProfile
	WithRate          = resourcepkg.WithRate
	ParseDirection    = channelpkg.ParseDirection
	DefaultMiddleware = commandpkg.DefaultMiddleware
	LoggingHooks      = runtimepkg.LoggingHooks
	TaskLoggingHooks  = schedulerpkg.LoggingHooks

	JSONSerializer      = serializerpkg.JSON
	ProtoSerializer     = serializerpkg.Proto
	ProtoJSONSerializer = serializerpkg.ProtoJSON

	NewServiceLoggerSink     = datacollectionpkg.NewServiceLoggerSink
	NewBufferedLogger        = datacollectionpkg.NewBufferedLogger
	NewPrometheusTelemetry   = datacollectionpkg.NewPrometheusTelemetry
	NewTracingBoundaryLogger = datacollectionpkg.NewTracingBoundaryLogger
	NewMemoryCollector       = datacollectionpkg.NewMemoryCollector
	NewMemoryBackend         = persistence.NewMemoryBackend
	DefaultRetryPolicy       = persistence.DefaultRetryPolicy
	RetryPolicyFromConfig    = runtimepkg.RetryPolicy
	OpenBackend              = runtimepkg.OpenBackend
	OpenRedis                = runtimepkg.OpenRedis
	DefaultErrorClassifier   = schedulerpkg.DefaultErrorClassifier

	DefaultTransportFactory  = transportpkg.DefaultFactory
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	GetCapabilities          = newtransport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrCommandRequired       = errspkg.ErrCommandRequired
	ErrChannelRequired       = errspkg.ErrChannelRequired
	ErrSenderRequired        = errspkg.ErrSenderRequired
	ErrUnknownChannel        = errspkg.ErrUnknownChannel
	ErrUnknownPartition      = errspkg.ErrUnknownPartition
	ErrChannelDirection      = errspkg.ErrChannelDirection
	ErrPayloadDispatched     = errspkg.ErrPayloadDispatched
	ErrPayloadTooLarge       = errspkg.ErrPayloadTooLarge
	ErrAlreadyStarted        = errspkg.ErrAlreadyStarted
	ErrShutdown              = errspkg.ErrShutdown
	ErrDuplicateRegistration = errspkg.ErrDuplicateRegistration
	ErrUnresolved            = commandpkg.ErrUnresolved
	ErrRequestTimedOut       = commandpkg.ErrRequestTimedOut
	ErrInvalidPayload        = commandpkg.ErrInvalidPayload

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Metadata keys understood by the runtime.
const (
	MetadataKeyResponseChannel = metadatapkg.KeyResponseChannel
	MetadataKeyResponseType    = metadatapkg.KeyResponseType
	MetadataKeyResponseAction  = metadatapkg.KeyResponseAction
	MetadataKeyMessageType     = metadatapkg.KeyMessageType
	MetadataKeyAction          = metadatapkg.KeyAction
	MetadataKeyPriority        = metadatapkg.KeyPriority
	MetadataKeyCorrelationID   = metadatapkg.KeyCorrelationID
	MetadataKeyOriginator      = metadatapkg.KeyOriginator
	MetadataKeyContentType     = metadatapkg.KeyContentType
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = schedulerpkg.ErrorCategoryNone
	ErrorCategoryValidation = schedulerpkg.ErrorCategoryValidation
	ErrorCategoryTransport  = schedulerpkg.ErrorCategoryTransport
	ErrorCategoryDownstream = schedulerpkg.ErrorCategoryDownstream
	ErrorCategoryTimeout    = schedulerpkg.ErrorCategoryTimeout
	ErrorCategoryOther      = schedulerpkg.ErrorCategoryOther
)

// JSONCommand adapts a typed handler to a Command that decodes JSON request
// bodies and encodes the result as the reply.
func JSONCommand[In any, Out any](logger ServiceLogger, fn TypedHandler[In, Out]) (Command, error) {
	return commandpkg.JSON(logger, fn)
}

// TypedCommand is JSONCommand with an explicit serializer.
func TypedCommand[In any, Out any](s Serializer, logger ServiceLogger, fn TypedHandler[In, Out]) (Command, error) {
	return commandpkg.Typed(s, logger, fn)
}

// NewPersistenceHandler builds a persistence handler that is not bound to a
// channel; call its methods directly or register it later.
func NewPersistenceHandler[K comparable, E any](opts PersistenceOptions[K, E]) (*PersistenceHandler[K, E], error) {
	return persistence.NewHandler(opts)
}

// RegisterPersistence registers a persistence handler for an entity type on
// channelID.
func RegisterPersistence[K comparable, E any](svc *Microservice, channelID string, opts PersistenceOptions[K, E]) (*PersistenceHandler[K, E], error) {
	return runtimepkg.RegisterPersistence(svc, channelID, opts)
}

// NewPersistenceClient reaches a persistence handler through initiator.
func NewPersistenceClient[K comparable, E any](svc *Microservice, initiator *Initiator, channelID, entityType string) (*PersistenceClient[K, E], error) {
	return runtimepkg.NewPersistenceClient[K, E](svc, initiator, channelID, entityType)
}

// NewCache builds a Redis entity cache scoped to the service and entity type.
func NewCache[K comparable, E any](svc *Microservice, client redis.UniversalClient, entityType string) (*persistence.RedisCache[K, E], error) {
	return runtimepkg.NewCache[K, E](svc, client, entityType)
}

// Run builds a Microservice from the config file at path and runs it until
// ctx ends. setup registers commands before the service starts.
func Run(ctx context.Context, path string, logger ServiceLogger, deps Dependencies, setup func(*Microservice) error) error {
	conf, err := configpkg.Load(path)
	if err != nil {
		return err
	}
	svc, err := runtimepkg.New(conf, logger, deps)
	if err != nil {
		return err
	}
	if setup != nil {
		if err := setup(svc); err != nil {
			return err
		}
	}
	return svc.Run(ctx)
}
