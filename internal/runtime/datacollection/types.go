package datacollection

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
)

// Level grades logged events.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	}
	return "unknown"
}

// Event is a structured log record.
type Event struct {
	Time          time.Time
	Level         Level
	Message       string
	Err           error
	Originator    string
	ChannelID     string
	PayloadID     string
	CorrelationID string
	Fields        loggingpkg.LogFields
}

// SourceEvent records a state change of an entity, typically written by a
// persistence handler after a successful mutation.
type SourceEvent struct {
	Time          time.Time
	Originator    string
	EntityType    string
	Key           string
	Action        string
	Version       string
	CorrelationID string
	Body          []byte
}

// MetricKind selects how a metric is aggregated.
type MetricKind int

const (
	KindCounter MetricKind = iota
	KindGauge
	KindDuration
)

// Metric is a single telemetry sample. Duration metrics carry seconds.
type Metric struct {
	Time       time.Time
	Originator string
	Name       string
	Kind       MetricKind
	Value      float64
	Labels     map[string]string
}

// BoundaryDirection tells whether a trace was recorded on the way in or out.
type BoundaryDirection string

const (
	BoundaryReceive BoundaryDirection = "receive"
	BoundarySend    BoundaryDirection = "send"
)

// BoundaryTrace describes a payload crossing the transport boundary.
type BoundaryTrace struct {
	Time          time.Time
	Originator    string
	Direction     BoundaryDirection
	Transport     string
	ChannelID     string
	Topic         string
	PayloadID     string
	CorrelationID string
	MessageType   string
	Action        string
	Size          int
	Err           error
}

// Logger receives log events.
type Logger interface {
	Log(ctx context.Context, event Event) error
}

// EventSource receives entity change events.
type EventSource interface {
	Write(ctx context.Context, event SourceEvent) error
}

// Telemetry receives metrics.
type Telemetry interface {
	Emit(ctx context.Context, metric Metric) error
}

// BoundaryLogger receives wire-level traces.
type BoundaryLogger interface {
	BoundaryLog(ctx context.Context, trace BoundaryTrace) error
}

// Processor is implemented by members that buffer work. The scheduler lets
// them flush before each admission tick.
type Processor interface {
	CanProcess() bool
	Process(ctx context.Context) error
}

// OriginatorAware members are stamped with the microservice id on start.
type OriginatorAware interface {
	SetOriginator(id string)
}

// Startable members are started and stopped with the container.
type Startable interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
