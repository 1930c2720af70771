package errors

import sterrors "errors"

var (
	ErrConfigRequired        = sterrors.New("taskflow: configuration is required")
	ErrLoggerRequired        = sterrors.New("taskflow: logger is required")
	ErrCommandRequired       = sterrors.New("taskflow: command is required")
	ErrChannelRequired       = sterrors.New("taskflow: channel id is required")
	ErrProfileRequired       = sterrors.New("taskflow: resource profile is required")
	ErrUnknownProfile        = sterrors.New("taskflow: unknown resource profile")
	ErrSenderRequired        = sterrors.New("taskflow: sender is required")
	ErrListenerRequired      = sterrors.New("taskflow: listener is required")
	ErrBackendRequired       = sterrors.New("taskflow: storage backend is required")
	ErrSerializerRequired    = sterrors.New("taskflow: serializer is required")
	ErrCollectorRequired     = sterrors.New("taskflow: data collector is required")
	ErrPayloadRequired       = sterrors.New("taskflow: payload is required")
	ErrDuplicateRegistration = sterrors.New("taskflow: duplicate registration")
	ErrUnknownPartition      = sterrors.New("taskflow: unknown priority partition")
	ErrUnknownChannel        = sterrors.New("taskflow: unknown channel")
	ErrChannelDirection      = sterrors.New("taskflow: operation not valid for channel direction")
	ErrPayloadDispatched     = sterrors.New("taskflow: payload already dispatched")
	ErrAlreadyStarted        = sterrors.New("taskflow: microservice already started")
	ErrNotStarted            = sterrors.New("taskflow: microservice not started")
	ErrPayloadTooLarge       = sterrors.New("taskflow: payload exceeds transport message size")
	ErrShutdown              = sterrors.New("taskflow: microservice stopped before the payload ran")
)

// ConfigValidationError marks an error raised while validating configuration
// before the microservice starts.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "taskflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
