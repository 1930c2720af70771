// Package serializer converts entities and command bodies to and from bytes.
package serializer

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/taskflow/internal/runtime/jsoncodec"
)

// Content types understood by the built-in serializers.
const (
	ContentTypeJSON      = "application/json"
	ContentTypeProtobuf  = "application/x-protobuf"
	ContentTypeProtoJSON = "application/protobuf+json"
)

// Serializer converts values to bytes and back.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
	ContentType() string
}

// ErrNotProtoMessage is returned by the protobuf serializers for values that
// do not implement proto.Message.
var ErrNotProtoMessage = errors.New("taskflow: value is not a proto.Message")

type jsonSerializer struct{}

// JSON returns the sonic backed JSON serializer.
func JSON() Serializer { return jsonSerializer{} }

func (jsonSerializer) Serialize(v any) ([]byte, error) { return jsoncodec.Marshal(v) }

func (jsonSerializer) Deserialize(data []byte, v any) error {
	if err := jsoncodec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON payload: %w", err)
	}
	return nil
}

func (jsonSerializer) ContentType() string { return ContentTypeJSON }

type protoSerializer struct{}

// Proto returns the binary protobuf serializer.
func Proto() Serializer { return protoSerializer{} }

func (protoSerializer) Serialize(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%T: %w", v, ErrNotProtoMessage)
	}
	return proto.Marshal(msg)
}

func (protoSerializer) Deserialize(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%T: %w", v, ErrNotProtoMessage)
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("failed to unmarshal %T payload: %w", v, err)
	}
	return nil
}

func (protoSerializer) ContentType() string { return ContentTypeProtobuf }

type protoJSONSerializer struct{}

// ProtoJSON returns the protojson serializer.
func ProtoJSON() Serializer { return protoJSONSerializer{} }

func (protoJSONSerializer) Serialize(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%T: %w", v, ErrNotProtoMessage)
	}
	return protojson.Marshal(msg)
}

func (protoJSONSerializer) Deserialize(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%T: %w", v, ErrNotProtoMessage)
	}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("failed to unmarshal %T payload: %w", v, err)
	}
	return nil
}

func (protoJSONSerializer) ContentType() string { return ContentTypeProtoJSON }

// Decode deserializes data into a fresh T. Pointer types are allocated so
// protobuf messages decode in place.
func Decode[T any](s Serializer, data []byte) (T, error) {
	var zero T
	if s == nil {
		return zero, errspkg.ErrSerializerRequired
	}
	typ := reflect.TypeOf(zero)
	if typ != nil && typ.Kind() == reflect.Pointer {
		typed := reflect.New(typ.Elem()).Interface().(T)
		if err := s.Deserialize(data, typed); err != nil {
			return zero, err
		}
		return typed, nil
	}
	if err := s.Deserialize(data, &zero); err != nil {
		var empty T
		return empty, err
	}
	return zero, nil
}

// Registry maps content types to serializers. The first serializer
// registered becomes the default unless SetDefault says otherwise.
type Registry struct {
	mu          sync.RWMutex
	serializers map[string]Serializer
	fallback    string
}

// NewRegistry returns a registry preloaded with the JSON serializer.
func NewRegistry() *Registry {
	r := &Registry{serializers: map[string]Serializer{}}
	_ = r.Register(JSON())
	return r
}

// Register adds s. A second serializer for the same content type is rejected.
func (r *Registry) Register(s Serializer) error {
	if s == nil || isNil(s) {
		return errspkg.ErrSerializerRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ct := s.ContentType()
	if _, exists := r.serializers[ct]; exists {
		return fmt.Errorf("serializer %q: %w", ct, errspkg.ErrDuplicateRegistration)
	}
	r.serializers[ct] = s
	if r.fallback == "" {
		r.fallback = ct
	}
	return nil
}

// SetDefault selects the serializer used when no content type matches.
func (r *Registry) SetDefault(contentType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.serializers[contentType]; !ok {
		return fmt.Errorf("serializer %q: %w", contentType, errspkg.ErrSerializerRequired)
	}
	r.fallback = contentType
	return nil
}

// Clear removes every registered serializer.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.serializers = map[string]Serializer{}
	r.fallback = ""
	r.mu.Unlock()
}

func (r *Registry) Get(contentType string) (Serializer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.serializers[contentType]
	return s, ok
}

// Default returns the fallback serializer, or nil when the registry is empty.
func (r *Registry) Default() Serializer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.serializers[r.fallback]
}

// Resolve picks the serializer for contentType, falling back to the default.
func (r *Registry) Resolve(contentType string) (Serializer, error) {
	if s, ok := r.Get(contentType); ok {
		return s, nil
	}
	if s := r.Default(); s != nil {
		return s, nil
	}
	return nil, errspkg.ErrSerializerRequired
}

// ContentTypes lists registered content types in sorted order.
func (r *Registry) ContentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.serializers))
	for ct := range r.serializers {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}

func isNil(v any) bool {
	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
