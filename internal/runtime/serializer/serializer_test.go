package serializer

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
)

type order struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

func TestJSONDecodeValueAndPointer(t *testing.T) {
	s := JSON()
	data, err := s.Serialize(order{ID: "o-1", Total: 42})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	byValue, err := Decode[order](s, data)
	if err != nil || byValue.ID != "o-1" || byValue.Total != 42 {
		t.Fatalf("decode by value: %+v %v", byValue, err)
	}
	byPointer, err := Decode[*order](s, data)
	if err != nil || byPointer == nil || byPointer.Total != 42 {
		t.Fatalf("decode by pointer: %+v %v", byPointer, err)
	}
	if _, err := Decode[order](s, []byte("{")); err == nil {
		t.Fatal("expected malformed JSON to fail")
	}
	if _, err := Decode[order](nil, data); !errors.Is(err, errspkg.ErrSerializerRequired) {
		t.Fatalf("expected ErrSerializerRequired, got %v", err)
	}
}

func TestProtoSerializers(t *testing.T) {
	msg, err := structpb.NewStruct(map[string]any{"name": "widget"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}

	for _, s := range []Serializer{Proto(), ProtoJSON()} {
		data, err := s.Serialize(msg)
		if err != nil {
			t.Fatalf("%s serialize: %v", s.ContentType(), err)
		}
		decoded, err := Decode[*structpb.Struct](s, data)
		if err != nil {
			t.Fatalf("%s decode: %v", s.ContentType(), err)
		}
		if decoded.GetFields()["name"].GetStringValue() != "widget" {
			t.Fatalf("%s: unexpected payload %v", s.ContentType(), decoded)
		}
		if _, err := s.Serialize(order{}); !errors.Is(err, ErrNotProtoMessage) {
			t.Fatalf("%s: expected ErrNotProtoMessage, got %v", s.ContentType(), err)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Default().ContentType() != ContentTypeJSON {
		t.Fatal("expected JSON to be the default serializer")
	}
	if err := r.Register(JSON()); !errors.Is(err, errspkg.ErrDuplicateRegistration) {
		t.Fatalf("expected duplicate registration, got %v", err)
	}
	if err := r.Register(nil); !errors.Is(err, errspkg.ErrSerializerRequired) {
		t.Fatalf("expected ErrSerializerRequired, got %v", err)
	}
	if err := r.Register(Proto()); err != nil {
		t.Fatalf("register proto: %v", err)
	}

	s, err := r.Resolve(ContentTypeProtobuf)
	if err != nil || s.ContentType() != ContentTypeProtobuf {
		t.Fatalf("resolve proto: %v %v", s, err)
	}
	s, err = r.Resolve("text/csv")
	if err != nil || s.ContentType() != ContentTypeJSON {
		t.Fatalf("expected fallback to JSON, got %v %v", s, err)
	}

	if err := r.SetDefault(ContentTypeProtobuf); err != nil {
		t.Fatalf("set default: %v", err)
	}
	if r.Default().ContentType() != ContentTypeProtobuf {
		t.Fatal("expected default to switch")
	}
	if err := r.SetDefault("text/csv"); err == nil {
		t.Fatal("expected unknown default to fail")
	}
	if got := r.ContentTypes(); len(got) != 2 || got[0] != ContentTypeJSON {
		t.Fatalf("unexpected content types %v", got)
	}

	r.Clear()
	if _, err := r.Resolve(ContentTypeJSON); !errors.Is(err, errspkg.ErrSerializerRequired) {
		t.Fatalf("expected empty registry to fail, got %v", err)
	}
}
