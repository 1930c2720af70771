package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrorsArePrefixed(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrConfigRequired", ErrConfigRequired, "taskflow: configuration is required"},
		{"ErrCommandRequired", ErrCommandRequired, "taskflow: command is required"},
		{"ErrDuplicateRegistration", ErrDuplicateRegistration, "taskflow: duplicate registration"},
		{"ErrUnknownPartition", ErrUnknownPartition, "taskflow: unknown priority partition"},
		{"ErrPayloadDispatched", ErrPayloadDispatched, "taskflow: payload already dispatched"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid ceiling")
	err := ConfigValidationError{Err: inner}

	want := "taskflow: invalid configuration: invalid ceiling"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("joined sentinels stay matchable", func(t *testing.T) {
		joined := errors.Join(
			fmt.Errorf("channel %q: %w", "orders", ErrUnknownPartition),
			ErrDuplicateRegistration,
		)
		err := NewConfigValidationError(joined)

		var cfgErr ConfigValidationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigValidationError, got %T", err)
		}
		if !errors.Is(err, ErrUnknownPartition) || !errors.Is(err, ErrDuplicateRegistration) {
			t.Fatalf("expected both sentinels to match, got %v", err)
		}
	})
}
