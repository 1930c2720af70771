package command

import (
	"context"
	"errors"
	"testing"

	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	payloadpkg "github.com/drblury/taskflow/internal/runtime/payload"
	resourcepkg "github.com/drblury/taskflow/internal/runtime/resource"
)

func named(name string) Command {
	return HandlerFunc(func(context.Context, *payloadpkg.Payload) ([]*payloadpkg.Payload, error) {
		return []*payloadpkg.Payload{payloadpkg.MustNew(payloadpkg.Options{ChannelID: "out", Action: name})}, nil
	})
}

func executedBy(t *testing.T, entry *Entry) string {
	t.Helper()
	out, err := entry.Command.Execute(context.Background(), payloadpkg.MustNew(payloadpkg.Options{ChannelID: "in"}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return out[0].Action()
}

func TestResolvePrefersMostSpecificKey(t *testing.T) {
	r := NewRegistry()
	r.BindChannel("orders", true)
	for _, reg := range []Registration{
		{Key: NewKey("orders", "order", "create"), Command: named("exact")},
		{Key: NewKey("orders", "order", ""), Command: named("type")},
		{Key: NewKey("orders", "", ""), Command: named("channel")},
	} {
		if err := r.Register(reg); err != nil {
			t.Fatalf("register %s: %v", reg.Key, err)
		}
	}
	if err := r.Freeze(); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	cases := []struct {
		messageType, action, want string
	}{
		{"order", "create", "exact"},
		{"order", "cancel", "type"},
		{"invoice", "create", "channel"},
	}
	for _, tc := range cases {
		entry, err := r.Resolve("orders", tc.messageType, tc.action)
		if err != nil {
			t.Fatalf("resolve %s/%s: %v", tc.messageType, tc.action, err)
		}
		if got := executedBy(t, entry); got != tc.want {
			t.Fatalf("resolve %s/%s: got %s want %s", tc.messageType, tc.action, got, tc.want)
		}
	}
}

func TestResolveReportsReasons(t *testing.T) {
	r := NewRegistry()
	r.BindChannel("orders", true)
	r.BindChannel("replies", false)
	_ = r.Register(Registration{Key: NewKey("orders", "order", "create"), Command: named("x")})
	if err := r.Freeze(); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	cases := []struct {
		channel string
		want    Reason
	}{
		{"missing", NoMatchingChannel},
		{"replies", ChannelNotListening},
		{"orders", NoMatchingCommand},
	}
	for _, tc := range cases {
		_, err := r.Resolve(tc.channel, "order", "delete")
		var unresolved *UnresolvedError
		if !errors.As(err, &unresolved) || unresolved.Reason != tc.want {
			t.Fatalf("channel %s: expected %s, got %v", tc.channel, tc.want, err)
		}
		if !errors.Is(err, ErrUnresolved) {
			t.Fatalf("expected ErrUnresolved to match %v", err)
		}
	}
}

func TestFreezeSurfacesRegistrationProblems(t *testing.T) {
	r := NewRegistry()
	r.BindChannel("orders", true)
	r.BindChannel("replies", false)

	key := NewKey("orders", "order", "create")
	if err := r.Register(Registration{Key: key, Command: named("a")}); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := r.Register(Registration{Key: key, Command: named("b")}); !errors.Is(err, errspkg.ErrDuplicateRegistration) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	_ = r.Register(Registration{Key: NewKey("orders", "x", "y")})
	_ = r.Register(Registration{Key: NewKey("orders", "", "create"), Command: named("c")})
	_ = r.Register(Registration{Key: NewKey("orders", "p", "q"), Command: named("d"), Profiles: []*resourcepkg.Profile{nil}})
	_ = r.Register(Registration{Key: NewKey("replies", "", ""), Command: named("e")})
	_ = r.Register(Registration{Key: NewKey("ghost", "", ""), Command: named("f")})

	err := r.Freeze()
	for _, want := range []error{
		errspkg.ErrDuplicateRegistration,
		errspkg.ErrCommandRequired,
		errspkg.ErrProfileRequired,
		errspkg.ErrChannelDirection,
		errspkg.ErrUnknownChannel,
	} {
		if !errors.Is(err, want) {
			t.Fatalf("expected %v in %v", want, err)
		}
	}
	if r.Frozen() {
		t.Fatal("registry must stay unfrozen after a failed freeze")
	}
}

func TestFreezeAppliesMiddlewareInOrder(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next Command) Command {
			return HandlerFunc(func(ctx context.Context, p *payloadpkg.Payload) ([]*payloadpkg.Payload, error) {
				order = append(order, name)
				return next.Execute(ctx, p)
			})
		}
	}

	r := NewRegistry()
	r.BindChannel("orders", true)
	r.Use(trace("outer"), nil, trace("inner"))
	_ = r.Register(Registration{Key: NewKey("orders", "", ""), Name: "catch-all", Command: named("x")})
	if err := r.Freeze(); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := r.Freeze(); err != nil {
		t.Fatalf("second freeze: %v", err)
	}
	if err := r.Register(Registration{Key: NewKey("orders", "a", "b"), Command: named("y")}); !errors.Is(err, errspkg.ErrAlreadyStarted) {
		t.Fatalf("expected late registration to fail, got %v", err)
	}

	entry, _ := r.Resolve("orders", "a", "b")
	executedBy(t, entry)
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("unexpected middleware order %v", order)
	}
	if entries := r.Entries(); len(entries) != 1 || entries[0].Name != "catch-all" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
