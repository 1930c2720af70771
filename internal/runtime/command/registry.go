package command

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
	resourcepkg "github.com/drblury/taskflow/internal/runtime/resource"
)

// ErrUnresolved matches every *UnresolvedError.
var ErrUnresolved = errors.New("taskflow: payload could not be resolved to a command")

// Reason explains why a payload was not resolved.
type Reason int

const (
	NoMatchingCommand Reason = iota + 1
	NoMatchingChannel
	ChannelNotListening
)

func (r Reason) String() string {
	switch r {
	case NoMatchingCommand:
		return "no matching command"
	case NoMatchingChannel:
		return "no matching channel"
	case ChannelNotListening:
		return "channel not listening"
	default:
		return "unknown"
	}
}

// UnresolvedError is returned by Resolve when no command accepts a payload.
type UnresolvedError struct {
	Reason      Reason
	ChannelID   string
	MessageType string
	Action      string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("taskflow: %s for channel=%s type=%s action=%s", e.Reason, e.ChannelID, e.MessageType, e.Action)
}

func (e *UnresolvedError) Is(target error) bool { return target == ErrUnresolved }

// Registration describes a command to add to a Registry.
type Registration struct {
	Key Key
	// Name labels the command in statistics and logs. Defaults to Key.String().
	Name     string
	Command  Command
	Profiles []*resourcepkg.Profile
}

// Entry is a resolved command. Command is the middleware-wrapped command
// once the registry is frozen.
type Entry struct {
	Key      Key
	Name     string
	Command  Command
	Profiles []*resourcepkg.Profile
}

// Registry holds command registrations for a single microservice. It is
// mutable until Freeze, after which Resolve is a pure lookup.
type Registry struct {
	mu         sync.RWMutex
	entries    map[Key]*Entry
	order      []Key
	channels   map[string]bool
	middleware []Middleware
	problems   []error
	frozen     bool
}

func NewRegistry() *Registry {
	return &Registry{
		entries:  map[Key]*Entry{},
		channels: map[string]bool{},
	}
}

// Use appends middleware. The first middleware added runs outermost.
func (r *Registry) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range mw {
		if m != nil {
			r.middleware = append(r.middleware, m)
		}
	}
}

// BindChannel tells the registry that channel id exists. listening is true
// for incoming channels.
func (r *Registry) BindChannel(id string, listening bool) {
	r.mu.Lock()
	r.channels[id] = listening
	r.mu.Unlock()
}

// Register adds a command. Problems are returned and also kept so that
// Freeze fails even when the caller ignored the error.
func (r *Registry) Register(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.registerLocked(reg)
	if err != nil {
		r.problems = append(r.problems, err)
	}
	return err
}

func (r *Registry) registerLocked(reg Registration) error {
	if r.frozen {
		return fmt.Errorf("command %s: %w", reg.Key, errspkg.ErrAlreadyStarted)
	}
	key := NewKey(reg.Key.ChannelID, reg.Key.MessageType, reg.Key.Action)
	if err := key.validate(); err != nil {
		return err
	}
	if reg.Command == nil {
		return fmt.Errorf("command %s: %w", key, errspkg.ErrCommandRequired)
	}
	if slices.Contains(reg.Profiles, nil) {
		return fmt.Errorf("command %s: %w", key, errspkg.ErrProfileRequired)
	}
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("command %s: %w", key, errspkg.ErrDuplicateRegistration)
	}

	name := reg.Name
	if name == "" {
		name = key.String()
	}
	r.entries[key] = &Entry{
		Key:      key,
		Name:     name,
		Command:  reg.Command,
		Profiles: slices.Clone(reg.Profiles),
	}
	r.order = append(r.order, key)
	return nil
}

// Freeze validates the registrations, wraps every command in the middleware
// chain and makes the registry read-only. Calling it again is a no-op.
func (r *Registry) Freeze() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return nil
	}

	errs := slices.Clone(r.problems)
	for _, key := range r.order {
		listening, ok := r.channels[key.ChannelID]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("command %s: %w", key, errspkg.ErrUnknownChannel))
		case !listening:
			errs = append(errs, fmt.Errorf("command %s: %w", key, errspkg.ErrChannelDirection))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	for _, key := range r.order {
		entry := r.entries[key]
		for i := len(r.middleware) - 1; i >= 0; i-- {
			entry.Command = r.middleware[i](entry.Command)
		}
	}
	r.frozen = true
	return nil
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Resolve finds the command for a payload on channelID.
func (r *Registry) Resolve(channelID, messageType, action string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	unresolved := func(reason Reason) error {
		return &UnresolvedError{Reason: reason, ChannelID: channelID, MessageType: messageType, Action: action}
	}

	listening, ok := r.channels[channelID]
	if !ok {
		return nil, unresolved(NoMatchingChannel)
	}
	if !listening {
		return nil, unresolved(ChannelNotListening)
	}

	candidates := []Key{
		{ChannelID: channelID, MessageType: messageType, Action: action},
		{ChannelID: channelID, MessageType: messageType, Action: Wildcard},
		{ChannelID: channelID, MessageType: Wildcard, Action: Wildcard},
	}
	for _, key := range candidates {
		if entry, ok := r.entries[key]; ok {
			return entry, nil
		}
	}
	return nil, unresolved(NoMatchingCommand)
}

// Entries returns the registrations in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, *r.entries[key])
	}
	return out
}
