// Package resource implements named capacity limiters shared by channels,
// commands, listeners and senders.
package resource

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
)

// Profile bounds how many claims may be outstanding at once and, optionally,
// how fast new claims may be granted. A refused claim is never queued.
type Profile struct {
	name    string
	limit   int64
	limiter *rate.Limiter

	outstanding atomic.Int64
	claims      atomic.Uint64
	rejections  atomic.Uint64
}

// Option customises a Profile.
type Option func(*Profile)

// WithRate adds a token bucket on top of the concurrency limit.
func WithRate(limit rate.Limit, burst int) Option {
	return func(p *Profile) {
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(limit, burst)
	}
}

// NewProfile creates a profile. A limit of zero means no concurrency limit.
func NewProfile(name string, limit int64, opts ...Option) (*Profile, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is empty", errspkg.ErrProfileRequired)
	}
	if limit < 0 {
		return nil, fmt.Errorf("taskflow: resource profile %q limit %d must be non-negative", name, limit)
	}
	p := &Profile{name: name, limit: limit}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Profile) Name() string       { return p.name }
func (p *Profile) Limit() int64       { return p.limit }
func (p *Profile) Outstanding() int64 { return p.outstanding.Load() }

// Available reports the remaining concurrency. Unlimited profiles report
// math.MaxInt64.
func (p *Profile) Available() int64 {
	if p.limit == 0 {
		return math.MaxInt64
	}
	if free := p.limit - p.outstanding.Load(); free > 0 {
		return free
	}
	return 0
}

// TryClaim takes one unit of capacity or reports false without side effects.
func (p *Profile) TryClaim() bool {
	_, ok := p.tryClaim()
	return ok
}

// reservation is a rate token taken at a fixed instant. Cancelling at that
// same instant returns the token to the bucket.
type reservation struct {
	res *rate.Reservation
	at  time.Time
}

func (r reservation) cancel() {
	if r.res != nil {
		r.res.CancelAt(r.at)
	}
}

// tryClaim also returns the rate reservation backing the claim, if any, so a
// rolled back claim can hand its token back.
func (p *Profile) tryClaim() (reservation, bool) {
	for {
		current := p.outstanding.Load()
		if p.limit > 0 && current >= p.limit {
			p.rejections.Add(1)
			return reservation{}, false
		}
		if p.outstanding.CompareAndSwap(current, current+1) {
			break
		}
	}
	var r reservation
	if p.limiter != nil {
		r.at = time.Now()
		r.res = p.limiter.ReserveN(r.at, 1)
		if !r.res.OK() || r.res.DelayFrom(r.at) > 0 {
			r.cancel()
			p.decrement()
			p.rejections.Add(1)
			return reservation{}, false
		}
	}
	p.claims.Add(1)
	return r, true
}

// rollback undoes a claim that was never used.
func (p *Profile) rollback(r reservation) {
	r.cancel()
	p.claims.Add(^uint64(0))
	p.decrement()
}

// Release returns one unit of capacity. It never drives the count below zero.
func (p *Profile) Release() {
	p.decrement()
}

func (p *Profile) decrement() {
	for {
		current := p.outstanding.Load()
		if current <= 0 {
			return
		}
		if p.outstanding.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// Stats is a point-in-time view of a profile.
type Stats struct {
	Name        string `json:"name"`
	Limit       int64  `json:"limit"`
	Outstanding int64  `json:"outstanding"`
	Claims      uint64 `json:"claims"`
	Rejections  uint64 `json:"rejections"`
}

func (p *Profile) Stats() Stats {
	return Stats{
		Name:        p.name,
		Limit:       p.limit,
		Outstanding: p.outstanding.Load(),
		Claims:      p.claims.Load(),
		Rejections:  p.rejections.Load(),
	}
}

// Claim is an all-or-nothing hold on several profiles.
type Claim struct {
	profiles []*Profile
	released atomic.Bool
}

// ClaimAll claims every distinct profile or none of them. On refusal it
// returns the profile that blocked admission; the claims already taken are
// rolled back along with their rate tokens.
func ClaimAll(profiles ...*Profile) (*Claim, *Profile) {
	held := make([]*Profile, 0, len(profiles))
	reservations := make([]reservation, 0, len(profiles))
	for _, p := range profiles {
		if p == nil || slices.Contains(held, p) {
			continue
		}
		r, ok := p.tryClaim()
		if !ok {
			for i, h := range held {
				h.rollback(reservations[i])
			}
			return nil, p
		}
		held = append(held, p)
		reservations = append(reservations, r)
	}
	return &Claim{profiles: held}, nil
}

// Release gives the claimed capacity back. Only the first call has an effect.
func (c *Claim) Release() bool {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return false
	}
	for _, p := range c.profiles {
		p.Release()
	}
	return true
}

// Names lists the profiles held by the claim.
func (c *Claim) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.profiles))
	for i, p := range c.profiles {
		names[i] = p.name
	}
	return names
}

// Registry shares profiles by name.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]*Profile)}
}

// Add registers p. Names must be unique.
func (r *Registry) Add(p *Profile) error {
	if p == nil {
		return errspkg.ErrProfileRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.profiles[p.name]; exists {
		return fmt.Errorf("%w: resource profile %q", errspkg.ErrDuplicateRegistration, p.name)
	}
	r.profiles[p.name] = p
	return nil
}

func (r *Registry) Get(name string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

// Resolve maps names onto registered profiles.
func (r *Registry) Resolve(names ...string) ([]*Profile, error) {
	out := make([]*Profile, 0, len(names))
	for _, name := range names {
		p, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownProfile, name)
		}
		out = append(out, p)
	}
	return out, nil
}

// Snapshot returns stats for every profile ordered by name.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p.Stats())
	}
	slices.SortFunc(out, func(a, b Stats) int { return cmp.Compare(a.Name, b.Name) })
	return out
}
