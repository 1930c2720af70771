package resource

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/time/rate"

	errspkg "github.com/drblury/taskflow/internal/runtime/errors"
)

func mustProfile(t *testing.T, name string, limit int64, opts ...Option) *Profile {
	t.Helper()
	p, err := NewProfile(name, limit, opts...)
	if err != nil {
		t.Fatalf("NewProfile(%q) failed: %v", name, err)
	}
	return p
}

func TestNewProfileValidation(t *testing.T) {
	if _, err := NewProfile("", 1); !errors.Is(err, errspkg.ErrProfileRequired) {
		t.Fatalf("expected ErrProfileRequired, got %v", err)
	}
	if _, err := NewProfile("db", -1); err == nil {
		t.Fatal("expected negative limit to fail")
	}
}

func TestTryClaimRefusesBeyondLimit(t *testing.T) {
	p := mustProfile(t, "db", 2)

	if !p.TryClaim() || !p.TryClaim() {
		t.Fatal("expected first two claims to succeed")
	}
	if p.TryClaim() {
		t.Fatal("expected third claim to be refused")
	}
	if p.Available() != 0 || p.Outstanding() != 2 {
		t.Fatalf("unexpected accounting: available=%d outstanding=%d", p.Available(), p.Outstanding())
	}

	p.Release()
	if p.Available() != 1 {
		t.Fatalf("expected one slot after release, got %d", p.Available())
	}

	p.Release()
	p.Release()
	if p.Outstanding() != 0 {
		t.Fatalf("expected outstanding to stay at zero, got %d", p.Outstanding())
	}

	stats := p.Stats()
	if stats.Claims != 2 || stats.Rejections != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestUnlimitedProfile(t *testing.T) {
	p := mustProfile(t, "free", 0)
	for i := 0; i < 100; i++ {
		if !p.TryClaim() {
			t.Fatal("expected unlimited profile to accept claims")
		}
	}
	if p.Available() != math.MaxInt64 {
		t.Fatalf("expected unlimited availability, got %d", p.Available())
	}
}

func TestConcurrentClaimsNeverExceedLimit(t *testing.T) {
	const limit = 5
	p := mustProfile(t, "shared", limit)

	var (
		wg      sync.WaitGroup
		peak    atomic.Int64
		current atomic.Int64
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if !p.TryClaim() {
					continue
				}
				now := current.Add(1)
				for {
					old := peak.Load()
					if now <= old || peak.CompareAndSwap(old, now) {
						break
					}
				}
				current.Add(-1)
				p.Release()
			}
		}()
	}
	wg.Wait()

	if peak.Load() > limit {
		t.Fatalf("observed %d concurrent claims, limit %d", peak.Load(), limit)
	}
	if p.Outstanding() != 0 {
		t.Fatalf("expected every claim to be released, outstanding=%d", p.Outstanding())
	}
}

func TestRateLimitedProfile(t *testing.T) {
	p := mustProfile(t, "api", 0, WithRate(rate.Limit(0.001), 1))

	if !p.TryClaim() {
		t.Fatal("expected burst token to be granted")
	}
	if p.TryClaim() {
		t.Fatal("expected empty bucket to refuse")
	}
	if p.Outstanding() != 1 {
		t.Fatalf("expected refused rate claim to roll back, outstanding=%d", p.Outstanding())
	}
}

func TestClaimAllIsAllOrNothing(t *testing.T) {
	a := mustProfile(t, "a", 1)
	b := mustProfile(t, "b", 1)
	if !b.TryClaim() {
		t.Fatal("expected to pre-fill b")
	}

	claim, blocked := ClaimAll(a, b)
	if claim != nil || blocked != b {
		t.Fatalf("expected b to block, got claim=%v blocked=%v", claim, blocked)
	}
	if a.Outstanding() != 0 {
		t.Fatalf("expected a to be rolled back, outstanding=%d", a.Outstanding())
	}

	b.Release()
	claim, blocked = ClaimAll(a, b, a, nil)
	if blocked != nil {
		t.Fatalf("expected claim to succeed, blocked by %s", blocked.Name())
	}
	if a.Outstanding() != 1 {
		t.Fatalf("expected duplicate profile to be claimed once, outstanding=%d", a.Outstanding())
	}
	if got := claim.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected claim names: %v", got)
	}

	if !claim.Release() {
		t.Fatal("expected first release to succeed")
	}
	if claim.Release() {
		t.Fatal("expected second release to be ignored")
	}
	if a.Outstanding() != 0 || b.Outstanding() != 0 {
		t.Fatal("expected capacity to be released exactly once")
	}
}

func TestClaimAllRollbackKeepsRateToken(t *testing.T) {
	limited := mustProfile(t, "api", 0, WithRate(rate.Limit(0.001), 1))
	full := mustProfile(t, "db", 1)
	if !full.TryClaim() {
		t.Fatal("expected to pre-fill db")
	}

	for range 3 {
		if claim, blocked := ClaimAll(limited, full); claim != nil || blocked != full {
			t.Fatalf("expected db to block, got claim=%v blocked=%v", claim, blocked)
		}
	}
	if got := limited.Stats().Claims; got != 0 {
		t.Fatalf("rolled back claims still counted: %d", got)
	}

	full.Release()
	claim, blocked := ClaimAll(limited, full)
	if blocked != nil {
		t.Fatalf("expected the rate token to survive rollbacks, blocked by %s", blocked.Name())
	}
	claim.Release()
	if limited.TryClaim() {
		t.Fatal("expected the single token to be spent by the successful claim")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	db := mustProfile(t, "db", 1)
	if err := reg.Add(db); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.Add(mustProfile(t, "db", 3)); !errors.Is(err, errspkg.ErrDuplicateRegistration) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := reg.Add(nil); !errors.Is(err, errspkg.ErrProfileRequired) {
		t.Fatalf("expected ErrProfileRequired, got %v", err)
	}
	if err := reg.Add(mustProfile(t, "api", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resolved, err := reg.Resolve("db")
	if err != nil || len(resolved) != 1 || resolved[0] != db {
		t.Fatalf("unexpected resolve result: %v %v", resolved, err)
	}
	if _, err := reg.Resolve("missing"); !errors.Is(err, errspkg.ErrUnknownProfile) {
		t.Fatalf("expected ErrUnknownProfile, got %v", err)
	}

	snap := reg.Snapshot()
	if len(snap) != 2 || snap[0].Name != "api" || snap[1].Name != "db" {
		t.Fatalf("expected sorted snapshot, got %+v", snap)
	}
}
