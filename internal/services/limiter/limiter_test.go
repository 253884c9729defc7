package limiter

import (
	"errors"
	"testing"
	"time"

	"notifyd/internal/kit"
	"notifyd/pkg/logx"
)

func newFrozen(t *testing.T, cfg Config) (*Service, time.Time) {
	t.Helper()
	at := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	s := New(cfg, logx.Nop())
	s.SetClock(func() time.Time { return at })
	return s, at
}

func TestP0NeverLimited(t *testing.T) {
	t.Parallel()
	s, _ := newFrozen(t, Config{})

	for i := 0; i < 1000; i++ {
		if err := s.CheckAndConsume("alice", kit.TierP0); err != nil {
			t.Fatalf("call %d: P0 limited: %v", i, err)
		}
	}
}

func TestMinuteCapDenies(t *testing.T) {
	t.Parallel()
	s, _ := newFrozen(t, Config{})

	// Default P3 cap is 20/min. Under a frozen clock no tokens refill.
	for i := 0; i < 20; i++ {
		if err := s.CheckAndConsume("bob", kit.TierP3); err != nil {
			t.Fatalf("call %d denied early: %v", i, err)
		}
	}
	err := s.CheckAndConsume("bob", kit.TierP3)
	if err == nil {
		t.Fatal("21st call allowed, want deny")
	}
	if !errors.Is(err, kit.ErrRateLimited) {
		t.Fatalf("error %v does not wrap ErrRateLimited", err)
	}
}

func TestBucketsKeyedByPrincipalAndTier(t *testing.T) {
	t.Parallel()
	s, _ := newFrozen(t, Config{})

	for i := 0; i < 20; i++ {
		if err := s.CheckAndConsume("bob", kit.TierP3); err != nil {
			t.Fatalf("warmup call %d: %v", i, err)
		}
	}
	// bob's P3 bucket is exhausted; a different principal and a different
	// tier both still pass.
	if err := s.CheckAndConsume("carol", kit.TierP3); err != nil {
		t.Fatalf("other principal denied: %v", err)
	}
	if err := s.CheckAndConsume("bob", kit.TierP2); err != nil {
		t.Fatalf("other tier denied: %v", err)
	}
}

func TestApplyOverridesCaps(t *testing.T) {
	t.Parallel()
	s, _ := newFrozen(t, Config{
		PerMinute: map[kit.Tier]int{kit.TierP4: 2},
	})

	if err := s.CheckAndConsume("dave", kit.TierP4); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := s.CheckAndConsume("dave", kit.TierP4); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := s.CheckAndConsume("dave", kit.TierP4); err == nil {
		t.Fatal("third call allowed under cap of 2")
	}
}

func TestRefillAfterWindow(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	s := New(Config{PerMinute: map[kit.Tier]int{kit.TierP4: 2}}, logx.Nop())
	s.SetClock(func() time.Time { return at })

	for i := 0; i < 2; i++ {
		if err := s.CheckAndConsume("erin", kit.TierP4); err != nil {
			t.Fatalf("warmup %d: %v", i, err)
		}
	}
	if err := s.CheckAndConsume("erin", kit.TierP4); err == nil {
		t.Fatal("expected deny before refill")
	}

	at = at.Add(time.Minute)
	if err := s.CheckAndConsume("erin", kit.TierP4); err != nil {
		t.Fatalf("denied after window rolled over: %v", err)
	}
}

func TestPruneDropsIdleBuckets(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	s := New(Config{}, logx.Nop())
	s.SetClock(func() time.Time { return at })

	_ = s.CheckAndConsume("frank", kit.TierP2)
	_ = s.CheckAndConsume("grace", kit.TierP3)

	at = at.Add(3 * time.Hour)
	if got := s.Prune(2 * time.Hour); got != 2 {
		t.Fatalf("Prune() = %d, want 2", got)
	}
	if got := s.Prune(2 * time.Hour); got != 0 {
		t.Fatalf("second Prune() = %d, want 0", got)
	}
}
