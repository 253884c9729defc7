package classify

import (
	"testing"
	"time"

	"notifyd/internal/kit"
)

// Wednesday 10:00 UTC, inside business hours.
var businessHours = time.Date(2026, time.January, 7, 10, 0, 0, 0, time.UTC)

func newFrozen(t *testing.T, at time.Time) *Service {
	t.Helper()
	s := New(time.UTC)
	s.SetClock(func() time.Time { return at })
	return s
}

func TestClassifyTiers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		at   time.Time
		d    kit.Draft
		p    *kit.Principal
		want kit.Tier
	}{
		{
			name: "system down with critical signals is P0",
			at:   businessHours,
			d: kit.Draft{
				EventType: "system_down",
				Title:     "Production outage",
				Message:   "Primary region is down",
				Severity:  kit.SevCritical,
			},
			want: kit.TierP0,
		},
		{
			name: "keyword pileup alone reaches P0",
			at:   businessHours,
			d: kit.Draft{
				EventType: "unknown_event",
				Title:     "down outage breach",
				Message:   "critical emergency",
			},
			want: kit.TierP0,
		},
		{
			name: "payment pending lands P1 at the 60 boundary in business hours",
			at:   businessHours,
			d: kit.Draft{
				EventType: "payment_pending",
				Title:     "Invoice 123",
				Message:   "Awaiting settlement",
			},
			want: kit.TierP1,
		},
		{
			name: "same event on a weeknight drops to P2",
			at:   time.Date(2026, time.January, 7, 23, 0, 0, 0, time.UTC),
			d: kit.Draft{
				EventType: "payment_pending",
				Title:     "Invoice 123",
				Message:   "Awaiting settlement",
			},
			want: kit.TierP2,
		},
		{
			name: "order stuck in extended hours is P1",
			at:   time.Date(2026, time.January, 7, 8, 0, 0, 0, time.UTC),
			d: kit.Draft{
				EventType: "order_stuck",
				Title:     "Order 42",
				Message:   "No movement",
			},
			want: kit.TierP1,
		},
		{
			name: "order created is P3",
			at:   time.Date(2026, time.January, 7, 8, 0, 0, 0, time.UTC),
			d: kit.Draft{
				EventType: "order_created",
				Title:     "Order 43",
				Message:   "Thanks",
			},
			want: kit.TierP3,
		},
		{
			name: "newsletter is P4",
			at:   businessHours,
			d: kit.Draft{
				EventType: "newsletter",
				Title:     "This month",
				Message:   "News",
			},
			want: kit.TierP4,
		},
		{
			name: "enterprise tenant lifts the same event",
			at:   time.Date(2026, time.January, 7, 8, 0, 0, 0, time.UTC),
			d: kit.Draft{
				EventType: "payment_pending",
				Title:     "Invoice 123",
				Message:   "Awaiting settlement",
			},
			p:    &kit.Principal{TenantTier: "enterprise"},
			want: kit.TierP1, // 50 * 1.2 = 60
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newFrozen(t, tc.at)
			got := s.Classify(tc.d, tc.p)
			if got.Tier != tc.want {
				t.Fatalf("Classify() = %s (score %.1f), want %s", got.Tier, got.Score, tc.want)
			}
		})
	}
}

func TestClassifyScoreComposition(t *testing.T) {
	t.Parallel()
	s := newFrozen(t, businessHours)

	d := kit.Draft{
		EventType: "payment_pending",
		Title:     "Invoice 123",
		Message:   "Awaiting settlement",
	}
	got := s.Classify(d, nil)
	if got.Base != 50 {
		t.Fatalf("Base = %.1f, want 50", got.Base)
	}
	if got.Multiplier != 1.2 {
		t.Fatalf("Multiplier = %.2f, want 1.2", got.Multiplier)
	}
	if got.Score != 60 {
		t.Fatalf("Score = %.1f, want 60", got.Score)
	}
}

func TestClassifyScoreClamped(t *testing.T) {
	t.Parallel()
	s := newFrozen(t, businessHours)

	d := kit.Draft{
		EventType: "system_down",
		Title:     "down outage breach critical emergency",
		Message:   "data loss",
		Severity:  kit.SevCritical,
		Payload:   map[string]any{"urgent": true, "emergency": true, "business_impact": "critical"},
	}
	got := s.Classify(d, &kit.Principal{TenantTier: "enterprise", Kind: kit.KindPlatformAdmin})
	if got.Score != 100 {
		t.Fatalf("Score = %.1f, want clamp at 100", got.Score)
	}
	if got.Tier != kit.TierP0 {
		t.Fatalf("Tier = %s, want P0", got.Tier)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	t.Parallel()
	s := newFrozen(t, businessHours)

	d := kit.Draft{
		EventType: "quota_warning",
		Title:     "Storage at 90%",
		Message:   "Consider upgrading",
		Payload:   map[string]any{"impact": "high"},
	}
	p := &kit.Principal{Kind: kit.KindTenantAdmin, TenantTier: "premium"}

	first := s.Classify(d, p)
	for i := 0; i < 10; i++ {
		if got := s.Classify(d, p); got != first {
			t.Fatalf("run %d: %+v != %+v", i, got, first)
		}
	}
}

func TestKeywordScoreCapped(t *testing.T) {
	t.Parallel()
	got := keywordScore("down outage breach critical emergency data loss failed urgent")
	if got != keywordCap {
		t.Fatalf("keywordScore = %.1f, want cap %v", got, float64(keywordCap))
	}
}

func TestTimeOfDayFactor(t *testing.T) {
	t.Parallel()
	s := New(time.UTC)

	tests := []struct {
		at   time.Time
		want float64
	}{
		{time.Date(2026, time.January, 7, 10, 0, 0, 0, time.UTC), 1.2},  // weekday business
		{time.Date(2026, time.January, 7, 18, 0, 0, 0, time.UTC), 1.0},  // weekday extended
		{time.Date(2026, time.January, 7, 23, 0, 0, 0, time.UTC), 0.85}, // weekday night
		{time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC), 0.9}, // saturday day
		{time.Date(2026, time.January, 10, 23, 0, 0, 0, time.UTC), 0.8}, // saturday night
	}
	for _, tc := range tests {
		if got := s.timeOfDayFactor(tc.at); got != tc.want {
			t.Errorf("timeOfDayFactor(%s) = %.2f, want %.2f", tc.at, got, tc.want)
		}
	}
}
