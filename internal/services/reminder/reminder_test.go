package reminder

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"notifyd/internal/directory"
	"notifyd/internal/eventbus"
	"notifyd/internal/kit"
	"notifyd/internal/services/audit"
	"notifyd/internal/services/dispatch"
	"notifyd/internal/services/selector"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []*kit.Notification
	fail bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, n *kit.Notification) dispatch.Result {
	f.mu.Lock()
	f.sent = append(f.sent, n)
	f.mu.Unlock()
	if f.fail {
		return dispatch.Result{Live: 1, Failed: 1}
	}
	return dispatch.Result{Live: 1, Delivered: true}
}

func (f *fakeDispatcher) sentTitles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, n := range f.sent {
		out = append(out, n.Title)
	}
	return out
}

type fixture struct {
	svc   *Service
	store *storage.Store
	disp  *fakeDispatcher
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	dir := directory.NewStatic([]kit.Principal{
		{ID: "alice", Kind: kit.KindCustomer, TenantID: "t1", Active: true},
	})
	disp := &fakeDispatcher{}
	sel := selector.New(kit.QuietHours{}, time.UTC, logx.Nop())

	f := &fixture{
		store: st,
		disp:  disp,
		now:   time.Date(2026, time.June, 1, 10, 0, 0, 0, time.UTC),
	}
	f.svc = New(Config{}, st, disp, sel, dir, audit.New(st, logx.Nop()), logx.Nop(), eventbus.New())
	f.svc.SetClock(func() time.Time { return f.now })
	sel.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) create(t *testing.T, tier kit.Tier, eventType string) *kit.Notification {
	t.Helper()
	n := &kit.Notification{
		ID:        kit.NewID(),
		Recipient: "alice",
		TenantID:  "t1",
		EventType: eventType,
		Title:     "Order 42 stuck",
		Message:   "No movement",
		Tier:      tier,
		CreatedAt: f.now,
		ExpiresAt: f.now.Add(720 * time.Hour),
	}
	f.svc.Plan(n)
	if err := f.store.CreateNotification(context.Background(), n); err != nil {
		t.Fatalf("create: %v", err)
	}
	return n
}

func TestPlanP0NeverScheduled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	n := &kit.Notification{Tier: kit.TierP0}
	f.svc.Plan(n)
	if !n.AckRequired {
		t.Fatal("P0 must require acknowledgement")
	}
	if len(n.Reminders) != 0 {
		t.Fatalf("P0 got %d reminders, want 0", len(n.Reminders))
	}
	if n.AutoAction != "" {
		t.Fatalf("P0 got auto action %q", n.AutoAction)
	}
}

func TestPlanP1Schedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	n := &kit.Notification{Tier: kit.TierP1}
	f.svc.Plan(n)
	if !n.AckRequired {
		t.Fatal("P1 must require acknowledgement")
	}
	if len(n.Reminders) != 3 {
		t.Fatalf("P1 got %d reminders, want 3", len(n.Reminders))
	}
	wantKinds := []kit.ReminderKind{kit.ReminderSoft, kit.ReminderEscalation, kit.ReminderFinal}
	wantOffsets := []time.Duration{15 * time.Minute, time.Hour, 24 * time.Hour}
	for i, r := range n.Reminders {
		if r.Kind != wantKinds[i] {
			t.Fatalf("reminder %d kind = %s, want %s", i, r.Kind, wantKinds[i])
		}
		if want := f.now.Add(wantOffsets[i]); !r.ScheduledAt.Equal(want) {
			t.Fatalf("reminder %d at %v, want %v", i, r.ScheduledAt, want)
		}
	}
	if n.AutoAction != ActionEscalateToAdmin {
		t.Fatalf("auto action = %q, want %q", n.AutoAction, ActionEscalateToAdmin)
	}
}

func TestPlanP2AllowList(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	eligible := &kit.Notification{Tier: kit.TierP2, EventType: "order_stuck"}
	f.svc.Plan(eligible)
	if len(eligible.Reminders) != 2 {
		t.Fatalf("allow-listed P2 got %d reminders, want 2", len(eligible.Reminders))
	}
	if eligible.AutoAction != "" {
		t.Fatalf("P2 got auto action %q", eligible.AutoAction)
	}

	other := &kit.Notification{Tier: kit.TierP2, EventType: "quota_warning"}
	f.svc.Plan(other)
	if len(other.Reminders) != 0 || other.AckRequired {
		t.Fatalf("non-listed P2 scheduled: %+v", other)
	}
}

func TestPlanP3P4FireAndForget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, tier := range []kit.Tier{kit.TierP3, kit.TierP4} {
		n := &kit.Notification{Tier: tier}
		f.svc.Plan(n)
		if n.AckRequired || len(n.Reminders) != 0 {
			t.Fatalf("%s scheduled: %+v", tier, n)
		}
	}
}

func TestSweepSendsDueReminders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	n := f.create(t, kit.TierP1, "order_stuck")

	// Nothing due yet.
	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(f.disp.sentTitles()) != 0 {
		t.Fatalf("premature sends: %v", f.disp.sentTitles())
	}

	// Past the first offset: one soft reminder.
	f.now = f.now.Add(16 * time.Minute)
	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	titles := f.disp.sentTitles()
	if len(titles) != 1 || !strings.HasPrefix(titles[0], "Reminder: ") {
		t.Fatalf("sent = %v, want one soft reminder", titles)
	}

	// Reminder notification correlates back to the parent and keeps the tier.
	f.disp.mu.Lock()
	rn := f.disp.sent[0]
	f.disp.mu.Unlock()
	if rn.CorrelationID != n.ID {
		t.Fatalf("correlation = %s, want %s", rn.CorrelationID, n.ID)
	}
	if rn.Tier != kit.TierP1 {
		t.Fatalf("reminder tier = %s, want P1", rn.Tier)
	}

	// Sweeping the same instant again does not resend.
	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := f.disp.sentTitles(); len(got) != 1 {
		t.Fatalf("resend on idle sweep: %v", got)
	}
}

func TestAckCancelsPendingReminders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	n := f.create(t, kit.TierP1, "order_stuck")
	if err := f.store.Acknowledge(ctx, n.ID, "alice", f.now); err != nil {
		t.Fatalf("ack: %v", err)
	}

	f.now = f.now.Add(48 * time.Hour)
	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := f.disp.sentTitles(); len(got) != 0 {
		t.Fatalf("acked notification still reminded: %v", got)
	}
}

func TestAutoActionFiresAfterFinalReminder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var calls int
	f.svc.Actions().Register(ActionEscalateToAdmin, func(ctx context.Context, n *kit.Notification) error {
		calls++
		return nil
	})

	n := f.create(t, kit.TierP1, "order_stuck")

	// All three offsets due at once; one sweep sends soft+escalation+final and
	// then fires the auto action.
	f.now = f.now.Add(25 * time.Hour)
	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := len(f.disp.sentTitles()); got != 3 {
		t.Fatalf("sent %d reminders, want 3: %v", got, f.disp.sentTitles())
	}
	if calls != 1 {
		t.Fatalf("auto action ran %d times, want 1", calls)
	}

	stored, err := f.store.GetNotification(ctx, n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.AutoActionExecuted {
		t.Fatal("auto action flag not persisted")
	}

	// Idempotent: another sweep finds nothing unsent and never re-fires.
	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if calls != 1 {
		t.Fatalf("auto action re-fired: %d calls", calls)
	}
}

func TestFailedSendStillCountsAsSent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.disp.fail = true // every connection send fails

	n := f.create(t, kit.TierP1, "order_stuck")
	f.now = f.now.Add(16 * time.Minute)
	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	stored, err := f.store.GetNotification(ctx, n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.Reminders[0].Sent || stored.Reminders[0].Success {
		t.Fatalf("reminder state = %+v, want sent without success", stored.Reminders[0])
	}
}

func TestActionRegistryPanicRecovered(t *testing.T) {
	t.Parallel()
	r := NewActionRegistry(logx.Nop())
	r.Register("explode", func(ctx context.Context, n *kit.Notification) error {
		panic("boom")
	})

	err := r.Execute(context.Background(), "explode", &kit.Notification{ID: "n1"})
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("Execute = %v, want panic converted to error", err)
	}
}

func TestActionRegistryUnknownIsNoop(t *testing.T) {
	t.Parallel()
	r := NewActionRegistry(logx.Nop())
	if err := r.Execute(context.Background(), "nope", &kit.Notification{ID: "n1"}); err != nil {
		t.Fatalf("unknown action = %v, want nil", err)
	}
}

func TestHandlerFailureNotRetried(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var calls int
	f.svc.Actions().Register(ActionEscalateToAdmin, func(ctx context.Context, n *kit.Notification) error {
		calls++
		return errors.New("downstream unavailable")
	})

	f.create(t, kit.TierP1, "order_stuck")
	f.now = f.now.Add(25 * time.Hour)
	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if calls != 1 {
		t.Fatalf("failed handler retried: %d calls", calls)
	}
}

func TestSweepAuditsReminderSends(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	n := f.create(t, kit.TierP1, "order_stuck")

	f.now = f.now.Add(16 * time.Minute)
	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	trail, err := f.store.AuditTrail(ctx, n.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	reminders := 0
	for _, e := range trail {
		if e.Kind != kit.AuditReminder {
			continue
		}
		reminders++
		if !strings.Contains(e.Detail, "soft") || !strings.Contains(e.Detail, "success=true") {
			t.Fatalf("reminder entry detail = %q", e.Detail)
		}
		if e.Tier != "P1" || e.Principal != "alice" {
			t.Fatalf("reminder entry = %+v", e)
		}
	}
	if reminders != 1 {
		t.Fatalf("got %d reminder audit entries, want 1", reminders)
	}

	f.now = f.now.Add(25 * time.Hour)
	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	trail, err = f.store.AuditTrail(ctx, n.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	reminders = 0
	for _, e := range trail {
		if e.Kind == kit.AuditReminder {
			reminders++
		}
	}
	if reminders != 3 {
		t.Fatalf("got %d reminder audit entries after full schedule, want 3", reminders)
	}
}

func TestFailedSendAuditedAsUnsuccessful(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.disp.fail = true
	n := f.create(t, kit.TierP1, "order_stuck")

	f.now = f.now.Add(16 * time.Minute)
	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	trail, err := f.store.AuditTrail(ctx, n.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	found := false
	for _, e := range trail {
		if e.Kind == kit.AuditReminder {
			found = true
			if !strings.Contains(e.Detail, "success=false") {
				t.Fatalf("failed send audited as %q", e.Detail)
			}
		}
	}
	if !found {
		t.Fatal("failed send left no reminder audit entry")
	}
}
