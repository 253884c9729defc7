// Package reminder is the escalation engine: it plans the follow-up schedule
// for acknowledgement-requiring notifications, sweeps for due reminders, and
// fires the registered auto-action when the final reminder exhausts without
// acknowledgement.
//
// State machine per notification: no-reminders → scheduled → reminder-sent…
// → final-sent → acknowledged | auto-action-executed. Acknowledgement at any
// point cancels all unsent reminders and suppresses the pending auto-action.
package reminder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/kit"
	"notifyd/internal/services/audit"
	"notifyd/internal/services/dispatch"
	"notifyd/internal/services/selector"
	"notifyd/pkg/logx"
)

type Config struct {
	P1Offsets  []time.Duration // default +15m, +1h, +24h
	P2Offsets  []time.Duration // default +1h, +24h
	P2Events   []string        // conditional allow-list, default order_stuck, payment_pending
	SweepLimit int             // max due notifications per sweep, default 200
}

// Dispatcher is the classification-free direct dispatch used for synthesized
// reminders. Reminders inherit the parent's priority and are never
// re-classified.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *kit.Notification) dispatch.Result
}

type Service struct {
	mu  sync.RWMutex
	cfg Config

	store   kit.Store
	disp    Dispatcher
	sel     *selector.Service
	dir     kit.Directory
	auditor *audit.Service
	log     logx.Logger
	bus     eventbus.Bus

	actions *ActionRegistry
	now     func() time.Time
}

func New(cfg Config, store kit.Store, disp Dispatcher, sel *selector.Service, dir kit.Directory, auditor *audit.Service, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{
		store:   store,
		disp:    disp,
		sel:     sel,
		dir:     dir,
		auditor: auditor,
		log:     log,
		bus:     bus,
		actions: NewActionRegistry(log),
		now:     time.Now,
	}
	s.Apply(cfg)
	return s
}

// Apply swaps in new offsets and the P2 allow-list. Already persisted
// schedules keep their original times; only notifications created after the
// swap see the new offsets.
func (s *Service) Apply(cfg Config) {
	if len(cfg.P1Offsets) == 0 {
		cfg.P1Offsets = []time.Duration{15 * time.Minute, time.Hour, 24 * time.Hour}
	}
	if len(cfg.P2Offsets) == 0 {
		cfg.P2Offsets = []time.Duration{time.Hour, 24 * time.Hour}
	}
	if len(cfg.P2Events) == 0 {
		cfg.P2Events = []string{"order_stuck", "payment_pending"}
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 200
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// SetClock pins the engine clock. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Actions exposes the auto-action registry for wiring handlers.
func (s *Service) Actions() *ActionRegistry { return s.actions }

// Plan fills in the acknowledgement and reminder schedule for a freshly
// classified notification, before it is persisted.
//
// Eligibility: P0 requires manual acknowledgement and is NEVER scheduled —
// a human must act, automation must not escalate past the initial send. P1 is
// always scheduled, with the auto-action armed. P2 is scheduled only for
// allow-listed event types, without auto-action. P3/P4 are never scheduled.
func (s *Service) Plan(n *kit.Notification) {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	switch n.Tier {
	case kit.TierP0:
		n.AckRequired = true
		n.Reminders = nil
		n.AutoAction = ""
	case kit.TierP1:
		n.AckRequired = true
		n.Reminders = schedule(s.now(), cfg.P1Offsets)
		if n.AutoAction == "" {
			n.AutoAction = actionFromPayload(n.Payload, ActionEscalateToAdmin)
		}
	case kit.TierP2:
		if eligibleP2(cfg.P2Events, n.EventType) {
			n.AckRequired = true
			n.Reminders = schedule(s.now(), cfg.P2Offsets)
		}
		n.AutoAction = ""
	default:
		// P3/P4: fire and forget.
	}
}

func eligibleP2(events []string, eventType string) bool {
	for _, e := range events {
		if strings.EqualFold(e, eventType) {
			return true
		}
	}
	return false
}

// schedule builds the ordered reminder list: first is soft, last is final,
// anything between escalates.
func schedule(now time.Time, offsets []time.Duration) []kit.Reminder {
	out := make([]kit.Reminder, 0, len(offsets))
	for i, off := range offsets {
		kind := kit.ReminderEscalation
		if i == 0 {
			kind = kit.ReminderSoft
		}
		if i == len(offsets)-1 {
			kind = kit.ReminderFinal
		}
		out = append(out, kit.Reminder{ScheduledAt: now.Add(off), Kind: kind})
	}
	return out
}

func actionFromPayload(payload map[string]any, def string) string {
	if v, _ := payload["auto_action"].(string); v != "" {
		return v
	}
	return def
}

// Sweep processes every due reminder once. Registered on the engine cron for
// a fixed interval; tests invoke it directly instead of waiting on the wall
// clock. Scheduling errors are logged per item and never abort the sweep.
func (s *Service) Sweep(ctx context.Context) error {
	s.mu.RLock()
	limit := s.cfg.SweepLimit
	s.mu.RUnlock()

	now := s.now()
	due, err := s.store.DueReminders(ctx, now, limit)
	if err != nil {
		return fmt.Errorf("loading due reminders: %w", err)
	}
	for i := range due {
		s.processDue(ctx, &due[i], now)
	}
	return nil
}

func (s *Service) processDue(ctx context.Context, n *kit.Notification, now time.Time) {
	// Final consistency check immediately before send: the user may have
	// acknowledged between the due query and now. "Already acknowledged" is
	// authoritative; a rare duplicate reminder is tolerable, a lost
	// auto-action is not.
	fresh, err := s.store.GetNotification(ctx, n.ID)
	if err != nil {
		s.log.Warn("reminder refetch failed", logx.String("notification", n.ID), logx.Err(err))
		return
	}
	if fresh.Acked {
		return
	}

	for idx, r := range fresh.Reminders {
		if r.Sent || r.ScheduledAt.After(now) {
			continue
		}
		success := s.sendReminder(ctx, fresh, r)
		// The trail lives on the parent: a compliance query for the original
		// notification must show every escalation send.
		s.auditor.Record(kit.AuditReminder, fresh,
			fmt.Sprintf("%s reminder, success=%t", r.Kind, success))
		if err := s.store.MarkReminderSent(ctx, fresh.ID, idx, s.now(), success); err != nil {
			s.log.Warn("marking reminder sent failed",
				logx.String("notification", fresh.ID), logx.Int("idx", idx), logx.Err(err))
			continue
		}
		// A failed send still counts as sent: the sent count, not the success
		// count, arms the auto-action.
		fresh.Reminders[idx].Sent = true
		fresh.Reminders[idx].Success = success
		s.bus.Publish(eventbus.Event{Type: eventbus.EventReminder, Data: fresh.ID})
	}

	if fresh.FinalReminderSent() && !fresh.Acked {
		s.runAutoAction(ctx, fresh)
	}
}

var kindPrefixes = map[kit.ReminderKind]string{
	kit.ReminderSoft:       "Reminder: ",
	kit.ReminderEscalation: "Escalation: ",
	kit.ReminderFinal:      "Final notice: ",
}

// sendReminder synthesizes the reminder notification and routes it through
// classification-free direct dispatch. It inherits the parent's tier and
// severity and correlates back via the parent id.
func (s *Service) sendReminder(ctx context.Context, parent *kit.Notification, r kit.Reminder) bool {
	rn := &kit.Notification{
		ID:            kit.NewID(),
		CorrelationID: parent.ID,
		Recipient:     parent.Recipient,
		RecipientKind: parent.RecipientKind,
		TenantID:      parent.TenantID,
		EventType:     parent.EventType,
		Title:         kindPrefixes[r.Kind] + parent.Title,
		Message:       parent.Message,
		Payload:       parent.Payload,
		Tier:          parent.Tier,
		Severity:      parent.Severity,
		Score:         parent.Score,
		CreatedAt:     s.now(),
		ExpiresAt:     parent.ExpiresAt,
	}

	prefs := kit.Preferences{}
	if p, err := s.dir.Lookup(ctx, parent.Recipient); err == nil {
		prefs = p.Prefs
	}
	rn.Channels = s.sel.Select(rn, rn.Tier, prefs)

	if err := s.store.CreateNotification(ctx, rn); err != nil {
		s.log.Warn("persisting reminder failed",
			logx.String("parent", parent.ID), logx.String("kind", string(r.Kind)), logx.Err(err))
		return false
	}
	res := s.disp.Dispatch(ctx, rn)
	s.log.Debug("reminder dispatched",
		logx.String("parent", parent.ID), logx.String("kind", string(r.Kind)),
		logx.Bool("delivered", res.Delivered), logx.Bool("stored", res.Stored))
	return res.Delivered || res.Stored
}

// runAutoAction executes the notification's named handler exactly once.
// Idempotency rides on the persisted autoActionExecuted flag; a handler
// failure is logged and never retried automatically.
func (s *Service) runAutoAction(ctx context.Context, n *kit.Notification) {
	if n.AutoAction == "" || n.AutoActionExecuted {
		return
	}
	err := s.actions.Execute(ctx, n.AutoAction, n)
	if err != nil {
		s.log.Error("auto action failed",
			logx.String("notification", n.ID), logx.String("action", n.AutoAction), logx.Err(err))
	}
	if serr := s.store.SetAutoActionExecuted(ctx, n.ID); serr != nil {
		s.log.Warn("marking auto action executed failed", logx.String("notification", n.ID), logx.Err(serr))
		return
	}
	n.AutoActionExecuted = true
	s.bus.Publish(eventbus.Event{Type: eventbus.EventAutoAction, Data: n.ID})
}
