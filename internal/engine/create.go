package engine

import (
	"context"
	"fmt"

	"notifyd/internal/eventbus"
	"notifyd/internal/kit"
	"notifyd/pkg/logx"
)

// CreateAndRoute runs the full pipeline for one draft: policy gate, security
// guard, classification, rate limit, channel selection, reminder planning,
// persistence and dispatch. The returned notification reflects the delivery
// state at return time.
//
// Persistence failure is fatal for P0/P1 (an unpersisted critical alert could
// silently lose its escalation chain); for P2 and below the notification is
// still pushed best-effort and the failure logged.
func (e *Engine) CreateAndRoute(ctx context.Context, d kit.Draft) (*kit.Notification, error) {
	if !e.gate.Allowed(ctx, d.Recipient, "notifications.create", d.EventType) {
		e.auditor.RecordDraft(kit.AuditDenied, d, "policy gate rejected")
		e.bus.Publish(eventbus.Event{Type: eventbus.EventDenied, Data: d.Recipient})
		return nil, fmt.Errorf("policy gate: %w", kit.ErrDenied)
	}

	principal, err := e.guard.Validate(ctx, d)
	if err != nil {
		e.auditor.RecordDraft(kit.AuditDenied, d, err.Error())
		e.bus.Publish(eventbus.Event{Type: eventbus.EventDenied, Data: d.Recipient})
		return nil, err
	}

	res := e.classifier.Classify(d, principal)

	if err := e.limits.CheckAndConsume(d.Recipient, res.Tier); err != nil {
		e.auditor.RecordDraft(kit.AuditRateLimited, d, err.Error())
		e.bus.Publish(eventbus.Event{Type: eventbus.EventRateLimited, Data: d.Recipient})
		return nil, err
	}

	now := e.now()
	e.mu.Lock()
	ttl := e.ttl
	e.tierCounts[res.Tier.String()]++
	e.mu.Unlock()

	n := &kit.Notification{
		ID:            kit.NewID(),
		CorrelationID: d.CorrelationID,
		Recipient:     d.Recipient,
		RecipientKind: principal.Kind,
		TenantID:      d.TenantID,
		EventType:     d.EventType,
		Title:         d.Title,
		Message:       d.Message,
		Payload:       d.Payload,
		Tier:          res.Tier,
		Severity:      d.Severity,
		Score:         res.Score,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	n.Channels = e.selector.Select(n, n.Tier, principal.Prefs)
	e.reminders.Plan(n)

	if err := e.store.CreateNotification(ctx, n); err != nil {
		if n.Tier <= kit.TierP1 {
			e.auditor.RecordDraft(kit.AuditDenied, d, "persist failed: "+err.Error())
			return nil, fmt.Errorf("persisting %s notification: %w", n.Tier, err)
		}
		e.log.Warn("persist failed, delivering best-effort",
			logx.String("notification", n.ID), logx.String("tier", n.Tier.String()), logx.Err(err))
	}

	e.auditor.Record(kit.AuditClassified, n,
		fmt.Sprintf("score=%.1f base=%.1f mult=%.2f", res.Score, res.Base, res.Multiplier))
	e.auditor.Record(kit.AuditCreated, n, "accepted for delivery")
	e.bus.Publish(eventbus.Event{Type: eventbus.EventCreated, Data: n.ID})

	out := e.dispatcher.Dispatch(ctx, n)
	if out.Delivered {
		e.auditor.Record(kit.AuditDispatched, n,
			fmt.Sprintf("live=%d failed=%d", out.Live, out.Failed))
	} else {
		e.auditor.Record(kit.AuditStored, n, "no live delivery, retrievable via pull")
	}
	return n, nil
}
