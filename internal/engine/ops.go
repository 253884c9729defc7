package engine

import (
	"context"
	"fmt"

	"notifyd/internal/eventbus"
	"notifyd/internal/kit"
	"notifyd/internal/services/registry"
	"notifyd/internal/services/reminder"
	"notifyd/pkg/logx"
)

// Acknowledge marks the notification acknowledged by the given principal.
// Acknowledgement is terminal: it cancels every unsent reminder and
// suppresses the pending auto-action. Returns kit.ErrNotFound,
// kit.ErrNotAuthorized or kit.ErrAlreadyAcked accordingly.
func (e *Engine) Acknowledge(ctx context.Context, id, by string) error {
	n, err := e.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if !e.canActOn(ctx, n, by) {
		return fmt.Errorf("principal %s: %w", by, kit.ErrNotAuthorized)
	}
	if err := e.store.Acknowledge(ctx, id, by, e.now()); err != nil {
		return err
	}
	n.Acked = true
	n.AckedBy = by
	e.auditor.Record(kit.AuditAcked, n, "by "+by)
	e.bus.Publish(eventbus.Event{Type: eventbus.EventAcked, Data: id})
	return nil
}

// canActOn decides whether a principal may acknowledge or read a
// notification: the recipient always, a platform admin always, a tenant
// admin within its own tenant.
func (e *Engine) canActOn(ctx context.Context, n *kit.Notification, principal string) bool {
	if principal == n.Recipient {
		return true
	}
	p, err := e.dir.Lookup(ctx, principal)
	if err != nil || !p.Active {
		return false
	}
	switch p.Kind {
	case kit.KindPlatformAdmin:
		return true
	case kit.KindTenantAdmin:
		return n.TenantID != "" && n.TenantID == p.TenantID
	}
	return false
}

// ListUnread returns the recipient's stored unread notifications, newest
// first. This is the pull path for reconnecting clients.
func (e *Engine) ListUnread(ctx context.Context, recipient string, limit int) ([]kit.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.store.ListUnread(ctx, recipient, limit)
}

// MarkRead flips one notification to read for its recipient.
func (e *Engine) MarkRead(ctx context.Context, id, recipient string) error {
	return e.store.MarkRead(ctx, id, recipient, e.now())
}

// MarkAllRead flips every unread notification for the recipient, returning
// the count.
func (e *Engine) MarkAllRead(ctx context.Context, recipient string) (int64, error) {
	return e.store.MarkAllRead(ctx, recipient, e.now())
}

// Connect registers a live connection for the principal, snapshotting its
// capabilities from the directory. Unknown or inactive principals are
// rejected.
func (e *Engine) Connect(ctx context.Context, principalID string, sink kit.ConnSink) (*registry.Conn, error) {
	p, err := e.dir.Lookup(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", principalID, err)
	}
	if !p.Active {
		return nil, fmt.Errorf("connect %s: inactive: %w", principalID, kit.ErrDenied)
	}
	caps := kit.Capabilities{Permissions: p.Permissions, Features: p.Features}
	return e.registry.Register(p.ID, p.Kind, p.TenantID, caps, sink), nil
}

// Disconnect removes a connection by id.
func (e *Engine) Disconnect(connID string) bool {
	return e.registry.Deregister(connID)
}

// Touch records liveness for a connection (heartbeats, client acks).
func (e *Engine) Touch(connID string) {
	e.registry.UpdateActivity(connID)
}

// registerBuiltinActions installs the default escalation handlers. Deployments
// register domain handlers (order cancellation, payment refund) on top via
// Reminders().Actions().
func (e *Engine) registerBuiltinActions() {
	actions := e.reminders.Actions()

	// escalate_to_admin re-emits the unacknowledged notification to every
	// admin of the owning tenant, at the same tier, skipping classification.
	// refresh_permissions re-reads the recipient from the directory and swaps
	// the capability snapshot on its live connections, so a permission change
	// that went unacknowledged takes effect without a reconnect.
	actions.Register(reminder.ActionRefreshPermissions, func(ctx context.Context, n *kit.Notification) error {
		p, err := e.dir.Lookup(ctx, n.Recipient)
		if err != nil {
			return fmt.Errorf("refreshing permissions for %s: %w", n.Recipient, err)
		}
		caps := kit.Capabilities{Permissions: p.Permissions, Features: p.Features}
		touched := e.registry.RefreshCapabilities(p.ID, caps)
		e.auditor.Record(kit.AuditAutoAction, n, fmt.Sprintf("permissions refreshed on %d connections", touched))
		return nil
	})

	actions.Register(reminder.ActionEscalateToAdmin, func(ctx context.Context, n *kit.Notification) error {
		admins := e.adminsFor(ctx, n)
		if len(admins) == 0 {
			e.log.Warn("no admins to escalate to", logx.String("notification", n.ID))
			return nil
		}
		var firstErr error
		for _, admin := range admins {
			esc := &kit.Notification{
				ID:            kit.NewID(),
				CorrelationID: n.ID,
				Recipient:     admin.ID,
				RecipientKind: admin.Kind,
				TenantID:      admin.TenantID,
				EventType:     n.EventType,
				Title:         "Unacknowledged: " + n.Title,
				Message:       n.Message,
				Payload:       n.Payload,
				Tier:          n.Tier,
				Severity:      n.Severity,
				Score:         n.Score,
				CreatedAt:     e.now(),
				ExpiresAt:     n.ExpiresAt,
			}
			esc.Channels = e.selector.Select(esc, esc.Tier, admin.Prefs)
			if err := e.store.CreateNotification(ctx, esc); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			e.dispatcher.Dispatch(ctx, esc)
			e.auditor.Record(kit.AuditAutoAction, esc, "escalated from "+n.ID)
		}
		return firstErr
	})
}

// adminsFor resolves the escalation targets for a notification: tenant
// admins for tenant scope, platform admins for platform scope.
func (e *Engine) adminsFor(ctx context.Context, n *kit.Notification) []*kit.Principal {
	lister, ok := e.dir.(interface {
		ListByKind(ctx context.Context, kind kit.PrincipalKind, tenantID string) []*kit.Principal
	})
	if !ok {
		return nil
	}
	if n.PlatformScope() {
		return lister.ListByKind(ctx, kit.KindPlatformAdmin, "")
	}
	admins := lister.ListByKind(ctx, kit.KindTenantAdmin, n.TenantID)
	if len(admins) == 0 {
		admins = lister.ListByKind(ctx, kit.KindPlatformAdmin, "")
	}
	return admins
}

// AuditTrail returns the append-only audit records for one notification,
// oldest first.
func (e *Engine) AuditTrail(ctx context.Context, id string) ([]kit.AuditEntry, error) {
	trailer, ok := e.store.(interface {
		AuditTrail(ctx context.Context, notificationID string) ([]kit.AuditEntry, error)
	})
	if !ok {
		return nil, nil
	}
	return trailer.AuditTrail(ctx, id)
}
