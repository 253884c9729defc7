package kit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a notification or principal does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotAuthorized is returned when a principal acts on a notification it
	// does not own.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrAlreadyAcked is returned on a second acknowledgement.
	ErrAlreadyAcked = errors.New("already acknowledged")
	// ErrDenied is returned by the security guard and the access gate.
	ErrDenied = errors.New("denied")
	// ErrRateLimited is returned by the rate limiter.
	ErrRateLimited = errors.New("rate limited")
	// ErrStopped is returned when a service is asked to work after Stop.
	ErrStopped = errors.New("stopped")
)

// Store is the persistence contract the engine depends on. The sqlite
// implementation lives in internal/storage.
type Store interface {
	CreateNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, id string) (*Notification, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	UpdateChannelState(ctx context.Context, id string, channels map[Channel]*ChannelState) error

	// Acknowledge conditionally flips the acked flag. Returns ErrAlreadyAcked
	// if the notification was acknowledged before this call committed.
	Acknowledge(ctx context.Context, id, by string, at time.Time) error

	ListUnread(ctx context.Context, recipient string, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id, recipient string, at time.Time) error
	MarkAllRead(ctx context.Context, recipient string, at time.Time) (int64, error)

	// DueReminders returns notifications holding at least one unsent reminder
	// whose scheduled time is at or before now. Acknowledged notifications are
	// excluded.
	DueReminders(ctx context.Context, now time.Time, limit int) ([]Notification, error)
	MarkReminderSent(ctx context.Context, id string, index int, at time.Time, success bool) error
	SetAutoActionExecuted(ctx context.Context, id string) error

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Directory resolves principals: active status, role, tenant and the
// permission/feature snapshot. Backed by the account service in production;
// a config-seeded implementation lives in internal/directory.
type Directory interface {
	Lookup(ctx context.Context, id string) (*Principal, error)
}

// AccessGate is the attribute-based policy evaluator, consumed strictly as a
// yes/no gate before a notification may be created or broadcast.
type AccessGate interface {
	Allowed(ctx context.Context, principal, action, resource string) bool
}

// ChannelSender delivers a notification over one external channel
// (email/push/SMS/webhook). Senders are best-effort collaborators with their
// own retry policy; the engine only records the outcome.
type ChannelSender interface {
	Send(ctx context.Context, ch Channel, n *Notification) error
}

// ConnSink writes one notification to a live transport connection. A nil
// error means the transport accepted the write.
type ConnSink func(ctx context.Context, n *Notification) error
