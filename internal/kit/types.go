package kit

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the urgency classification of a notification. P0 is the most urgent.
type Tier int

const (
	TierP0 Tier = iota
	TierP1
	TierP2
	TierP3
	TierP4
)

func (t Tier) String() string {
	switch t {
	case TierP0:
		return "P0"
	case TierP1:
		return "P1"
	case TierP2:
		return "P2"
	case TierP3:
		return "P3"
	case TierP4:
		return "P4"
	}
	return "P?"
}

// MoreUrgentThan reports whether t outranks other (lower value = more urgent).
func (t Tier) MoreUrgentThan(other Tier) bool { return t < other }

// Channel is a delivery medium.
type Channel string

const (
	ChannelInApp   Channel = "in_app"
	ChannelPush    Channel = "push"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelWebhook Channel = "webhook"
)

// PrincipalKind distinguishes the audiences a notification can address.
type PrincipalKind string

const (
	KindCustomer      PrincipalKind = "customer"
	KindStaff         PrincipalKind = "staff"
	KindTenantAdmin   PrincipalKind = "tenant_admin"
	KindPlatformAdmin PrincipalKind = "platform_admin"
)

// Severity is the caller-declared severity label of an event.
type Severity string

const (
	SevCritical Severity = "critical"
	SevError    Severity = "error"
	SevWarning  Severity = "warning"
	SevInfo     Severity = "info"
	SevSuccess  Severity = "success"
)

// Draft is the caller-supplied input to CreateAndRoute, before classification
// and channel selection.
type Draft struct {
	Recipient     string         `json:"recipient"`
	RecipientKind PrincipalKind  `json:"recipient_kind"`
	TenantID      string         `json:"tenant_id,omitempty"` // empty = platform scope
	EventType     string         `json:"event_type"`
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	Severity      Severity       `json:"severity,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// ChannelState tracks delivery accounting for one selected channel.
type ChannelState struct {
	Enabled       bool      `json:"enabled"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	Delivered     bool      `json:"delivered"`
	DeliveredAt   time.Time `json:"delivered_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
}

// ReminderKind orders the escalation sequence: soft nudge, escalation, final.
type ReminderKind string

const (
	ReminderSoft       ReminderKind = "soft"
	ReminderEscalation ReminderKind = "escalation"
	ReminderFinal      ReminderKind = "final"
)

// Reminder is one scheduled follow-up for an unacknowledged notification.
//
// Sent is set even when the send fails (Success=false); the sent count, not
// the success count, is what arms the auto-action once the final reminder is
// exhausted.
type Reminder struct {
	ScheduledAt time.Time    `json:"scheduled_at"`
	Kind        ReminderKind `json:"kind"`
	Sent        bool         `json:"sent"`
	SentAt      time.Time    `json:"sent_at,omitzero"`
	Success     bool         `json:"success"`
}

// Notification is the durable unit of delivery.
type Notification struct {
	ID            string `json:"id" db:"id"`
	CorrelationID string `json:"correlation_id,omitempty" db:"correlation_id"`

	Recipient     string        `json:"recipient" db:"recipient"`
	RecipientKind PrincipalKind `json:"recipient_kind" db:"recipient_kind"`
	TenantID      string        `json:"tenant_id,omitempty" db:"tenant_id"`

	EventType string         `json:"event_type" db:"event_type"`
	Title     string         `json:"title" db:"title"`
	Message   string         `json:"message" db:"message"`
	Payload   map[string]any `json:"payload,omitempty" db:"-"`

	Tier     Tier     `json:"tier" db:"tier"`
	Severity Severity `json:"severity,omitempty" db:"severity"`
	Score    float64  `json:"score" db:"score"`

	Channels map[Channel]*ChannelState `json:"channels" db:"-"`

	AckRequired bool      `json:"ack_required" db:"ack_required"`
	Acked       bool      `json:"acked" db:"acked"`
	AckedAt     time.Time `json:"acked_at,omitzero" db:"acked_at"`
	AckedBy     string    `json:"acked_by,omitempty" db:"acked_by"`

	Reminders          []Reminder `json:"reminders,omitempty" db:"-"`
	AutoAction         string     `json:"auto_action,omitempty" db:"auto_action"`
	AutoActionExecuted bool       `json:"auto_action_executed" db:"auto_action_executed"`

	Delivered   bool      `json:"delivered" db:"delivered"`
	DeliveredAt time.Time `json:"delivered_at,omitzero" db:"delivered_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	Read      bool      `json:"read" db:"read"`
	ReadAt    time.Time `json:"read_at,omitzero" db:"read_at"`
}

// PlatformScope reports whether the notification addresses a platform-level
// principal (no owning tenant).
func (n *Notification) PlatformScope() bool { return n.TenantID == "" }

// PendingReminders counts reminders not yet sent.
func (n *Notification) PendingReminders() int {
	pending := 0
	for _, r := range n.Reminders {
		if !r.Sent {
			pending++
		}
	}
	return pending
}

// FinalReminderSent reports whether every scheduled reminder has been sent.
// A failed send counts: per the escalation contract, a failed final reminder
// still arms the auto-action.
func (n *Notification) FinalReminderSent() bool {
	if len(n.Reminders) == 0 {
		return false
	}
	return n.PendingReminders() == 0
}

// NewID mints a notification or connection id.
func NewID() string { return uuid.New().String() }

// QuietHours is a daily local-time window during which push and SMS are
// suppressed for everything below P0. Zero value means no quiet hours.
type QuietHours struct {
	Start string `json:"start,omitempty" yaml:"start"` // "22:00"
	End   string `json:"end,omitempty" yaml:"end"`     // "07:00"
}

// Contains reports whether the wall-clock time t falls inside the window.
// Windows may wrap midnight (start 22:00, end 07:00).
func (q QuietHours) Contains(t time.Time) bool {
	if q.Start == "" || q.End == "" {
		return false
	}
	start, ok1 := parseClock(q.Start)
	end, ok2 := parseClock(q.End)
	if !ok1 || !ok2 || start == end {
		return false
	}
	cur := t.Hour()*60 + t.Minute()
	if start < end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func parseClock(s string) (minutes int, ok bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// ChannelPref is a recipient's preference for one channel.
//
// MinUrgency is the least urgent tier the channel should still carry: a push
// preference with MinUrgency P2 carries P0..P2 and rejects P3/P4.
type ChannelPref struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	MinUrgency Tier `json:"min_urgency" yaml:"min_urgency"`
}

// Preferences is a recipient's channel configuration, part of the directory
// snapshot.
type Preferences struct {
	Channels     map[Channel]ChannelPref `json:"channels,omitempty" yaml:"channels"`
	Quiet        QuietHours              `json:"quiet,omitempty" yaml:"quiet"`
	SMSEmergency bool                    `json:"sms_emergency" yaml:"sms_emergency"`
}

// ChannelAllowed applies the per-channel preference for the given tier.
// In-app is never disabled: it is the guaranteed channel of last resort.
func (p Preferences) ChannelAllowed(ch Channel, tier Tier) bool {
	if ch == ChannelInApp {
		return true
	}
	pref, ok := p.Channels[ch]
	if !ok {
		// No stated preference: channel usable at any tier.
		return true
	}
	if !pref.Enabled {
		return false
	}
	return tier <= pref.MinUrgency
}

// Principal is the directory snapshot of an authenticated entity.
type Principal struct {
	ID          string          `json:"id" yaml:"id"`
	Kind        PrincipalKind   `json:"kind" yaml:"kind"`
	TenantID    string          `json:"tenant_id,omitempty" yaml:"tenant_id"`
	TenantTier  string          `json:"tenant_tier,omitempty" yaml:"tenant_tier"` // free/standard/premium/enterprise
	Active      bool            `json:"active" yaml:"active"`
	Roles       []string        `json:"roles,omitempty" yaml:"roles"`
	Permissions []string        `json:"permissions,omitempty" yaml:"permissions"`
	Features    map[string]bool `json:"features,omitempty" yaml:"features"`
	Prefs       Preferences     `json:"prefs,omitempty" yaml:"prefs"`
}

// Capabilities is the permission/feature snapshot taken at connect time.
// It filters what may be pushed to a connection without a fresh directory
// fetch.
type Capabilities struct {
	Permissions []string        `json:"permissions,omitempty"`
	Features    map[string]bool `json:"features,omitempty"`
}

// AuditKind labels an audit record.
type AuditKind string

const (
	AuditCreated     AuditKind = "created"
	AuditDenied      AuditKind = "denied"
	AuditRateLimited AuditKind = "rate_limited"
	AuditClassified  AuditKind = "classified"
	AuditDispatched  AuditKind = "dispatched"
	AuditStored      AuditKind = "stored"
	AuditAcked       AuditKind = "acked"
	AuditReminder    AuditKind = "reminder"
	AuditAutoAction  AuditKind = "auto_action"
)

// AuditEntry is one append-only compliance record. Never mutated after
// creation.
type AuditEntry struct {
	At             time.Time `db:"at"`
	Kind           AuditKind `db:"kind"`
	NotificationID string    `db:"notification_id"`
	Principal      string    `db:"principal"`
	TenantID       string    `db:"tenant_id"`
	Tier           string    `db:"tier"`
	Detail         string    `db:"detail"`
}
