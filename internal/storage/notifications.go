package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notifyd/internal/kit"
)

type notificationRow struct {
	ID                 string  `db:"id"`
	CorrelationID      string  `db:"correlation_id"`
	Recipient          string  `db:"recipient"`
	RecipientKind      string  `db:"recipient_kind"`
	TenantID           string  `db:"tenant_id"`
	EventType          string  `db:"event_type"`
	Title              string  `db:"title"`
	Message            string  `db:"message"`
	Payload            string  `db:"payload"`
	Tier               int     `db:"tier"`
	Severity           string  `db:"severity"`
	Score              float64 `db:"score"`
	Channels           string  `db:"channels"`
	AckRequired        bool    `db:"ack_required"`
	Acked              bool    `db:"acked"`
	AckedAt            int64   `db:"acked_at"`
	AckedBy            string  `db:"acked_by"`
	AutoAction         string  `db:"auto_action"`
	AutoActionExecuted bool    `db:"auto_action_executed"`
	Delivered          bool    `db:"delivered"`
	DeliveredAt        int64   `db:"delivered_at"`
	CreatedAt          int64   `db:"created_at"`
	ExpiresAt          int64   `db:"expires_at"`
	IsRead             bool    `db:"is_read"`
	ReadAt             int64   `db:"read_at"`
}

type reminderRow struct {
	NotificationID string `db:"notification_id"`
	Idx            int    `db:"idx"`
	ScheduledAt    int64  `db:"scheduled_at"`
	Kind           string `db:"kind"`
	Sent           bool   `db:"sent"`
	SentAt         int64  `db:"sent_at"`
	Success        bool   `db:"success"`
}

func toRow(n *kit.Notification) (*notificationRow, error) {
	payload := "{}"
	if len(n.Payload) > 0 {
		b, err := json.Marshal(n.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling payload: %w", err)
		}
		payload = string(b)
	}
	channels := "{}"
	if len(n.Channels) > 0 {
		b, err := json.Marshal(n.Channels)
		if err != nil {
			return nil, fmt.Errorf("marshaling channel state: %w", err)
		}
		channels = string(b)
	}
	return &notificationRow{
		ID:                 n.ID,
		CorrelationID:      n.CorrelationID,
		Recipient:          n.Recipient,
		RecipientKind:      string(n.RecipientKind),
		TenantID:           n.TenantID,
		EventType:          n.EventType,
		Title:              n.Title,
		Message:            n.Message,
		Payload:            payload,
		Tier:               int(n.Tier),
		Severity:           string(n.Severity),
		Score:              n.Score,
		Channels:           channels,
		AckRequired:        n.AckRequired,
		Acked:              n.Acked,
		AckedAt:            ms(n.AckedAt),
		AckedBy:            n.AckedBy,
		AutoAction:         n.AutoAction,
		AutoActionExecuted: n.AutoActionExecuted,
		Delivered:          n.Delivered,
		DeliveredAt:        ms(n.DeliveredAt),
		CreatedAt:          ms(n.CreatedAt),
		ExpiresAt:          ms(n.ExpiresAt),
		IsRead:             n.Read,
		ReadAt:             ms(n.ReadAt),
	}, nil
}

func (r *notificationRow) toNotification() (*kit.Notification, error) {
	n := &kit.Notification{
		ID:                 r.ID,
		CorrelationID:      r.CorrelationID,
		Recipient:          r.Recipient,
		RecipientKind:      kit.PrincipalKind(r.RecipientKind),
		TenantID:           r.TenantID,
		EventType:          r.EventType,
		Title:              r.Title,
		Message:            r.Message,
		Tier:               kit.Tier(r.Tier),
		Severity:           kit.Severity(r.Severity),
		Score:              r.Score,
		AckRequired:        r.AckRequired,
		Acked:              r.Acked,
		AckedAt:            fromMS(r.AckedAt),
		AckedBy:            r.AckedBy,
		AutoAction:         r.AutoAction,
		AutoActionExecuted: r.AutoActionExecuted,
		Delivered:          r.Delivered,
		DeliveredAt:        fromMS(r.DeliveredAt),
		CreatedAt:          fromMS(r.CreatedAt),
		ExpiresAt:          fromMS(r.ExpiresAt),
		Read:               r.IsRead,
		ReadAt:             fromMS(r.ReadAt),
	}
	if r.Payload != "" && r.Payload != "{}" {
		if err := json.Unmarshal([]byte(r.Payload), &n.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling payload for %s: %w", r.ID, err)
		}
	}
	n.Channels = map[kit.Channel]*kit.ChannelState{}
	if r.Channels != "" && r.Channels != "{}" {
		if err := json.Unmarshal([]byte(r.Channels), &n.Channels); err != nil {
			return nil, fmt.Errorf("unmarshaling channel state for %s: %w", r.ID, err)
		}
	}
	return n, nil
}

const insertNotification = `
INSERT INTO notifications (
    id, correlation_id, recipient, recipient_kind, tenant_id,
    event_type, title, message, payload, tier, severity, score, channels,
    ack_required, acked, acked_at, acked_by, auto_action, auto_action_executed,
    delivered, delivered_at, created_at, expires_at, is_read, read_at
) VALUES (
    :id, :correlation_id, :recipient, :recipient_kind, :tenant_id,
    :event_type, :title, :message, :payload, :tier, :severity, :score, :channels,
    :ack_required, :acked, :acked_at, :acked_by, :auto_action, :auto_action_executed,
    :delivered, :delivered_at, :created_at, :expires_at, :is_read, :read_at
)`

func (s *Store) CreateNotification(ctx context.Context, n *kit.Notification) error {
	row, err := toRow(n)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("creating notification %s: %w", n.ID, err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, insertNotification, row); err != nil {
		return fmt.Errorf("creating notification %s: %w", n.ID, err)
	}
	for i, r := range n.Reminders {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reminders (notification_id, idx, scheduled_at, kind, sent, sent_at, success)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			n.ID, i, ms(r.ScheduledAt), string(r.Kind), r.Sent, ms(r.SentAt), r.Success,
		)
		if err != nil {
			return fmt.Errorf("creating reminder %d for %s: %w", i, n.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetNotification(ctx context.Context, id string) (*kit.Notification, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kit.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading notification %s: %w", id, err)
	}
	n, err := row.toNotification()
	if err != nil {
		return nil, err
	}
	if err := s.loadReminders(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Store) loadReminders(ctx context.Context, n *kit.Notification) error {
	var rows []reminderRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM reminders WHERE notification_id = ? ORDER BY idx`, n.ID)
	if err != nil {
		return fmt.Errorf("loading reminders for %s: %w", n.ID, err)
	}
	n.Reminders = make([]kit.Reminder, 0, len(rows))
	for _, r := range rows {
		n.Reminders = append(n.Reminders, kit.Reminder{
			ScheduledAt: fromMS(r.ScheduledAt),
			Kind:        kit.ReminderKind(r.Kind),
			Sent:        r.Sent,
			SentAt:      fromMS(r.SentAt),
			Success:     r.Success,
		})
	}
	return nil
}

func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET delivered = 1, delivered_at = ? WHERE id = ? AND delivered = 0`,
		ms(at), id)
	if err != nil {
		return fmt.Errorf("marking %s delivered: %w", id, err)
	}
	return nil
}

func (s *Store) UpdateChannelState(ctx context.Context, id string, channels map[kit.Channel]*kit.ChannelState) error {
	b, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("marshaling channel state for %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE notifications SET channels = ? WHERE id = ?`, string(b), id)
	if err != nil {
		return fmt.Errorf("updating channel state for %s: %w", id, err)
	}
	return nil
}

// Acknowledge flips the acked flag at most once. The conditional update makes
// concurrent acknowledgements race-safe: only one caller sees rows affected.
func (s *Store) Acknowledge(ctx context.Context, id, by string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET acked = 1, acked_at = ?, acked_by = ? WHERE id = ? AND acked = 0`,
		ms(at), by, id)
	if err != nil {
		return fmt.Errorf("acknowledging %s: %w", id, err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		return nil
	}
	var exists int
	if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM notifications WHERE id = ?`, id); err != nil {
		return fmt.Errorf("acknowledging %s: %w", id, err)
	}
	if exists == 0 {
		return kit.ErrNotFound
	}
	return kit.ErrAlreadyAcked
}

func (s *Store) ListUnread(ctx context.Context, recipient string, limit int) ([]kit.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM notifications
		WHERE recipient = ? AND is_read = 0
		ORDER BY created_at DESC LIMIT ?`, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unread for %s: %w", recipient, err)
	}
	out := make([]kit.Notification, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toNotification()
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, id, recipient string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1, read_at = ? WHERE id = ? AND recipient = ? AND is_read = 0`,
		ms(at), id, recipient)
	if err != nil {
		return fmt.Errorf("marking %s read: %w", id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return kit.ErrNotFound
	}
	return nil
}

func (s *Store) MarkAllRead(ctx context.Context, recipient string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1, read_at = ? WHERE recipient = ? AND is_read = 0`,
		ms(at), recipient)
	if err != nil {
		return 0, fmt.Errorf("marking all read for %s: %w", recipient, err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

// DueReminders returns notifications with at least one unsent reminder due at
// or before now, skipping acknowledged ones. Full records are returned so the
// sweep can synthesize the reminder without a second round trip.
func (s *Store) DueReminders(ctx context.Context, now time.Time, limit int) ([]kit.Notification, error) {
	if limit <= 0 {
		limit = 200
	}
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT n.id FROM notifications n
		JOIN reminders r ON r.notification_id = n.id
		WHERE r.sent = 0 AND r.scheduled_at <= ? AND n.acked = 0
		ORDER BY n.created_at LIMIT ?`, ms(now), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due reminders: %w", err)
	}
	out := make([]kit.Notification, 0, len(ids))
	for _, id := range ids {
		n, err := s.GetNotification(ctx, id)
		if err != nil {
			if errors.Is(err, kit.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *n)
	}
	return out, nil
}

func (s *Store) MarkReminderSent(ctx context.Context, id string, index int, at time.Time, success bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET sent = 1, sent_at = ?, success = ? WHERE notification_id = ? AND idx = ? AND sent = 0`,
		ms(at), success, id, index)
	if err != nil {
		return fmt.Errorf("marking reminder %d sent for %s: %w", index, id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return kit.ErrNotFound
	}
	return nil
}

func (s *Store) SetAutoActionExecuted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET auto_action_executed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking auto action executed for %s: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE expires_at > 0 AND expires_at < ?`, ms(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired notifications: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}
