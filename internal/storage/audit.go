package storage

import (
	"context"
	"time"

	"notifyd/internal/kit"
)

// AppendAudit inserts one append-only audit row. Rows are never updated or
// deleted; the table is the compliance trail.
func (s *Store) AppendAudit(ctx context.Context, e kit.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (at, kind, notification_id, principal, tenant_id, tier, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ms(e.At), string(e.Kind), e.NotificationID, e.Principal, e.TenantID, e.Tier, e.Detail,
	)
	return err
}

// AuditTrail returns the audit rows recorded for one notification, oldest
// first. Used by compliance review tooling, not by the hot path.
func (s *Store) AuditTrail(ctx context.Context, notificationID string) ([]kit.AuditEntry, error) {
	type auditRow struct {
		At             int64  `db:"at"`
		Kind           string `db:"kind"`
		NotificationID string `db:"notification_id"`
		Principal      string `db:"principal"`
		TenantID       string `db:"tenant_id"`
		Tier           string `db:"tier"`
		Detail         string `db:"detail"`
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM audit WHERE notification_id = ? ORDER BY at`, notificationID)
	if err != nil {
		return nil, err
	}
	out := make([]kit.AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, kit.AuditEntry{
			At:             fromMS(r.At),
			Kind:           kit.AuditKind(r.Kind),
			NotificationID: r.NotificationID,
			Principal:      r.Principal,
			TenantID:       r.TenantID,
			Tier:           r.Tier,
			Detail:         r.Detail,
		})
	}
	return out, nil
}
