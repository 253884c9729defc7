// Package audit records every classification decision, delivery attempt,
// acknowledgement and auto-action for compliance review.
//
// The contract is append-only and non-blocking for callers: Record never
// returns an error. Notification delivery must not be blocked by audit-trail
// unavailability, so write failures are swallowed, counted, and reported
// through the engine log instead.
package audit

import (
	"context"
	"sync/atomic"
	"time"

	"notifyd/internal/kit"
	"notifyd/pkg/logx"
)

type Service struct {
	store kit.Store
	log   logx.Logger

	failures atomic.Uint64
}

func New(store kit.Store, log logx.Logger) *Service {
	return &Service{store: store, log: log}
}

// Record appends one audit entry. Failures never reach the caller.
func (s *Service) Record(kind kit.AuditKind, n *kit.Notification, detail string) {
	e := kit.AuditEntry{
		At:     time.Now(),
		Kind:   kind,
		Detail: detail,
	}
	if n != nil {
		e.NotificationID = n.ID
		e.Principal = n.Recipient
		e.TenantID = n.TenantID
		e.Tier = n.Tier.String()
	}
	s.append(e)
}

// RecordDraft audits decisions made before a notification exists (guard
// denies, rate limits).
func (s *Service) RecordDraft(kind kit.AuditKind, d kit.Draft, detail string) {
	s.append(kit.AuditEntry{
		At:        time.Now(),
		Kind:      kind,
		Principal: d.Recipient,
		TenantID:  d.TenantID,
		Detail:    detail,
	})
}

func (s *Service) append(e kit.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.AppendAudit(ctx, e); err != nil {
		n := s.failures.Add(1)
		// Keep the log usable if the store is down for a while.
		if n == 1 || n%100 == 0 {
			s.log.Warn("audit append failed",
				logx.Err(err), logx.String("kind", string(e.Kind)), logx.Int64("total_failures", int64(n)))
		}
	}
}

// Failures reports the number of swallowed audit write failures. Exposed via
// engine health.
func (s *Service) Failures() uint64 { return s.failures.Load() }
