// Package guard validates that a notification draft's declared recipient,
// tenant and payload are internally consistent before dispatch. Its job is
// cross-tenant leakage prevention: a deny is fatal for the notification,
// logged and discarded, never retried.
package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"notifyd/internal/kit"
	"notifyd/pkg/logx"
)

type Config struct {
	MaxTitleLen     int // default 200
	MaxMessageLen   int // default 2000
	MaxPayloadBytes int // default 32 KiB
}

type Service struct {
	cfg Config
	dir kit.Directory
	log logx.Logger
}

func New(cfg Config, dir kit.Directory, log logx.Logger) *Service {
	if cfg.MaxTitleLen <= 0 {
		cfg.MaxTitleLen = 200
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = 2000
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 32 << 10
	}
	return &Service{cfg: cfg, dir: dir, log: log}
}

// Validate checks the draft and resolves the recipient principal. The
// principal is returned on allow so downstream stages (classification
// context, channel preferences) avoid a second directory fetch.
func (s *Service) Validate(ctx context.Context, d kit.Draft) (*kit.Principal, error) {
	if strings.TrimSpace(d.Recipient) == "" {
		return nil, fmt.Errorf("%w: missing recipient", kit.ErrDenied)
	}
	if strings.TrimSpace(d.Title) == "" {
		return nil, fmt.Errorf("%w: missing title", kit.ErrDenied)
	}
	if len(d.Title) > s.cfg.MaxTitleLen {
		return nil, fmt.Errorf("%w: title exceeds %d chars", kit.ErrDenied, s.cfg.MaxTitleLen)
	}
	if len(d.Message) > s.cfg.MaxMessageLen {
		return nil, fmt.Errorf("%w: message exceeds %d chars", kit.ErrDenied, s.cfg.MaxMessageLen)
	}
	if len(d.Payload) > 0 {
		b, err := json.Marshal(d.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: payload not serializable", kit.ErrDenied)
		}
		if len(b) > s.cfg.MaxPayloadBytes {
			return nil, fmt.Errorf("%w: payload exceeds %d bytes", kit.ErrDenied, s.cfg.MaxPayloadBytes)
		}
	}

	p, err := s.dir.Lookup(ctx, d.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient %s unknown", kit.ErrDenied, d.Recipient)
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: recipient %s inactive", kit.ErrDenied, d.Recipient)
	}

	// Tenant consistency. Platform-scope notifications must not name a
	// tenant; everything else must match the recipient's actual tenant.
	if p.Kind == kit.KindPlatformAdmin {
		if d.TenantID != "" {
			return nil, fmt.Errorf("%w: platform-scope notification must not carry a tenant", kit.ErrDenied)
		}
	} else if d.TenantID != p.TenantID {
		s.log.Warn("cross-tenant notification blocked",
			logx.String("recipient", d.Recipient),
			logx.String("declared_tenant", d.TenantID),
			logx.String("actual_tenant", p.TenantID))
		return nil, fmt.Errorf("%w: tenant mismatch for recipient %s", kit.ErrDenied, d.Recipient)
	}

	if d.RecipientKind != "" && d.RecipientKind != p.Kind {
		return nil, fmt.Errorf("%w: recipient kind mismatch", kit.ErrDenied)
	}
	return p, nil
}
