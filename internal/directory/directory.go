// Package directory is the principal directory collaborator: active status,
// role, tenant and the permission/feature snapshot used at connection time
// and by the permission-refresh auto-action.
//
// Production deployments front this with the account service; this
// implementation is seeded from config and hot-reloaded with it, which is
// also what the tests use.
package directory

import (
	"context"
	"sync"

	"notifyd/internal/kit"
)

// Static is a config-seeded, in-memory kit.Directory.
type Static struct {
	mu         sync.RWMutex
	principals map[string]kit.Principal
}

func NewStatic(seed []kit.Principal) *Static {
	s := &Static{}
	s.Apply(seed)
	return s
}

// Apply replaces the principal set. Called on config reload.
func (s *Static) Apply(seed []kit.Principal) {
	m := make(map[string]kit.Principal, len(seed))
	for _, p := range seed {
		m[p.ID] = p
	}
	s.mu.Lock()
	s.principals = m
	s.mu.Unlock()
}

func (s *Static) Lookup(ctx context.Context, id string) (*kit.Principal, error) {
	s.mu.RLock()
	p, ok := s.principals[id]
	s.mu.RUnlock()
	if !ok {
		return nil, kit.ErrNotFound
	}
	cp := p
	return &cp, nil
}

// ListByKind returns every active principal of the given kind. For tenant
// kinds, tenantID narrows the match; for platform kinds pass "".
func (s *Static) ListByKind(ctx context.Context, kind kit.PrincipalKind, tenantID string) []*kit.Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*kit.Principal
	for _, p := range s.principals {
		if p.Kind != kind || !p.Active {
			continue
		}
		if tenantID != "" && p.TenantID != tenantID {
			continue
		}
		cp := p
		out = append(out, &cp)
	}
	return out
}

// Upsert adds or replaces one principal. Test and tooling hook.
func (s *Static) Upsert(p kit.Principal) {
	s.mu.Lock()
	s.principals[p.ID] = p
	s.mu.Unlock()
}

// AllowAll is an access gate that admits everything. Deployments wire the
// real ABAC evaluator behind kit.AccessGate instead.
type AllowAll struct{}

func (AllowAll) Allowed(ctx context.Context, principal, action, resource string) bool { return true }
