package reminder

import (
	"context"
	"fmt"
	"sync"

	"notifyd/internal/kit"
	"notifyd/pkg/logx"
)

// Built-in action names.
const (
	ActionNoop               = "noop"
	ActionEscalateToAdmin    = "escalate_to_admin"
	ActionRefreshPermissions = "refresh_permissions"
	ActionCancelOrder        = "cancel_order"
	ActionRefundPayment      = "refund_payment"
)

// ActionHandler runs a fallback operation when the final reminder goes
// unacknowledged. Handlers must be safe to call with an arbitrary
// notification of their registered name.
type ActionHandler func(ctx context.Context, n *kit.Notification) error

// ActionRegistry maps action names to handlers. Unknown names resolve to a
// logging no-op rather than an error: a stale action name in old data must
// not wedge the sweep.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
	log      logx.Logger
}

func NewActionRegistry(log logx.Logger) *ActionRegistry {
	r := &ActionRegistry{
		handlers: make(map[string]ActionHandler),
		log:      log,
	}
	r.Register(ActionNoop, func(context.Context, *kit.Notification) error { return nil })
	return r
}

// Register installs or replaces the handler for name.
func (r *ActionRegistry) Register(name string, h ActionHandler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// Execute runs the named handler, converting a panic into an error so one
// misbehaving handler cannot take down the sweep goroutine.
func (r *ActionRegistry) Execute(ctx context.Context, name string, n *kit.Notification) (err error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn("no handler for auto action, skipping",
			logx.String("action", name), logx.String("notification", n.ID))
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action %s panicked: %v", name, rec)
		}
	}()
	return h(ctx, n)
}
