package engine

import "notifyd/internal/services/dispatch"

// recentDeliveries caps the history slice served on the status endpoint; the
// full ring stays available through Dispatcher().History().
const recentDeliveries = 25

// Status is the introspection snapshot served on the status endpoint.
type Status struct {
	LiveConnections  int                    `json:"live_connections"`
	PerTier          map[string]uint64      `json:"per_tier"`
	Counters         map[string]uint64      `json:"counters"`
	AuditFailures    uint64                 `json:"audit_failures"`
	RecentDeliveries []dispatch.HistoryItem `json:"recent_deliveries"`
}

// Status assembles a point-in-time snapshot. Counters are keyed by bus event
// type (notification.created, notification.delivered, ...).
func (e *Engine) Status() Status {
	e.mu.Lock()
	counters := make(map[string]uint64, len(e.counters))
	for k, v := range e.counters {
		counters[k] = v
	}
	perTier := make(map[string]uint64, len(e.tierCounts))
	for k, v := range e.tierCounts {
		perTier[k] = v
	}
	e.mu.Unlock()

	hist := e.dispatcher.History()
	if len(hist) > recentDeliveries {
		hist = hist[len(hist)-recentDeliveries:]
	}

	return Status{
		LiveConnections:  e.registry.Count(),
		PerTier:          perTier,
		Counters:         counters,
		AuditFailures:    e.auditor.Failures(),
		RecentDeliveries: hist,
	}
}
