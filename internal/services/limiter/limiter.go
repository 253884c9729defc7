// Package limiter bounds the notification volume a principal may receive per
// unit time, independent of priority classification. Token buckets are keyed
// by (principal, tier); P0 is never limited.
package limiter

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/kit"
	"notifyd/pkg/logx"
)

type Config struct {
	PerMinute map[kit.Tier]int
	PerHour   map[kit.Tier]int
}

func defaults() Config {
	return Config{
		PerMinute: map[kit.Tier]int{
			kit.TierP1: 60,
			kit.TierP2: 30,
			kit.TierP3: 20,
			kit.TierP4: 10,
		},
		PerHour: map[kit.Tier]int{
			kit.TierP1: 600,
			kit.TierP2: 300,
			kit.TierP3: 200,
			kit.TierP4: 100,
		},
	}
}

type entry struct {
	minute   *rate.Limiter
	hour     *rate.Limiter
	lastUsed time.Time
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*entry

	log logx.Logger
	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Service {
	s := &Service{buckets: map[string]*entry{}, log: log, now: time.Now}
	s.Apply(cfg)
	return s
}

// SetClock pins the limiter clock. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Apply merges configured caps over the defaults and resets existing buckets
// so new limits take effect immediately.
func (s *Service) Apply(cfg Config) {
	merged := defaults()
	for t, v := range cfg.PerMinute {
		if v > 0 {
			merged.PerMinute[t] = v
		}
	}
	for t, v := range cfg.PerHour {
		if v > 0 {
			merged.PerHour[t] = v
		}
	}
	s.mu.Lock()
	s.cfg = merged
	s.buckets = map[string]*entry{}
	s.mu.Unlock()
}

// CheckAndConsume consumes one token for the principal at the given tier.
// Returns nil on allow, or an error wrapping kit.ErrRateLimited with the
// denied cap. Denial is a local, recoverable failure: the caller drops the
// notification but still audits the attempt; there is no automatic retry.
func (s *Service) CheckAndConsume(principal string, tier kit.Tier) error {
	if tier == kit.TierP0 {
		return nil
	}

	now := s.now()
	s.mu.Lock()
	perMin := s.cfg.PerMinute[tier]
	perHour := s.cfg.PerHour[tier]
	key := principal + "|" + tier.String()
	e := s.buckets[key]
	if e == nil {
		e = &entry{
			minute: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
			hour:   rate.NewLimiter(rate.Limit(float64(perHour)/3600.0), perHour),
		}
		s.buckets[key] = e
	}
	e.lastUsed = now
	s.mu.Unlock()

	// Consume from both windows; on an hourly deny, refund the minute token
	// so the hourly cap doesn't silently eat minute budget.
	res := e.minute.ReserveN(now, 1)
	if !res.OK() || res.DelayFrom(now) > 0 {
		if res.OK() {
			res.CancelAt(now)
		}
		return fmt.Errorf("%w: %s cap %d/min for %s", kit.ErrRateLimited, tier, perMin, principal)
	}
	if !e.hour.AllowN(now, 1) {
		res.CancelAt(now)
		return fmt.Errorf("%w: %s cap %d/hour for %s", kit.ErrRateLimited, tier, perHour, principal)
	}
	return nil
}

// Prune drops buckets idle longer than the window. Bucket state resets by
// rollover, not explicit deletion; pruning only bounds the map size.
func (s *Service) Prune(idle time.Duration) int {
	if idle <= 0 {
		idle = 2 * time.Hour
	}
	cutoff := s.now().Add(-idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.buckets {
		if e.lastUsed.Before(cutoff) {
			delete(s.buckets, k)
			removed++
		}
	}
	return removed
}
