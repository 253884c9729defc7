// Package classify scores an event draft into one of five priority tiers.
//
// Classification is a pure function of (draft, recipient context, clock):
// identical inputs under a frozen clock always produce the same tier. The
// wall-clock time-of-day factor is the only environmental input, injected so
// tests can pin it.
package classify

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/kit"
)

// Result retains the intermediate numbers for audit/debug.
type Result struct {
	Tier       kit.Tier
	Base       float64
	Multiplier float64
	Score      float64
}

func (r Result) String() string {
	return fmt.Sprintf("%s base=%.1f mult=%.2f score=%.1f", r.Tier, r.Base, r.Multiplier, r.Score)
}

type Service struct {
	now func() time.Time
	loc *time.Location
}

func New(loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{now: time.Now, loc: loc}
}

// SetClock pins the classifier clock. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Classify computes the tier for a draft addressed to the given principal.
// The principal supplies the recipient-role and tenant-tier context factors;
// a nil principal is neutral.
func (s *Service) Classify(d kit.Draft, p *kit.Principal) Result {
	base := typeScore(d.EventType) +
		keywordScore(d.Title+" "+d.Message) +
		severityScore(d.Severity) +
		payloadScore(d.Payload)
	base = clamp(base, 0, 100)

	mult := s.timeOfDayFactor(s.now().In(s.loc)) * roleFactor(d.RecipientKind) *
		tenantFactor(p) * impactFactor(d.Payload)

	score := clamp(base*mult, 0, 100)

	return Result{Tier: tierFor(score), Base: base, Multiplier: mult, Score: score}
}

func tierFor(score float64) kit.Tier {
	switch {
	case score >= thresholdP0:
		return kit.TierP0
	case score >= thresholdP1:
		return kit.TierP1
	case score >= thresholdP2:
		return kit.TierP2
	case score >= thresholdP3:
		return kit.TierP3
	}
	return kit.TierP4
}

func typeScore(eventType string) float64 {
	if v, ok := typeScores[strings.ToLower(strings.TrimSpace(eventType))]; ok {
		return v
	}
	return defaultTypeScore
}

func keywordScore(text string) float64 {
	text = strings.ToLower(text)
	var total float64
	for kw, w := range keywordWeights {
		if strings.Contains(text, kw) {
			total += w
		}
	}
	return clamp(total, 0, keywordCap)
}

func severityScore(sev kit.Severity) float64 {
	return severityScores[kit.Severity(strings.ToLower(string(sev)))]
}

// payloadScore reads explicit urgency/impact flags out of the structured
// payload. Contribution is capped.
func payloadScore(payload map[string]any) float64 {
	if len(payload) == 0 {
		return 0
	}
	var total float64
	if b, _ := payload["urgent"].(bool); b {
		total += 25
	}
	if b, _ := payload["emergency"].(bool); b {
		total += 25
	}
	if impact, _ := payload["impact"].(string); strings.EqualFold(impact, "critical") || strings.EqualFold(impact, "high") {
		total += 15
	}
	if b, _ := payload["escalate"].(bool); b {
		total += 10
	}
	return clamp(total, 0, payloadSignalCap)
}

// timeOfDayFactor weights business hours up and nights/weekends down.
func (s *Service) timeOfDayFactor(t time.Time) float64 {
	hour := t.Hour()
	night := hour >= 22 || hour < 7
	weekend := t.Weekday() == time.Saturday || t.Weekday() == time.Sunday

	switch {
	case weekend && night:
		return 0.8
	case weekend:
		return 0.9
	case night:
		return 0.85
	case hour >= 9 && hour < 17:
		return 1.2 // business hours
	default:
		return 1.0 // extended hours
	}
}

func roleFactor(kind kit.PrincipalKind) float64 {
	if f, ok := roleFactors[kind]; ok {
		return f
	}
	return 1.0
}

func tenantFactor(p *kit.Principal) float64 {
	if p == nil {
		return 1.0
	}
	if f, ok := tenantTierFactors[strings.ToLower(p.TenantTier)]; ok {
		return f
	}
	return 1.0
}

func impactFactor(payload map[string]any) float64 {
	impact, _ := payload["business_impact"].(string)
	if f, ok := impactFactors[strings.ToLower(impact)]; ok {
		return f
	}
	return 1.0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
