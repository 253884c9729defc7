package classify

import "notifyd/internal/kit"

// Score thresholds mapping the final score to a tier. Lower bounds are
// inclusive; boundary values land on the lower-urgency side of "greater
// urgency", i.e. exactly 80 is P0, exactly 79.999 is P1.
const (
	thresholdP0 = 80
	thresholdP1 = 60
	thresholdP2 = 40
	thresholdP3 = 20
)

// typeScores: each tier owns a fixed set of canonical event types. Exact match
// contributes the tier's base; anything else contributes defaultTypeScore.
const defaultTypeScore = 25

var typeScores = map[string]float64{
	// P0
	"system_down":            90,
	"security_breach":        90,
	"data_loss":              90,
	"payment_system_failure": 90,
	// P1
	"order_stuck":       70,
	"payment_failed":    70,
	"permission_change": 70,
	"sla_breach":        70,
	"service_degraded":  70,
	// P2
	"payment_pending": 50,
	"order_delayed":   50,
	"quota_warning":   50,
	"invoice_overdue": 50,
	// P3
	"order_created":    30,
	"order_completed":  30,
	"payment_received": 30,
	"user_signup":      30,
	// P4
	"blog_published":       10,
	"newsletter":           10,
	"feature_announcement": 10,
	"weekly_digest":        10,
}

// keywordWeights: substring presence in title+message, grouped by severity
// class. Total keyword contribution is capped at keywordCap.
const keywordCap = 80

var keywordWeights = map[string]float64{
	// critical class
	"down":      30,
	"outage":    30,
	"breach":    30,
	"critical":  30,
	"emergency": 30,
	"data loss": 30,
	// high class
	"failed":   20,
	"failure":  20,
	"urgent":   20,
	"stuck":    20,
	"rejected": 20,
	// elevated class
	"delayed":  10,
	"pending":  10,
	"warning":  10,
	"expiring": 10,
	// informational class
	"completed": 4,
	"published": 4,
}

// severityScores: caller-declared severity label contribution.
var severityScores = map[kit.Severity]float64{
	kit.SevCritical: 80,
	kit.SevError:    60,
	kit.SevWarning:  40,
	kit.SevInfo:     25,
	kit.SevSuccess:  15,
}

// payloadSignalCap bounds the contribution of explicit urgency/impact flags.
const payloadSignalCap = 40

// roleFactors: platform roles are weighted above tenant/customer roles.
var roleFactors = map[kit.PrincipalKind]float64{
	kit.KindCustomer:      1.0,
	kit.KindStaff:         1.0,
	kit.KindTenantAdmin:   1.05,
	kit.KindPlatformAdmin: 1.15,
}

// tenantTierFactors: higher commercial tiers are weighted up. Unknown or
// empty tiers are neutral.
var tenantTierFactors = map[string]float64{
	"free":       0.9,
	"standard":   1.0,
	"premium":    1.1,
	"enterprise": 1.2,
}

// impactFactors: declared business impact from the draft payload.
var impactFactors = map[string]float64{
	"critical": 1.3,
	"high":     1.2,
	"medium":   1.0,
	"low":      0.9,
}
