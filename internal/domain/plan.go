package domain

import "time"

// PlanLimits describes the quota and capability ceiling of one tier.
// A nil cap means unlimited, never a sentinel number.
type PlanLimits struct {
	Name           string
	DurationDays   int
	DailyUploads   *int
	MonthlyUploads *int
	MaxResolution  int
	Priority       QueuePriority
}

// PlanCatalog maps tiers to their limits.
type PlanCatalog map[PlanTier]PlanLimits

// MaxResolution returns the resolution ceiling for a tier, falling back to
// the free ceiling for unknown tiers.
func (c PlanCatalog) MaxResolution(tier PlanTier) int {
	if limits, ok := c[tier]; ok {
		return limits.MaxResolution
	}
	if limits, ok := c[PlanTierFree]; ok {
		return limits.MaxResolution
	}
	return 720
}

// Priority returns the processing priority for a tier, defaulting to low.
func (c PlanCatalog) Priority(tier PlanTier) QueuePriority {
	if limits, ok := c[tier]; ok && limits.Priority != "" {
		return limits.Priority
	}
	return QueuePriorityLow
}

// EligibilityReason is a stable machine-readable rejection code.
type EligibilityReason string

const (
	ReasonAllowed      EligibilityReason = "allowed"
	ReasonInvalidPlan  EligibilityReason = "invalid_plan"
	ReasonPlanExpired  EligibilityReason = "plan_expired"
	ReasonDailyLimit   EligibilityReason = "daily_limit_reached"
	ReasonMonthlyLimit EligibilityReason = "monthly_limit_reached"
)

// Eligibility is the outcome of an upload admission check. ResetDaily signals
// that the daily counter is stale and must be reset by the caller, in the
// same transaction that applies the increment; the policy itself never
// mutates state.
type Eligibility struct {
	Allowed       bool
	Reason        EligibilityReason
	ResetDaily    bool
	MaxResolution int
	Priority      QueuePriority
}

// EvaluateUploadEligibility decides whether the account may upload right now.
// Pure function of account state, catalog, and the clock.
//
// Free-tier accounts are capped per calendar day: a last-upload date other
// than today implies the stale counter resets before comparison, so admission
// is granted with ResetDaily set instead of rejecting on the old count. Paid
// tiers are capped per month. An expired plan rejects regardless of unused
// quota.
func EvaluateUploadEligibility(acct Account, catalog PlanCatalog, now time.Time) Eligibility {
	limits, ok := catalog[acct.Plan]
	if !ok {
		return Eligibility{Reason: ReasonInvalidPlan}
	}

	out := Eligibility{
		MaxResolution: limits.MaxResolution,
		Priority:      limits.Priority,
	}

	if acct.PlanExpired(now) {
		out.Reason = ReasonPlanExpired
		return out
	}

	if limits.DailyUploads != nil {
		if !acct.UploadedToday(now) {
			out.ResetDaily = true
		} else if acct.UploadsToday >= *limits.DailyUploads {
			out.Reason = ReasonDailyLimit
			return out
		}
	}

	if limits.MonthlyUploads != nil && acct.UploadsThisMonth >= *limits.MonthlyUploads {
		out.Reason = ReasonMonthlyLimit
		return out
	}

	out.Allowed = true
	out.Reason = ReasonAllowed
	return out
}
