package domain

import "time"

// PlanTier enumerates subscription tiers.
type PlanTier string

const (
	PlanTierFree         PlanTier = "free"
	PlanTierIntermediate PlanTier = "intermediate"
	PlanTierPremium      PlanTier = "premium"
)

// Account represents a registered user and its plan/quota state.
type Account struct {
	ID               string
	Email            string
	Plan             PlanTier
	PlanStartedAt    *time.Time
	PlanEndsAt       *time.Time
	UploadsToday     int
	UploadsThisMonth int
	LastUploadDate   *time.Time // date precision; time-of-day is ignored
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsFree reports whether the account is on the free tier.
func (a Account) IsFree() bool {
	return a.Plan == PlanTierFree
}

// UploadedToday reports whether the account's last upload happened on the
// same calendar date as now. A stale date means the daily counter is due
// for an implicit reset.
func (a Account) UploadedToday(now time.Time) bool {
	if a.LastUploadDate == nil {
		return false
	}
	ly, lm, ld := a.LastUploadDate.Date()
	ny, nm, nd := now.Date()
	return ly == ny && lm == nm && ld == nd
}

// PlanExpired reports whether the account's plan period has ended.
// Accounts without an end date never expire.
func (a Account) PlanExpired(now time.Time) bool {
	return a.PlanEndsAt != nil && a.PlanEndsAt.Before(now)
}
