package handlers

import (
	"net/http"
	"time"

	"cutout/internal/domain"
	"cutout/internal/middleware"
)

func (a *App) DashboardStats(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFromContext(r.Context())
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	counts, recent, err := a.Lifecycle.Stats(r.Context(), accountID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	account, err := a.Accounts.GetByID(r.Context(), accountID)
	if err != nil {
		a.domainError(w, err)
		return
	}

	recentItems := make([]map[string]any, 0, len(recent))
	for i := range recent {
		recentItems = append(recentItems, projectPayload(&recent[i]))
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	a.json(w, http.StatusOK, map[string]any{
		"total":     total,
		"by_status": counts,
		"recent":    recentItems,
		"quota":     a.quotaUsage(account, time.Now()),
	})
}

// quotaUsage reports the account's position in its active quota window.
// remaining is -1 for unlimited plans.
func (a *App) quotaUsage(account *domain.Account, now time.Time) map[string]any {
	limits := a.Catalog[account.Plan]
	usage := map[string]any{
		"plan":      account.Plan,
		"remaining": -1,
	}
	if account.IsFree() {
		used := account.UploadsToday
		if !account.UploadedToday(now) {
			used = 0
		}
		usage["window"] = "daily"
		usage["used"] = used
		if limits.DailyUploads != nil {
			remaining := *limits.DailyUploads - used
			if remaining < 0 {
				remaining = 0
			}
			usage["limit"] = *limits.DailyUploads
			usage["remaining"] = remaining
		}
		return usage
	}
	usage["window"] = "monthly"
	usage["used"] = account.UploadsThisMonth
	if limits.MonthlyUploads != nil {
		remaining := *limits.MonthlyUploads - account.UploadsThisMonth
		if remaining < 0 {
			remaining = 0
		}
		usage["limit"] = *limits.MonthlyUploads
		usage["remaining"] = remaining
	}
	return usage
}
