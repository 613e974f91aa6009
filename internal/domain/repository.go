package domain

import (
	"context"
	"time"
)

// CounterUpdate describes the quota mutation applied atomically with
// project creation. ResetDaily restarts the daily counter at one instead of
// incrementing the stale value.
type CounterUpdate struct {
	ResetDaily bool
	UploadedAt time.Time
}

// ProjectFilter narrows and paginates project listings.
type ProjectFilter struct {
	Status ProjectStatus
	Kind   MediaKind
	Page   int
	Limit  int
}

// AccountRepository defines access to accounts and their quota counters.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*Account, error)
	Create(ctx context.Context, acct *Account) error
	// UpdatePlan is the billing collaborator's write surface; the core only
	// reads plan fields.
	UpdatePlan(ctx context.Context, id string, plan PlanTier, startedAt, endsAt *time.Time) error
	// ResetMonthlyCounters zeroes uploads_this_month for every account, at
	// most once per calendar month. The month guard makes missed or doubled
	// runs safe; it returns the number of accounts reset (0 when the month
	// was already handled).
	ResetMonthlyCounters(ctx context.Context, month string) (int64, error)
}

// ProjectRepository defines persistence for projects and their queue entries.
// Status-changing methods are compare-and-set on the current status so a
// stale callback can never resurrect a terminal project.
type ProjectRepository interface {
	// Admit persists the project, applies the counter update, and inserts
	// the queue entry in a single transaction. A duplicate live entry for
	// the project fails the whole admission with ErrDuplicateEntry.
	Admit(ctx context.Context, project *Project, entry *QueueEntry, counters CounterUpdate) error

	// GetByID is the queue consumer's unscoped read; caller-facing reads go
	// through GetForAccount.
	GetByID(ctx context.Context, id string) (*Project, error)
	GetForAccount(ctx context.Context, id, accountID string) (*Project, error)
	ListForAccount(ctx context.Context, accountID string, filter ProjectFilter) ([]Project, int, error)
	ListRecent(ctx context.Context, accountID string, limit int) ([]Project, error)
	CountByStatus(ctx context.Context, accountID string) (map[ProjectStatus]int, error)

	MarkProcessing(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress int) (bool, error)
	Complete(ctx context.Context, id, resultPath string, meta ResultMetadata) error
	Fail(ctx context.Context, id, errMsg string) error
	// Requeue returns a processing project to pending with zeroed progress
	// ahead of a retry attempt.
	Requeue(ctx context.Context, id string) error
	Cancel(ctx context.Context, id, accountID string) (*Project, error)

	// Delete removes the record scoped to its owner and returns it so the
	// caller can release the underlying files.
	Delete(ctx context.Context, id, accountID string) (*Project, error)
	// DeleteByID is the sweeper's unscoped delete; false means the record
	// was already gone.
	DeleteByID(ctx context.Context, id string) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Project, error)
}

// QueueRepository defines the durable priority queue over queue entries.
type QueueRepository interface {
	// Claim leases the highest-priority available entry (FIFO within a
	// rank), increments its attempt count, and rotates its callback token
	// to the provided hash. ErrNotFound means the queue is empty.
	Claim(ctx context.Context, now time.Time, tokenHash string) (*QueueEntry, error)
	GetLiveByProject(ctx context.Context, projectID string) (*QueueEntry, error)
	MarkDone(ctx context.Context, id string) error
	MarkDead(ctx context.Context, id, lastErr string) error
	// Release returns a leased entry to the queue for a later retry.
	Release(ctx context.Context, id string, availableAt time.Time, lastErr string) error
	CancelLive(ctx context.Context, projectID string) error
	DeadByProject(ctx context.Context, projectID string) (*QueueEntry, error)
}
