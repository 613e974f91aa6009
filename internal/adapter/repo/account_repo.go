package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cutout/internal/domain"
)

// AccountRepositoryPG implements domain.AccountRepository backed by PostgreSQL.
type AccountRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepositoryPG.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepositoryPG {
	return &AccountRepositoryPG{pool: pool}
}

const accountColumns = `id, email, plan, plan_started_at, plan_ends_at, uploads_today, uploads_this_month, last_upload_date, created_at, updated_at`

// GetByID fetches an account by UUID.
func (r *AccountRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// Create inserts a new account record.
func (r *AccountRepositoryPG) Create(ctx context.Context, acct *domain.Account) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO accounts (id, email, plan, plan_started_at, plan_ends_at)
VALUES ($1, $2, $3, $4, $5);
`, acct.ID, acct.Email, acct.Plan, acct.PlanStartedAt, acct.PlanEndsAt)
	return err
}

// UpdatePlan mutates the billing-owned plan fields. The lifecycle core never
// calls this; it exists for the billing collaborator at the boundary.
func (r *AccountRepositoryPG) UpdatePlan(ctx context.Context, id string, plan domain.PlanTier, startedAt, endsAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE accounts
SET plan = $2,
    plan_started_at = $3,
    plan_ends_at = $4,
    updated_at = NOW()
WHERE id = $1;
`, id, plan, startedAt, endsAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ResetMonthlyCounters performs the bulk monthly counter reset, at most once
// for the given month. The counter_resets row is advanced first; if it was
// already at (or past) the month, the reset has run and this call is a no-op.
func (r *AccountRepositoryPG) ResetMonthlyCounters(ctx context.Context, month string) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin monthly reset: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
INSERT INTO counter_resets (id, last_month)
VALUES (TRUE, $1)
ON CONFLICT (id) DO UPDATE
SET last_month = EXCLUDED.last_month,
    reset_at = NOW()
WHERE counter_resets.last_month < EXCLUDED.last_month;
`, month)
	if err != nil {
		return 0, fmt.Errorf("advance reset marker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already reset for this month.
		return 0, nil
	}

	tag, err = tx.Exec(ctx, `UPDATE accounts SET uploads_this_month = 0, updated_at = NOW();`)
	if err != nil {
		return 0, fmt.Errorf("reset monthly counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit monthly reset: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(
		&a.ID,
		&a.Email,
		&a.Plan,
		&a.PlanStartedAt,
		&a.PlanEndsAt,
		&a.UploadsToday,
		&a.UploadsThisMonth,
		&a.LastUploadDate,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}
