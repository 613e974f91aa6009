package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cutout/internal/domain"
)

// QueueRepositoryPG implements domain.QueueRepository on PostgreSQL. Claiming
// relies on FOR UPDATE SKIP LOCKED so concurrent workers never lease the same
// entry, which is what guarantees at most one worker per project.
type QueueRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewQueueRepository creates a new queue repository backed by PostgreSQL.
func NewQueueRepository(pool *pgxpool.Pool) *QueueRepositoryPG {
	return &QueueRepositoryPG{pool: pool}
}

const queueEntryColumns = `id, project_id, priority, attempts, max_attempts, state, available_at, token_hash, last_error, enqueued_at, updated_at`

// Claim leases the next available entry: lowest rank first, FIFO within a
// rank, skipping entries still in their backoff window. The lease bumps the
// attempt count and rotates the callback token hash.
func (r *QueueRepositoryPG) Claim(ctx context.Context, now time.Time, tokenHash string) (*domain.QueueEntry, error) {
	row := r.pool.QueryRow(ctx, `
UPDATE queue_entries
SET state = $3, attempts = attempts + 1, token_hash = $2, updated_at = NOW()
WHERE id = (
    SELECT id FROM queue_entries
    WHERE state = $4 AND available_at <= $1
    ORDER BY priority ASC, enqueued_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING `+queueEntryColumns+`;
`, now, tokenHash, domain.QueueEntryStateLeased, domain.QueueEntryStateQueued)
	return scanQueueEntry(row)
}

// GetLiveByProject returns the project's queued or leased entry, if any.
func (r *QueueRepositoryPG) GetLiveByProject(ctx context.Context, projectID string) (*domain.QueueEntry, error) {
	row := r.pool.QueryRow(ctx, `
SELECT `+queueEntryColumns+` FROM queue_entries
WHERE project_id = $1 AND state IN ($2, $3);
`, projectID, domain.QueueEntryStateQueued, domain.QueueEntryStateLeased)
	return scanQueueEntry(row)
}

// MarkDone removes the entry from the live set after terminal success.
func (r *QueueRepositoryPG) MarkDone(ctx context.Context, id string) error {
	return r.setState(ctx, id, domain.QueueEntryStateDone, nil)
}

// MarkDead parks the entry for inspection after exhausted retries.
func (r *QueueRepositoryPG) MarkDead(ctx context.Context, id, lastErr string) error {
	return r.setState(ctx, id, domain.QueueEntryStateDead, &lastErr)
}

// Release returns a leased entry to the queue with a backoff deadline.
func (r *QueueRepositoryPG) Release(ctx context.Context, id string, availableAt time.Time, lastErr string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE queue_entries
SET state = $2, available_at = $3, last_error = $4, updated_at = NOW()
WHERE id = $1 AND state = $5;
`, id, domain.QueueEntryStateQueued, availableAt, lastErr, domain.QueueEntryStateLeased)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CancelLive retires the project's live entry, if one exists. Cancelling a
// project without a live entry is a no-op.
func (r *QueueRepositoryPG) CancelLive(ctx context.Context, projectID string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE queue_entries
SET state = $2, updated_at = NOW()
WHERE project_id = $1 AND state IN ($3, $4);
`, projectID, domain.QueueEntryStateCancelled, domain.QueueEntryStateQueued, domain.QueueEntryStateLeased)
	return err
}

// DeadByProject returns the project's dead entry for inspection.
func (r *QueueRepositoryPG) DeadByProject(ctx context.Context, projectID string) (*domain.QueueEntry, error) {
	row := r.pool.QueryRow(ctx, `
SELECT `+queueEntryColumns+` FROM queue_entries
WHERE project_id = $1 AND state = $2
ORDER BY updated_at DESC
LIMIT 1;
`, projectID, domain.QueueEntryStateDead)
	return scanQueueEntry(row)
}

func (r *QueueRepositoryPG) setState(ctx context.Context, id string, state domain.QueueEntryState, lastErr *string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE queue_entries
SET state = $2, last_error = COALESCE($3, last_error), updated_at = NOW()
WHERE id = $1;
`, id, state, lastErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanQueueEntry(row pgx.Row) (*domain.QueueEntry, error) {
	var e domain.QueueEntry
	if err := row.Scan(
		&e.ID,
		&e.ProjectID,
		&e.Priority,
		&e.Attempts,
		&e.MaxAttempts,
		&e.State,
		&e.AvailableAt,
		&e.TokenHash,
		&e.LastError,
		&e.EnqueuedAt,
		&e.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}
