package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cutout/internal/domain"
)

// ProjectRepositoryPG implements domain.ProjectRepository.
type ProjectRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewProjectRepository creates a new project repository backed by PostgreSQL.
func NewProjectRepository(pool *pgxpool.Pool) *ProjectRepositoryPG {
	return &ProjectRepositoryPG{pool: pool}
}

const projectColumns = `id, account_id, kind, original_file_name, source_path, result_path, status, progress, error_message, byte_size, resolution, duration, expires_at, created_at, updated_at`

// Admit inserts the project, applies the quota counter update, and enqueues
// the queue entry in one transaction so concurrent admissions from the same
// account cannot double-count and no partial state survives an error.
func (r *ProjectRepositoryPG) Admit(ctx context.Context, project *domain.Project, entry *domain.QueueEntry, counters domain.CounterUpdate) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin admission: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
INSERT INTO projects (id, account_id, kind, original_file_name, source_path, status, progress, byte_size, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`,
		project.ID,
		project.AccountID,
		project.Kind,
		project.OriginalFileName,
		project.SourcePath,
		project.Status,
		project.Progress,
		project.ByteSize,
		project.ExpiresAt,
	); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}

	counterSQL := `
UPDATE accounts
SET uploads_today = uploads_today + 1,
    uploads_this_month = uploads_this_month + 1,
    last_upload_date = $2,
    updated_at = NOW()
WHERE id = $1;
`
	if counters.ResetDaily {
		counterSQL = `
UPDATE accounts
SET uploads_today = 1,
    uploads_this_month = uploads_this_month + 1,
    last_upload_date = $2,
    updated_at = NOW()
WHERE id = $1;
`
	}
	tag, err := tx.Exec(ctx, counterSQL, project.AccountID, counters.UploadedAt)
	if err != nil {
		return fmt.Errorf("update upload counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO queue_entries (id, project_id, priority, max_attempts, state, available_at, token_hash)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`,
		entry.ID,
		entry.ProjectID,
		entry.Priority,
		entry.MaxAttempts,
		entry.State,
		entry.AvailableAt,
		entry.TokenHash,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateEntry
		}
		return fmt.Errorf("insert queue entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit admission: %w", err)
	}
	return nil
}

// GetByID fetches a project without owner scoping. Reserved for the queue
// consumer and sweeper; caller-facing paths use GetForAccount.
func (r *ProjectRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Project, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	return scanProject(row)
}

// GetForAccount fetches a project scoped to its owner. A project owned by a
// different account is reported as not found.
func (r *ProjectRepositoryPG) GetForAccount(ctx context.Context, id, accountID string) (*domain.Project, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1 AND account_id = $2`, id, accountID)
	return scanProject(row)
}

// ListForAccount returns a filtered page of the account's projects plus the
// total match count.
func (r *ProjectRepositoryPG) ListForAccount(ctx context.Context, accountID string, filter domain.ProjectFilter) ([]domain.Project, int, error) {
	where := "WHERE account_id = $1"
	args := []any{accountID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		where += fmt.Sprintf(" AND kind = $%d", len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM projects `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`SELECT `+projectColumns+` FROM projects %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	projects, err := collectProjects(rows)
	if err != nil {
		return nil, 0, err
	}
	return projects, total, nil
}

// ListRecent returns the account's newest projects.
func (r *ProjectRepositoryPG) ListRecent(ctx context.Context, accountID string, limit int) ([]domain.Project, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}

// CountByStatus aggregates the account's projects per status.
func (r *ProjectRepositoryPG) CountByStatus(ctx context.Context, accountID string) (map[domain.ProjectStatus]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM projects WHERE account_id = $1 GROUP BY status`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.ProjectStatus]int)
	for rows.Next() {
		var status domain.ProjectStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// MarkProcessing moves a pending project to processing. The status guard in
// the WHERE clause is the stale-callback protection: a cancelled or already
// terminal project is never resurrected.
func (r *ProjectRepositoryPG) MarkProcessing(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE projects
SET status = $2, updated_at = NOW()
WHERE id = $1 AND status = $3;
`, id, domain.ProjectStatusProcessing, domain.ProjectStatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionFailure(ctx, id)
	}
	return nil
}

// UpdateProgress applies a progress report. Only a processing project with a
// smaller-or-equal stored value accepts the update; the boolean reports
// whether anything changed.
func (r *ProjectRepositoryPG) UpdateProgress(ctx context.Context, id string, progress int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE projects
SET progress = $2, updated_at = NOW()
WHERE id = $1 AND status = $3 AND progress <= $2;
`, id, progress, domain.ProjectStatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Complete finishes a processing project with its result reference and
// worker-reported metadata.
func (r *ProjectRepositoryPG) Complete(ctx context.Context, id, resultPath string, meta domain.ResultMetadata) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE projects
SET status = $2,
    progress = 100,
    result_path = $3,
    resolution = NULLIF($4, ''),
    duration = NULLIF($5, 0.0),
    updated_at = NOW()
WHERE id = $1 AND status = $6;
`, id, domain.ProjectStatusCompleted, resultPath, meta.Resolution, meta.Duration, domain.ProjectStatusProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionFailure(ctx, id)
	}
	return nil
}

// Fail marks a non-terminal project failed, preserving the error detail.
func (r *ProjectRepositoryPG) Fail(ctx context.Context, id, errMsg string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE projects
SET status = $2, error_message = $3, updated_at = NOW()
WHERE id = $1 AND status IN ($4, $5);
`, id, domain.ProjectStatusFailed, errMsg, domain.ProjectStatusPending, domain.ProjectStatusProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionFailure(ctx, id)
	}
	return nil
}

// Requeue returns a processing project to pending before a retry attempt.
// Progress restarts so the next attempt reports from zero.
func (r *ProjectRepositoryPG) Requeue(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE projects
SET status = $2, progress = 0, updated_at = NOW()
WHERE id = $1 AND status = $3;
`, id, domain.ProjectStatusPending, domain.ProjectStatusProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionFailure(ctx, id)
	}
	return nil
}

// Cancel moves an owner's pending or processing project to cancelled and
// returns the updated record.
func (r *ProjectRepositoryPG) Cancel(ctx context.Context, id, accountID string) (*domain.Project, error) {
	row := r.pool.QueryRow(ctx, `
UPDATE projects
SET status = $3, updated_at = NOW()
WHERE id = $1 AND account_id = $2 AND status IN ($4, $5)
RETURNING `+projectColumns+`;
`, id, accountID, domain.ProjectStatusCancelled, domain.ProjectStatusPending, domain.ProjectStatusProcessing)
	project, err := scanProject(row)
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	// Distinguish a missing/foreign project from one in a terminal state.
	var exists bool
	if scanErr := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1 AND account_id = $2)`, id, accountID).Scan(&exists); scanErr != nil {
		return nil, scanErr
	}
	if !exists {
		return nil, domain.ErrNotFound
	}
	return nil, domain.ErrInvalidTransition
}

// Delete removes an owner's project record and returns it so the caller can
// release the files it referenced.
func (r *ProjectRepositoryPG) Delete(ctx context.Context, id, accountID string) (*domain.Project, error) {
	row := r.pool.QueryRow(ctx, `DELETE FROM projects WHERE id = $1 AND account_id = $2 RETURNING `+projectColumns, id, accountID)
	return scanProject(row)
}

// DeleteByID removes a project unconditionally; false means it was already gone.
func (r *ProjectRepositoryPG) DeleteByID(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListExpired returns projects past their retention window, oldest first,
// regardless of status.
func (r *ProjectRepositoryPG) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Project, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects WHERE expires_at < $1 ORDER BY expires_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}

func (r *ProjectRepositoryPG) transitionFailure(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrInvalidTransition
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	if err := row.Scan(
		&p.ID,
		&p.AccountID,
		&p.Kind,
		&p.OriginalFileName,
		&p.SourcePath,
		&p.ResultPath,
		&p.Status,
		&p.Progress,
		&p.ErrorMessage,
		&p.ByteSize,
		&p.Resolution,
		&p.Duration,
		&p.ExpiresAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func collectProjects(rows pgx.Rows) ([]domain.Project, error) {
	var projects []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return projects, nil
}
