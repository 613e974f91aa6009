package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"cutout/internal/cache"
	"cutout/internal/domain"
)

const snapshotTTL = 2 * time.Second

// AssetStore is the slice of the storage contract the lifecycle needs:
// releasing files when a project is rejected, removed, or swept. Deletion
// must tolerate missing files.
type AssetStore interface {
	Delete(ctx context.Context, key string) error
}

// Lifecycle is the project state machine: it gates admission by plan policy,
// tracks status transitions driven by the work queue, and owns cleanup of a
// project's records and files. Transitions are compare-and-set at the store
// so a stale worker callback can never resurrect a cancelled or terminal
// project.
type Lifecycle struct {
	accounts    domain.AccountRepository
	projects    domain.ProjectRepository
	queue       domain.QueueRepository
	files       AssetStore
	cache       cache.Cache
	catalog     domain.PlanCatalog
	retention   time.Duration
	maxAttempts int
	backoffBase time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// LifecycleOptions configures a Lifecycle.
type LifecycleOptions struct {
	Accounts    domain.AccountRepository
	Projects    domain.ProjectRepository
	Queue       domain.QueueRepository
	Files       AssetStore
	Cache       cache.Cache
	Catalog     domain.PlanCatalog
	Retention   time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	Logger      zerolog.Logger
}

// NewLifecycle constructs the tracker with its collaborators.
func NewLifecycle(opts LifecycleOptions) *Lifecycle {
	retention := opts.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 5 * time.Second
	}
	return &Lifecycle{
		accounts:    opts.Accounts,
		projects:    opts.Projects,
		queue:       opts.Queue,
		files:       opts.Files,
		cache:       opts.Cache,
		catalog:     opts.Catalog,
		retention:   retention,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// WithClock overrides the tracker's clock. Test hook.
func (l *Lifecycle) WithClock(now func() time.Time) *Lifecycle {
	l.now = now
	return l
}

// AdmitInput describes a staged upload awaiting admission. SourcePath points
// at the already-stored file; on rejection the caller owns releasing it.
type AdmitInput struct {
	FileName   string
	SourcePath string
	Kind       domain.MediaKind
	ByteSize   int64
}

// AdmitResult is a successful admission.
type AdmitResult struct {
	Project *domain.Project
	// RemainingQuota is uploads left in the account's active window after
	// this admission; -1 means unlimited.
	RemainingQuota int
	MaxResolution  int
	Priority       domain.QueuePriority
}

// Admit runs the plan-policy gate and, on acceptance, persists the pending
// project, the counter update, and the queue entry atomically. Nothing is
// written on rejection; the staged file stays the caller's to release.
func (l *Lifecycle) Admit(ctx context.Context, accountID string, in AdmitInput) (*AdmitResult, error) {
	if in.FileName == "" || in.SourcePath == "" {
		return nil, fmt.Errorf("%w: file name and source path are required", domain.ErrValidation)
	}
	if in.Kind != domain.MediaKindImage && in.Kind != domain.MediaKindVideo {
		return nil, fmt.Errorf("%w: unsupported media kind %q", domain.ErrValidation, in.Kind)
	}
	if in.ByteSize <= 0 {
		return nil, fmt.Errorf("%w: empty upload", domain.ErrValidation)
	}

	acct, err := l.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	elig := domain.EvaluateUploadEligibility(*acct, l.catalog, now)
	if !elig.Allowed {
		return nil, eligibilityError(elig.Reason)
	}

	project := &domain.Project{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		Kind:             in.Kind,
		OriginalFileName: in.FileName,
		SourcePath:       in.SourcePath,
		Status:           domain.ProjectStatusPending,
		ByteSize:         in.ByteSize,
		ExpiresAt:        now.Add(l.retention),
		CreatedAt:        now,
	}
	entry := &domain.QueueEntry{
		ID:          uuid.NewString(),
		ProjectID:   project.ID,
		Priority:    elig.Priority.Rank(),
		MaxAttempts: l.maxAttempts,
		State:       domain.QueueEntryStateQueued,
		AvailableAt: now,
		EnqueuedAt:  now,
	}
	counters := domain.CounterUpdate{ResetDaily: elig.ResetDaily, UploadedAt: now}

	if err := l.projects.Admit(ctx, project, entry, counters); err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("project_id", project.ID).
		Str("account_id", accountID).
		Str("kind", string(in.Kind)).
		Str("priority", string(elig.Priority)).
		Msg("lifecycle: project admitted")

	return &AdmitResult{
		Project:        project,
		RemainingQuota: remainingQuota(*acct, l.catalog, elig),
		MaxResolution:  elig.MaxResolution,
		Priority:       elig.Priority,
	}, nil
}

// VerifyCallback authenticates a worker callback against the project's live
// queue entry. Only the holder of the token minted at claim time may drive
// transitions; everything else fails closed.
func (l *Lifecycle) VerifyCallback(ctx context.Context, projectID, token string) (*domain.QueueEntry, error) {
	if token == "" {
		return nil, domain.ErrUnauthorizedWorker
	}
	entry, err := l.queue.GetLiveByProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUnauthorizedWorker
		}
		return nil, err
	}
	if entry.TokenHash == "" {
		return nil, domain.ErrUnauthorizedWorker
	}
	if bcrypt.CompareHashAndPassword([]byte(entry.TokenHash), []byte(token)) != nil {
		return nil, domain.ErrUnauthorizedWorker
	}
	return entry, nil
}

// Start moves a claimed project from pending to processing.
func (l *Lifecycle) Start(ctx context.Context, projectID, token string) error {
	if _, err := l.VerifyCallback(ctx, projectID, token); err != nil {
		return err
	}
	if err := l.projects.MarkProcessing(ctx, projectID); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			l.logger.Warn().Str("project_id", projectID).Msg("lifecycle: start rejected, project not pending")
		}
		return err
	}
	return nil
}

// ReportProgress records a worker progress update. Out-of-range and
// out-of-order values are dropped with a warning; stored progress only ever
// moves forward while the project is processing.
func (l *Lifecycle) ReportProgress(ctx context.Context, projectID, token string, progress int) error {
	if _, err := l.VerifyCallback(ctx, projectID, token); err != nil {
		return err
	}
	if progress < 0 || progress > 100 {
		l.logger.Warn().Str("project_id", projectID).Int("progress", progress).Msg("lifecycle: progress out of range, ignored")
		return nil
	}
	applied, err := l.projects.UpdateProgress(ctx, projectID, progress)
	if err != nil {
		return err
	}
	if !applied {
		l.logger.Warn().Str("project_id", projectID).Int("progress", progress).Msg("lifecycle: stale or out-of-order progress, ignored")
	}
	return nil
}

// Complete finishes a processing project with its result file reference and
// worker-reported metadata, and retires the queue entry.
func (l *Lifecycle) Complete(ctx context.Context, projectID, token, resultPath string, meta domain.ResultMetadata) error {
	entry, err := l.VerifyCallback(ctx, projectID, token)
	if err != nil {
		return err
	}
	if resultPath == "" {
		return fmt.Errorf("%w: result path is required", domain.ErrValidation)
	}
	if err := l.projects.Complete(ctx, projectID, resultPath, meta); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			l.logger.Warn().Str("project_id", projectID).Msg("lifecycle: completion rejected, project not processing")
			// The entry is stale either way: a cancelled project keeps its
			// entry out of the live set.
			if qerr := l.queue.CancelLive(ctx, projectID); qerr != nil {
				l.logger.Error().Err(qerr).Str("project_id", projectID).Msg("lifecycle: failed to retire stale entry")
			}
		}
		return err
	}
	if err := l.queue.MarkDone(ctx, entry.ID); err != nil {
		l.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("lifecycle: failed to mark entry done")
	}
	l.logger.Info().Str("project_id", projectID).Msg("lifecycle: project completed")
	return nil
}

// Fail records a worker-reported failure. While attempts remain the entry is
// released with exponential backoff and the project returns to pending;
// exhausting the ceiling parks the entry dead and fails the project with the
// last error detail preserved verbatim.
func (l *Lifecycle) Fail(ctx context.Context, projectID, token, errDetail string) error {
	entry, err := l.VerifyCallback(ctx, projectID, token)
	if err != nil {
		return err
	}

	if entry.AttemptsExhausted() {
		if err := l.queue.MarkDead(ctx, entry.ID, errDetail); err != nil {
			l.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("lifecycle: failed to mark entry dead")
		}
		if err := l.projects.Fail(ctx, projectID, errDetail); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				l.logger.Warn().Str("project_id", projectID).Msg("lifecycle: failure rejected, project already terminal")
				return nil
			}
			return err
		}
		l.logger.Info().
			Str("project_id", projectID).
			Int("attempts", entry.Attempts).
			Msg("lifecycle: project failed, retries exhausted")
		return nil
	}

	delay := domain.RetryBackoff(l.backoffBase, entry.Attempts)
	if err := l.projects.Requeue(ctx, projectID); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Cancelled mid-flight; retire the entry instead of retrying.
			l.logger.Warn().Str("project_id", projectID).Msg("lifecycle: retry abandoned, project no longer processing")
			if qerr := l.queue.CancelLive(ctx, projectID); qerr != nil {
				l.logger.Error().Err(qerr).Str("project_id", projectID).Msg("lifecycle: failed to retire stale entry")
			}
			return nil
		}
		return err
	}
	if err := l.queue.Release(ctx, entry.ID, l.now().Add(delay), errDetail); err != nil {
		return err
	}
	l.logger.Info().
		Str("project_id", projectID).
		Int("attempt", entry.Attempts).
		Dur("backoff", delay).
		Msg("lifecycle: worker failure, retry scheduled")
	return nil
}

// Cancel stops a pending or processing project on behalf of its owner and
// retires any live queue entry so later worker callbacks find nothing to
// authenticate against.
func (l *Lifecycle) Cancel(ctx context.Context, projectID, accountID string) (*domain.Project, error) {
	project, err := l.projects.Cancel(ctx, projectID, accountID)
	if err != nil {
		return nil, err
	}
	if err := l.queue.CancelLive(ctx, projectID); err != nil {
		l.logger.Error().Err(err).Str("project_id", projectID).Msg("lifecycle: failed to cancel queue entry")
	}
	l.invalidateSnapshot(ctx, accountID, projectID)
	l.logger.Info().Str("project_id", projectID).Msg("lifecycle: project cancelled")
	return project, nil
}

// Remove deletes the owner's project record and releases its files. File
// deletion is best effort: a storage failure is logged as an orphan-file
// risk but never blocks removing the record.
func (l *Lifecycle) Remove(ctx context.Context, projectID, accountID string) error {
	project, err := l.projects.Delete(ctx, projectID, accountID)
	if err != nil {
		return err
	}
	l.releaseFiles(ctx, project)
	l.invalidateSnapshot(ctx, accountID, projectID)
	l.logger.Info().Str("project_id", projectID).Msg("lifecycle: project removed")
	return nil
}

// Snapshot returns the owner-scoped status projection, served from the
// short-lived cache when possible.
func (l *Lifecycle) Snapshot(ctx context.Context, projectID, accountID string) (*domain.StatusSnapshot, error) {
	if l.cache != nil {
		if snap, ok, err := l.cache.GetSnapshot(ctx, accountID, projectID); err == nil && ok {
			return snap, nil
		}
	}
	project, err := l.projects.GetForAccount(ctx, projectID, accountID)
	if err != nil {
		return nil, err
	}
	snap := project.Snapshot(l.now())
	if l.cache != nil {
		if err := l.cache.SetSnapshot(ctx, accountID, snap, snapshotTTL); err != nil {
			l.logger.Warn().Err(err).Str("project_id", projectID).Msg("lifecycle: snapshot cache write failed")
		}
	}
	return &snap, nil
}

// Get returns the owner's full project record.
func (l *Lifecycle) Get(ctx context.Context, projectID, accountID string) (*domain.Project, error) {
	return l.projects.GetForAccount(ctx, projectID, accountID)
}

// List returns a filtered page of the owner's projects and the total count.
func (l *Lifecycle) List(ctx context.Context, accountID string, filter domain.ProjectFilter) ([]domain.Project, int, error) {
	return l.projects.ListForAccount(ctx, accountID, filter)
}

// Stats aggregates the owner's dashboard numbers.
func (l *Lifecycle) Stats(ctx context.Context, accountID string) (map[domain.ProjectStatus]int, []domain.Project, error) {
	counts, err := l.projects.CountByStatus(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	recent, err := l.projects.ListRecent(ctx, accountID, 5)
	if err != nil {
		return nil, nil, err
	}
	return counts, recent, nil
}

func (l *Lifecycle) releaseFiles(ctx context.Context, project *domain.Project) {
	if err := l.files.Delete(ctx, project.SourcePath); err != nil {
		l.logger.Error().Err(err).Str("project_id", project.ID).Str("path", project.SourcePath).
			Msg("lifecycle: source file deletion failed, possible orphan")
	}
	if project.ResultPath != nil {
		if err := l.files.Delete(ctx, *project.ResultPath); err != nil {
			l.logger.Error().Err(err).Str("project_id", project.ID).Str("path", *project.ResultPath).
				Msg("lifecycle: result file deletion failed, possible orphan")
		}
	}
}

func (l *Lifecycle) invalidateSnapshot(ctx context.Context, accountID, projectID string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.InvalidateSnapshot(ctx, accountID, projectID); err != nil {
		l.logger.Warn().Err(err).Str("project_id", projectID).Msg("lifecycle: snapshot invalidation failed")
	}
}

func eligibilityError(reason domain.EligibilityReason) error {
	switch reason {
	case domain.ReasonPlanExpired:
		return fmt.Errorf("%w: plan period has ended", domain.ErrPlanExpired)
	case domain.ReasonDailyLimit:
		return fmt.Errorf("%w: daily upload limit reached", domain.ErrQuotaExceeded)
	case domain.ReasonMonthlyLimit:
		return fmt.Errorf("%w: monthly upload limit reached", domain.ErrQuotaExceeded)
	default:
		return fmt.Errorf("%w: unknown plan", domain.ErrValidation)
	}
}

func remainingQuota(acct domain.Account, catalog domain.PlanCatalog, elig domain.Eligibility) int {
	limits, ok := catalog[acct.Plan]
	if !ok {
		return 0
	}
	switch {
	case limits.DailyUploads != nil:
		used := acct.UploadsToday
		if elig.ResetDaily {
			used = 0
		}
		remaining := *limits.DailyUploads - used - 1
		if remaining < 0 {
			remaining = 0
		}
		return remaining
	case limits.MonthlyUploads != nil:
		remaining := *limits.MonthlyUploads - acct.UploadsThisMonth - 1
		if remaining < 0 {
			remaining = 0
		}
		return remaining
	default:
		return -1
	}
}
