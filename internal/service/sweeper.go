package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"cutout/internal/domain"
)

const sweepBatchSize = 100

// Sweeper reclaims projects past their retention window: files first, then
// the record, regardless of the project's status. It is the backstop against
// a silently-dead worker — an untouched project is reclaimed once expired no
// matter what the queue believes.
type Sweeper struct {
	projects domain.ProjectRepository
	files    AssetStore
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewSweeper constructs a Sweeper.
func NewSweeper(projects domain.ProjectRepository, files AssetStore, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		projects: projects,
		files:    files,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the sweeper's clock. Test hook.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps once immediately, then on every interval tick until the context
// is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("sweeper: started")
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error().Err(err).Msg("sweeper: startup sweep failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper: stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("sweeper: sweep failed")
			}
		}
	}
}

// Sweep reclaims every currently-expired project and reports how many were
// removed. Failures are isolated per project: one bad record never aborts
// the rest of the batch. Records that vanished between listing and deletion
// count as already swept.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.projects.ListExpired(ctx, s.now(), sweepBatchSize)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	s.logger.Info().Int("count", len(expired)).Msg("sweeper: reclaiming expired projects")

	swept := 0
	for i := range expired {
		project := expired[i]
		if err := s.reclaim(ctx, &project); err != nil {
			s.logger.Error().Err(err).Str("project_id", project.ID).Msg("sweeper: failed to reclaim project")
			continue
		}
		swept++
	}
	return swept, nil
}

func (s *Sweeper) reclaim(ctx context.Context, project *domain.Project) error {
	if err := s.files.Delete(ctx, project.SourcePath); err != nil {
		s.logger.Error().Err(err).Str("project_id", project.ID).Str("path", project.SourcePath).
			Msg("sweeper: source file deletion failed, possible orphan")
	}
	if project.ResultPath != nil {
		if err := s.files.Delete(ctx, *project.ResultPath); err != nil {
			s.logger.Error().Err(err).Str("project_id", project.ID).Str("path", *project.ResultPath).
				Msg("sweeper: result file deletion failed, possible orphan")
		}
	}
	found, err := s.projects.DeleteByID(ctx, project.ID)
	if err != nil {
		return err
	}
	if !found {
		s.logger.Debug().Str("project_id", project.ID).Msg("sweeper: project already gone")
	}
	return nil
}
