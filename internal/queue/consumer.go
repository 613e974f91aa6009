package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"cutout/internal/domain"
	"cutout/internal/service"
)

// Task hands one claimed project to a processor. Report forwards progress
// percentages back through the tracker; processors should call it with
// non-decreasing values in [0,100].
type Task struct {
	ProjectID     string
	Kind          domain.MediaKind
	SourcePath    string
	MaxResolution int
	Report        func(progress int)
}

// Result is a processor's terminal success.
type Result struct {
	ResultPath string
	Metadata   domain.ResultMetadata
}

// Processor performs the actual media work for one task. The background
// removal itself lives behind this interface; the queue only schedules and
// tracks it.
type Processor interface {
	Process(ctx context.Context, task Task) (*Result, error)
}

// Consumer is the worker-side queue loop: it claims entries in priority
// order, drives the project through the tracker with the claim-minted
// callback token, and reports the processor's outcome. All state lives in
// the store, so any number of consumers can run concurrently.
type Consumer struct {
	queue     domain.QueueRepository
	projects  domain.ProjectRepository
	accounts  domain.AccountRepository
	lifecycle *service.Lifecycle
	processor Processor
	catalog   domain.PlanCatalog
	poll      time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Queue     domain.QueueRepository
	Projects  domain.ProjectRepository
	Accounts  domain.AccountRepository
	Lifecycle *service.Lifecycle
	Processor Processor
	Catalog   domain.PlanCatalog
	Poll      time.Duration
	Logger    zerolog.Logger
}

// NewConsumer constructs a Consumer.
func NewConsumer(opts ConsumerOptions) *Consumer {
	poll := opts.Poll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Consumer{
		queue:     opts.Queue,
		projects:  opts.Projects,
		accounts:  opts.Accounts,
		lifecycle: opts.Lifecycle,
		processor: opts.Processor,
		catalog:   opts.Catalog,
		poll:      poll,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// Run polls the queue until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Dur("poll", c.poll).Msg("consumer: started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := c.RunOnce(ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("consumer: claim failed")
		}
		if !worked {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.poll):
			}
		}
	}
}

// RunOnce claims and handles at most one entry. It reports whether an entry
// was available.
func (c *Consumer) RunOnce(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return false, err
	}

	entry, err := c.queue.Claim(ctx, c.now(), string(hash))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	c.handle(ctx, entry, token)
	return true, nil
}

func (c *Consumer) handle(ctx context.Context, entry *domain.QueueEntry, token string) {
	log := c.logger.With().Str("project_id", entry.ProjectID).Int("attempt", entry.Attempts).Logger()
	log.Info().Int("priority", entry.Priority).Msg("consumer: claimed entry")

	project, err := c.projects.GetByID(ctx, entry.ProjectID)
	if err != nil {
		// Entry without a project is unservable; retire it.
		log.Warn().Err(err).Msg("consumer: project missing, retiring entry")
		if qerr := c.queue.CancelLive(ctx, entry.ProjectID); qerr != nil {
			log.Error().Err(qerr).Msg("consumer: failed to retire entry")
		}
		return
	}

	maxResolution := c.catalog.MaxResolution(domain.PlanTierFree)
	if acct, err := c.accounts.GetByID(ctx, project.AccountID); err == nil {
		maxResolution = c.catalog.MaxResolution(acct.Plan)
	} else {
		log.Warn().Err(err).Msg("consumer: account lookup failed, using free-tier resolution")
	}

	if err := c.lifecycle.Start(ctx, project.ID, token); err != nil {
		// Cancelled or already terminal; the claim is void.
		log.Warn().Err(err).Msg("consumer: start rejected, dropping claim")
		if qerr := c.queue.CancelLive(ctx, project.ID); qerr != nil {
			log.Error().Err(qerr).Msg("consumer: failed to retire entry")
		}
		return
	}

	task := Task{
		ProjectID:     project.ID,
		Kind:          project.Kind,
		SourcePath:    project.SourcePath,
		MaxResolution: maxResolution,
		Report: func(progress int) {
			if err := c.lifecycle.ReportProgress(ctx, project.ID, token, progress); err != nil {
				log.Warn().Err(err).Int("progress", progress).Msg("consumer: progress report failed")
			}
		},
	}

	result, err := c.processor.Process(ctx, task)
	if err != nil {
		log.Error().Err(err).Msg("consumer: processing failed")
		if ferr := c.lifecycle.Fail(ctx, project.ID, token, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("consumer: failure report rejected")
		}
		return
	}

	if err := c.lifecycle.Complete(ctx, project.ID, token, result.ResultPath, result.Metadata); err != nil {
		log.Error().Err(err).Msg("consumer: completion rejected")
		return
	}
	log.Info().Str("result_path", result.ResultPath).Msg("consumer: project processed")
}
