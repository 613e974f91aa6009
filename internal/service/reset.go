package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"cutout/internal/domain"
)

// MonthlyReset zeroes every account's monthly upload counter at each billing
// cycle boundary (calendar month). The reset is bulk and plan-unaware; the
// store's month guard makes a missed or doubled run harmless.
type MonthlyReset struct {
	accounts domain.AccountRepository
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewMonthlyReset constructs the reset task. The interval is how often the
// boundary check runs, not how often counters reset.
func NewMonthlyReset(accounts domain.AccountRepository, interval time.Duration, logger zerolog.Logger) *MonthlyReset {
	if interval <= 0 {
		interval = time.Hour
	}
	return &MonthlyReset{
		accounts: accounts,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the task's clock. Test hook.
func (m *MonthlyReset) WithClock(now func() time.Time) *MonthlyReset {
	m.now = now
	return m
}

// Run checks once immediately, then on every tick until cancelled.
func (m *MonthlyReset) Run(ctx context.Context) {
	m.logger.Info().Dur("interval", m.interval).Msg("monthly reset: started")
	if err := m.CheckAndReset(ctx); err != nil {
		m.logger.Error().Err(err).Msg("monthly reset: startup check failed")
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("monthly reset: stopped")
			return
		case <-ticker.C:
			if err := m.CheckAndReset(ctx); err != nil {
				m.logger.Error().Err(err).Msg("monthly reset: check failed")
			}
		}
	}
}

// CheckAndReset resets monthly counters if the current month hasn't been
// handled yet.
func (m *MonthlyReset) CheckAndReset(ctx context.Context) error {
	month := m.now().UTC().Format("2006-01")
	n, err := m.accounts.ResetMonthlyCounters(ctx, month)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info().Str("month", month).Int64("accounts", n).Msg("monthly reset: counters zeroed")
	}
	return nil
}
