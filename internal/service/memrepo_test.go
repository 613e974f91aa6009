package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"cutout/internal/domain"
)

// memStore is the shared in-memory state behind the fake repositories. The
// per-interface views over it mirror the Postgres contract: compare-and-set
// transitions, owner scoping collapsing to ErrNotFound, and the
// single-live-entry constraint.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
	projects map[string]*domain.Project
	entries  map[string]*domain.QueueEntry
	// resetMonth is the last month the monthly counter reset ran for.
	resetMonth string
}

func newMemStore() *memStore {
	return &memStore{
		accounts: map[string]*domain.Account{},
		projects: map[string]*domain.Project{},
		entries:  map[string]*domain.QueueEntry{},
	}
}

func (m *memStore) putAccount(acct domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.ID] = &acct
}

func (m *memStore) account(id string) domain.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.accounts[id]
}

func (m *memStore) project(id string) domain.Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.projects[id]
}

func (m *memStore) entryByProject(projectID string) *domain.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ProjectID == projectID {
			cp := *e
			return &cp
		}
	}
	return nil
}

type memAccounts struct{ *memStore }

func (m memAccounts) GetByID(_ context.Context, id string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m memAccounts) Create(_ context.Context, acct *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.ID] = acct
	return nil
}

func (m memAccounts) UpdatePlan(_ context.Context, id string, plan domain.PlanTier, startedAt, endsAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	acct.Plan = plan
	acct.PlanStartedAt = startedAt
	acct.PlanEndsAt = endsAt
	return nil
}

func (m memAccounts) ResetMonthlyCounters(_ context.Context, month string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resetMonth >= month {
		return 0, nil
	}
	m.resetMonth = month
	var n int64
	for _, acct := range m.accounts {
		if acct.UploadsThisMonth != 0 {
			acct.UploadsThisMonth = 0
			n++
		}
	}
	return n, nil
}

type memProjects struct{ *memStore }

func (m memProjects) Admit(_ context.Context, project *domain.Project, entry *domain.QueueEntry, counters domain.CounterUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ProjectID == entry.ProjectID && e.State.Live() {
			return domain.ErrDuplicateEntry
		}
	}
	acct, ok := m.accounts[project.AccountID]
	if !ok {
		return domain.ErrNotFound
	}
	if counters.ResetDaily {
		acct.UploadsToday = 1
	} else {
		acct.UploadsToday++
	}
	acct.UploadsThisMonth++
	uploadedAt := counters.UploadedAt
	acct.LastUploadDate = &uploadedAt

	p := *project
	e := *entry
	m.projects[p.ID] = &p
	m.entries[e.ID] = &e
	return nil
}

func (m memProjects) GetByID(_ context.Context, id string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m memProjects) GetForAccount(_ context.Context, id, accountID string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok || p.AccountID != accountID {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m memProjects) ListForAccount(_ context.Context, accountID string, filter domain.ProjectFilter) ([]domain.Project, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Project
	for _, p := range m.projects {
		if p.AccountID != accountID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && p.Kind != filter.Kind {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}

func (m memProjects) ListRecent(ctx context.Context, accountID string, limit int) ([]domain.Project, error) {
	all, _, _ := m.ListForAccount(ctx, accountID, domain.ProjectFilter{})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m memProjects) CountByStatus(_ context.Context, accountID string) (map[domain.ProjectStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[domain.ProjectStatus]int{}
	for _, p := range m.projects {
		if p.AccountID == accountID {
			counts[p.Status]++
		}
	}
	return counts, nil
}

func (m memProjects) transition(id string, from, to domain.ProjectStatus, apply func(*domain.Project)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != from {
		return domain.ErrInvalidTransition
	}
	p.Status = to
	if apply != nil {
		apply(p)
	}
	return nil
}

func (m memProjects) MarkProcessing(_ context.Context, id string) error {
	return m.transition(id, domain.ProjectStatusPending, domain.ProjectStatusProcessing, nil)
}

func (m memProjects) UpdateProgress(_ context.Context, id string, progress int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.Status != domain.ProjectStatusProcessing || p.Progress > progress {
		return false, nil
	}
	p.Progress = progress
	return true, nil
}

func (m memProjects) Complete(_ context.Context, id, resultPath string, meta domain.ResultMetadata) error {
	return m.transition(id, domain.ProjectStatusProcessing, domain.ProjectStatusCompleted, func(p *domain.Project) {
		p.ResultPath = &resultPath
		p.Progress = 100
		if meta.Resolution != "" {
			res := meta.Resolution
			p.Resolution = &res
		}
		if meta.Duration > 0 {
			dur := meta.Duration
			p.Duration = &dur
		}
	})
}

func (m memProjects) Fail(_ context.Context, id, errMsg string) error {
	return m.transition(id, domain.ProjectStatusProcessing, domain.ProjectStatusFailed, func(p *domain.Project) {
		msg := errMsg
		p.ErrorMessage = &msg
	})
}

func (m memProjects) Requeue(_ context.Context, id string) error {
	return m.transition(id, domain.ProjectStatusProcessing, domain.ProjectStatusPending, func(p *domain.Project) {
		p.Progress = 0
	})
}

func (m memProjects) Cancel(_ context.Context, id, accountID string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok || p.AccountID != accountID {
		return nil, domain.ErrNotFound
	}
	if p.Status.Terminal() {
		return nil, domain.ErrInvalidTransition
	}
	p.Status = domain.ProjectStatusCancelled
	cp := *p
	return &cp, nil
}

func (m memProjects) Delete(_ context.Context, id, accountID string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok || p.AccountID != accountID {
		return nil, domain.ErrNotFound
	}
	delete(m.projects, id)
	return p, nil
}

func (m memProjects) DeleteByID(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return false, nil
	}
	delete(m.projects, id)
	return true, nil
}

func (m memProjects) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Project
	for _, p := range m.projects {
		if p.ExpiresAt.Before(now) {
			out = append(out, *p)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type memQueue struct{ *memStore }

func (m memQueue) Claim(_ context.Context, now time.Time, tokenHash string) (*domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.QueueEntry
	for _, e := range m.entries {
		if e.State != domain.QueueEntryStateQueued || e.AvailableAt.After(now) {
			continue
		}
		if best == nil || e.Priority < best.Priority ||
			(e.Priority == best.Priority && e.EnqueuedAt.Before(best.EnqueuedAt)) {
			best = e
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	best.State = domain.QueueEntryStateLeased
	best.Attempts++
	best.TokenHash = tokenHash
	cp := *best
	return &cp, nil
}

func (m memQueue) GetLiveByProject(_ context.Context, projectID string) (*domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ProjectID == projectID && e.State.Live() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m memQueue) MarkDone(_ context.Context, id string) error {
	return m.setEntryState(id, domain.QueueEntryStateDone, "")
}

func (m memQueue) MarkDead(_ context.Context, id, lastErr string) error {
	return m.setEntryState(id, domain.QueueEntryStateDead, lastErr)
}

func (m memQueue) setEntryState(id string, state domain.QueueEntryState, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.State = state
	if lastErr != "" {
		msg := lastErr
		e.LastError = &msg
	}
	return nil
}

func (m memQueue) Release(_ context.Context, id string, availableAt time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.State != domain.QueueEntryStateLeased {
		return domain.ErrNotFound
	}
	e.State = domain.QueueEntryStateQueued
	e.AvailableAt = availableAt
	if lastErr != "" {
		msg := lastErr
		e.LastError = &msg
	}
	return nil
}

func (m memQueue) CancelLive(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ProjectID == projectID && e.State.Live() {
			e.State = domain.QueueEntryStateCancelled
		}
	}
	return nil
}

func (m memQueue) DeadByProject(_ context.Context, projectID string) (*domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ProjectID == projectID && e.State == domain.QueueEntryStateDead {
			cp := *e
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

// memFiles records deletions and can be told to fail for specific keys.
type memFiles struct {
	mu      sync.Mutex
	deleted []string
	failOn  map[string]bool
}

func (f *memFiles) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[key] {
		return errors.New("storage unavailable")
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *memFiles) deletedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}
