package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"cutout/internal/domain"
	httpapi "cutout/internal/http"
	"cutout/internal/http/handlers"
	"cutout/internal/service"
	"cutout/internal/storage"
)

// stubStore backs the repository interfaces with maps. Scoping and
// compare-and-set behavior match the Postgres layer.
type stubStore struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
	projects map[string]*domain.Project
	entries  map[string]*domain.QueueEntry
}

func newStubStore() *stubStore {
	return &stubStore{
		accounts: map[string]*domain.Account{},
		projects: map[string]*domain.Project{},
		entries:  map[string]*domain.QueueEntry{},
	}
}

type stubAccounts struct{ *stubStore }

func (s stubAccounts) GetByID(_ context.Context, id string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (s stubAccounts) Create(_ context.Context, acct *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.ID] = acct
	return nil
}

func (s stubAccounts) UpdatePlan(_ context.Context, id string, plan domain.PlanTier, startedAt, endsAt *time.Time) error {
	return nil
}

func (s stubAccounts) ResetMonthlyCounters(context.Context, string) (int64, error) { return 0, nil }

type stubProjects struct{ *stubStore }

func (s stubProjects) Admit(_ context.Context, project *domain.Project, entry *domain.QueueEntry, counters domain.CounterUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accounts[project.AccountID]
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
	s.projects[p.ID] = &p
	s.entries[e.ID] = &e
	return nil
}

func (s stubProjects) GetByID(_ context.Context, id string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s stubProjects) GetForAccount(_ context.Context, id, accountID string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok || p.AccountID != accountID {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s stubProjects) ListForAccount(_ context.Context, accountID string, filter domain.ProjectFilter) ([]domain.Project, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Project
	for _, p := range s.projects {
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

func (s stubProjects) ListRecent(ctx context.Context, accountID string, limit int) ([]domain.Project, error) {
	all, _, _ := s.ListForAccount(ctx, accountID, domain.ProjectFilter{})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s stubProjects) CountByStatus(_ context.Context, accountID string) (map[domain.ProjectStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[domain.ProjectStatus]int{}
	for _, p := range s.projects {
		if p.AccountID == accountID {
			counts[p.Status]++
		}
	}
	return counts, nil
}

func (s stubProjects) MarkProcessing(_ context.Context, id string) error {
	return s.cas(id, domain.ProjectStatusPending, domain.ProjectStatusProcessing, nil)
}

func (s stubProjects) UpdateProgress(_ context.Context, id string, progress int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.Status != domain.ProjectStatusProcessing || p.Progress > progress {
		return false, nil
	}
	p.Progress = progress
	return true, nil
}

func (s stubProjects) Complete(_ context.Context, id, resultPath string, meta domain.ResultMetadata) error {
	return s.cas(id, domain.ProjectStatusProcessing, domain.ProjectStatusCompleted, func(p *domain.Project) {
		p.ResultPath = &resultPath
		p.Progress = 100
	})
}

func (s stubProjects) Fail(_ context.Context, id, errMsg string) error {
	return s.cas(id, domain.ProjectStatusProcessing, domain.ProjectStatusFailed, func(p *domain.Project) {
		msg := errMsg
		p.ErrorMessage = &msg
	})
}

func (s stubProjects) Requeue(_ context.Context, id string) error {
	return s.cas(id, domain.ProjectStatusProcessing, domain.ProjectStatusPending, func(p *domain.Project) {
		p.Progress = 0
	})
}

func (s stubProjects) cas(id string, from, to domain.ProjectStatus, apply func(*domain.Project)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
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

func (s stubProjects) Cancel(_ context.Context, id, accountID string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
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

func (s stubProjects) Delete(_ context.Context, id, accountID string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok || p.AccountID != accountID {
		return nil, domain.ErrNotFound
	}
	delete(s.projects, id)
	return p, nil
}

func (s stubProjects) DeleteByID(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return false, nil
	}
	delete(s.projects, id)
	return true, nil
}

func (s stubProjects) ListExpired(context.Context, time.Time, int) ([]domain.Project, error) {
	return nil, nil
}

type stubQueue struct{ *stubStore }

func (s stubQueue) Claim(_ context.Context, now time.Time, tokenHash string) (*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.State == domain.QueueEntryStateQueued && !e.AvailableAt.After(now) {
			e.State = domain.QueueEntryStateLeased
			e.Attempts++
			e.TokenHash = tokenHash
			cp := *e
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s stubQueue) GetLiveByProject(_ context.Context, projectID string) (*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ProjectID == projectID && e.State.Live() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s stubQueue) MarkDone(_ context.Context, id string) error {
	return s.setState(id, domain.QueueEntryStateDone)
}

func (s stubQueue) MarkDead(_ context.Context, id, _ string) error {
	return s.setState(id, domain.QueueEntryStateDead)
}

func (s stubQueue) setState(id string, state domain.QueueEntryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.State = state
	return nil
}

func (s stubQueue) Release(_ context.Context, id string, availableAt time.Time, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.State = domain.QueueEntryStateQueued
	e.AvailableAt = availableAt
	return nil
}

func (s stubQueue) CancelLive(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ProjectID == projectID && e.State.Live() {
			e.State = domain.QueueEntryStateCancelled
		}
	}
	return nil
}

func (s stubQueue) DeadByProject(context.Context, string) (*domain.QueueEntry, error) {
	return nil, domain.ErrNotFound
}

type apiFixture struct {
	store   *stubStore
	files   *storage.FileStore
	handler http.Handler
}

func testPlanCatalog() domain.PlanCatalog {
	freeDaily := 3
	return domain.PlanCatalog{
		domain.PlanTierFree: {
			Name:          "Free Trial",
			DailyUploads:  &freeDaily,
			MaxResolution: 720,
			Priority:      domain.QueuePriorityLow,
		},
		domain.PlanTierPremium: {
			Name:          "Premium",
			MaxResolution: 2160,
			Priority:      domain.QueuePriorityHigh,
		},
	}
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := newStubStore()
	files, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	catalog := testPlanCatalog()

	accounts := stubAccounts{store}
	lifecycle := service.NewLifecycle(service.LifecycleOptions{
		Accounts:    accounts,
		Projects:    stubProjects{store},
		Queue:       stubQueue{store},
		Files:       files,
		Catalog:     catalog,
		Retention:   24 * time.Hour,
		MaxAttempts: 3,
		BackoffBase: 5 * time.Second,
		Logger:      zerolog.Nop(),
	})

	app := handlers.NewApp(lifecycle, files, accounts, catalog, 10<<20, zerolog.Nop())
	handler := httpapi.NewRouter(app, httpapi.RouterOptions{Logger: zerolog.Nop()})
	return &apiFixture{store: store, files: files, handler: handler}
}

func (fx *apiFixture) addAccount(plan domain.PlanTier) string {
	id := uuid.NewString()
	fx.store.mu.Lock()
	fx.store.accounts[id] = &domain.Account{ID: id, Email: "user@example.com", Plan: plan}
	fx.store.mu.Unlock()
	return id
}

func uploadRequest(t *testing.T, accountID, filename string, payload []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/projects", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Account-ID", accountID)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "body %v has no error envelope", body)
	return errObj["code"].(string)
}

func TestCreateProjectAcceptsUpload(t *testing.T) {
	fx := newAPIFixture(t)
	accountID := fx.addAccount(domain.PlanTierFree)

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, uploadRequest(t, accountID, "portrait.png", []byte("png-bytes")))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	require.Equal(t, float64(2), body["remaining_quota"])
	require.Equal(t, "low", body["priority"])

	project := body["project"].(map[string]any)
	require.Equal(t, "pending", project["status"])
	require.Equal(t, "image", project["kind"])

	// The staged file is on disk under the project's source key.
	fx.store.mu.Lock()
	var sourcePath string
	for _, p := range fx.store.projects {
		sourcePath = p.SourcePath
	}
	fx.store.mu.Unlock()
	ok, err := fx.files.Exists(context.Background(), sourcePath)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCreateProjectRejectsUnsupportedType(t *testing.T) {
	fx := newAPIFixture(t)
	accountID := fx.addAccount(domain.PlanTierFree)

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, uploadRequest(t, accountID, "anim.gif", []byte("gif")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_failed", errorCode(t, rec))
}

func TestCreateProjectQuotaRejectionRemovesStagedFile(t *testing.T) {
	fx := newAPIFixture(t)
	accountID := fx.addAccount(domain.PlanTierFree)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, uploadRequest(t, accountID, "a.png", []byte("x")))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, uploadRequest(t, accountID, "fourth.png", []byte("x")))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "quota_exceeded", errorCode(t, rec))

	// Only the three admitted source files remain on disk.
	fx.store.mu.Lock()
	admitted := len(fx.store.projects)
	var kept int
	for _, p := range fx.store.projects {
		if ok, _ := fx.files.Exists(context.Background(), p.SourcePath); ok {
			kept++
		}
	}
	fx.store.mu.Unlock()
	require.Equal(t, 3, admitted)
	require.Equal(t, 3, kept)
}

func TestGetProjectIsOwnerScoped(t *testing.T) {
	fx := newAPIFixture(t)
	owner := fx.addAccount(domain.PlanTierFree)
	stranger := fx.addAccount(domain.PlanTierFree)

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, uploadRequest(t, owner, "a.png", []byte("x")))
	require.Equal(t, http.StatusCreated, rec.Code)
	projectID := decodeBody(t, rec)["project"].(map[string]any)["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/v1/projects/"+projectID, nil)
	req.Header.Set("X-Account-ID", stranger)
	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", errorCode(t, rec))
}

func TestDownloadRequiresCompletedResult(t *testing.T) {
	fx := newAPIFixture(t)
	accountID := fx.addAccount(domain.PlanTierFree)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, uploadRequest(t, accountID, "a.png", []byte("x")))
	projectID := decodeBody(t, rec)["project"].(map[string]any)["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/v1/projects/"+projectID+"/download", nil)
	req.Header.Set("X-Account-ID", accountID)
	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "not_ready", errorCode(t, rec))

	// Finish the project out of band and stage the result file.
	resultKey, err := fx.files.Write(ctx, "results/images/"+projectID+".png", []byte("matted"))
	require.NoError(t, err)
	fx.store.mu.Lock()
	p := fx.store.projects[projectID]
	p.Status = domain.ProjectStatusCompleted
	p.ResultPath = &resultKey
	fx.store.mu.Unlock()

	req = httptest.NewRequest(http.MethodGet, "/v1/projects/"+projectID+"/download", nil)
	req.Header.Set("X-Account-ID", accountID)
	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "matted", rec.Body.String())
	require.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
}

func TestCancelEndpointConflictsOnTerminal(t *testing.T) {
	fx := newAPIFixture(t)
	accountID := fx.addAccount(domain.PlanTierFree)

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, uploadRequest(t, accountID, "a.png", []byte("x")))
	projectID := decodeBody(t, rec)["project"].(map[string]any)["id"].(string)

	req := httptest.NewRequest(http.MethodPost, "/v1/projects/"+projectID+"/cancel", nil)
	req.Header.Set("X-Account-ID", accountID)
	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/projects/"+projectID+"/cancel", nil)
	req.Header.Set("X-Account-ID", accountID)
	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "invalid_transition", errorCode(t, rec))
}

func TestCallbackRejectsBadToken(t *testing.T) {
	fx := newAPIFixture(t)
	accountID := fx.addAccount(domain.PlanTierFree)

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, uploadRequest(t, accountID, "a.png", []byte("x")))
	projectID := decodeBody(t, rec)["project"].(map[string]any)["id"].(string)

	// Lease the entry so a live token hash exists, then present a different
	// token.
	hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = stubQueue{fx.store}.Claim(context.Background(), time.Now(), string(hash))
	require.NoError(t, err)

	payload := bytes.NewBufferString(`{"progress": 50}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/projects/"+projectID+"/progress", payload)
	req.Header.Set("X-Callback-Token", "forged")
	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthorized", errorCode(t, rec))
}

func TestCallbackDrivesCompletion(t *testing.T) {
	fx := newAPIFixture(t)
	accountID := fx.addAccount(domain.PlanTierPremium)

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, uploadRequest(t, accountID, "clip.mp4", []byte("frames")))
	projectID := decodeBody(t, rec)["project"].(map[string]any)["id"].(string)

	token := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = stubQueue{fx.store}.Claim(context.Background(), time.Now(), string(hash))
	require.NoError(t, err)

	fx.store.mu.Lock()
	fx.store.projects[projectID].Status = domain.ProjectStatusProcessing
	fx.store.mu.Unlock()

	payload := bytes.NewBufferString(`{"result_path":"results/videos/out.mp4","resolution":"2160p","duration":4.2}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/projects/"+projectID+"/complete", payload)
	req.Header.Set("X-Callback-Token", token)
	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	fx.store.mu.Lock()
	status := fx.store.projects[projectID].Status
	fx.store.mu.Unlock()
	require.Equal(t, domain.ProjectStatusCompleted, status)
}

func TestDashboardStats(t *testing.T) {
	fx := newAPIFixture(t)
	accountID := fx.addAccount(domain.PlanTierFree)

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, uploadRequest(t, accountID, "a.png", []byte("x")))
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/dashboard/stats", nil)
	req.Header.Set("X-Account-ID", accountID)
	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, float64(1), body["total"])
	quota := body["quota"].(map[string]any)
	require.Equal(t, "daily", quota["window"])
	require.Equal(t, float64(1), quota["used"])
	require.Equal(t, float64(2), quota["remaining"])
}

func TestRequestsWithoutIdentityAreRejected(t *testing.T) {
	fx := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/projects", nil)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
