package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"cutout/internal/domain"
	"cutout/internal/service"
	"cutout/internal/storage"

	"github.com/rs/zerolog"
)

// App carries the dependencies shared by all HTTP handlers.
type App struct {
	Lifecycle      *service.Lifecycle
	Files          *storage.FileStore
	Accounts       domain.AccountRepository
	Catalog        domain.PlanCatalog
	MaxUploadBytes int64
	Logger         zerolog.Logger
}

func NewApp(lifecycle *service.Lifecycle, files *storage.FileStore, accounts domain.AccountRepository, catalog domain.PlanCatalog, maxUploadBytes int64, logger zerolog.Logger) *App {
	return &App{
		Lifecycle:      lifecycle,
		Files:          files,
		Accounts:       accounts,
		Catalog:        catalog,
		MaxUploadBytes: maxUploadBytes,
		Logger:         logger,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{
		"error": map[string]string{"code": errCode, "message": message},
	})
}

// domainError translates sentinel errors into stable HTTP codes. Internal
// error text never reaches the client.
func (a *App) domainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		a.error(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrQuotaExceeded):
		a.error(w, http.StatusForbidden, "quota_exceeded", "upload quota exceeded for current plan")
	case errors.Is(err, domain.ErrPlanExpired):
		a.error(w, http.StatusForbidden, "plan_expired", "plan has expired")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "project not found")
	case errors.Is(err, domain.ErrInvalidTransition):
		a.error(w, http.StatusConflict, "invalid_transition", "project is not in a state that allows this operation")
	case errors.Is(err, domain.ErrUnauthorizedWorker):
		a.error(w, http.StatusUnauthorized, "unauthorized", "invalid callback token")
	default:
		a.Logger.Error().Err(err).Msg("unhandled error")
		a.error(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}
