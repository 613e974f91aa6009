package handlers

import (
	"encoding/json"
	"net/http"

	"cutout/internal/domain"

	"github.com/go-chi/chi/v5"
)

// Worker callback endpoints. Authentication is the per-lease token minted at
// claim time, carried in X-Callback-Token.

type progressCallback struct {
	Progress int `json:"progress"`
}

type completeCallback struct {
	ResultPath string  `json:"result_path"`
	Resolution string  `json:"resolution"`
	Duration   float64 `json:"duration"`
	ByteSize   int64   `json:"byte_size"`
}

type failCallback struct {
	Error string `json:"error"`
}

func (a *App) CallbackProgress(w http.ResponseWriter, r *http.Request) {
	var req progressCallback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "validation_failed", "invalid payload")
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.Lifecycle.ReportProgress(r.Context(), id, callbackToken(r), req.Progress); err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"accepted": true})
}

func (a *App) CallbackComplete(w http.ResponseWriter, r *http.Request) {
	var req completeCallback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "validation_failed", "invalid payload")
		return
	}
	if req.ResultPath == "" {
		a.error(w, http.StatusBadRequest, "validation_failed", "result_path required")
		return
	}
	id := chi.URLParam(r, "id")
	meta := domain.ResultMetadata{
		Resolution: req.Resolution,
		Duration:   req.Duration,
		ByteSize:   req.ByteSize,
	}
	if err := a.Lifecycle.Complete(r.Context(), id, callbackToken(r), req.ResultPath, meta); err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"accepted": true})
}

func (a *App) CallbackFail(w http.ResponseWriter, r *http.Request) {
	var req failCallback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "validation_failed", "invalid payload")
		return
	}
	if req.Error == "" {
		req.Error = "processing failed"
	}
	id := chi.URLParam(r, "id")
	if err := a.Lifecycle.Fail(r.Context(), id, callbackToken(r), req.Error); err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"accepted": true})
}

func callbackToken(r *http.Request) string {
	return r.Header.Get("X-Callback-Token")
}
