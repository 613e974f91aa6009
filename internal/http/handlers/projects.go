package handlers

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cutout/internal/domain"
	"cutout/internal/middleware"
	"cutout/internal/service"

	"github.com/go-chi/chi/v5"
)

var mediaKindByExt = map[string]domain.MediaKind{
	".png":  domain.MediaKindImage,
	".jpg":  domain.MediaKindImage,
	".jpeg": domain.MediaKindImage,
	".webp": domain.MediaKindImage,
	".mp4":  domain.MediaKindVideo,
	".mov":  domain.MediaKindVideo,
	".webm": domain.MediaKindVideo,
}

func (a *App) CreateProject(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFromContext(r.Context())
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, a.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		a.error(w, http.StatusBadRequest, "validation_failed", "multipart field 'file' is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	kind, ok := mediaKindByExt[ext]
	if !ok {
		a.error(w, http.StatusBadRequest, "validation_failed", fmt.Sprintf("unsupported file type %q", ext))
		return
	}

	key, size, err := a.Files.Store(r.Context(), file, kind, ext)
	if err != nil {
		a.Logger.Error().Err(err).Msg("stage upload")
		a.error(w, http.StatusInternalServerError, "internal", "failed to store upload")
		return
	}

	res, err := a.Lifecycle.Admit(r.Context(), accountID, service.AdmitInput{
		FileName:   header.Filename,
		SourcePath: key,
		Kind:       kind,
		ByteSize:   size,
	})
	if err != nil {
		// Rejected admissions must not leak staged files.
		if derr := a.Files.Delete(r.Context(), key); derr != nil {
			a.Logger.Warn().Err(derr).Str("key", key).Msg("remove staged upload")
		}
		a.domainError(w, err)
		return
	}

	a.json(w, http.StatusCreated, map[string]any{
		"project":         projectPayload(res.Project),
		"remaining_quota": res.RemainingQuota,
		"max_resolution":  res.MaxResolution,
		"priority":        res.Priority,
	})
}

func (a *App) ListProjects(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFromContext(r.Context())
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	q := r.URL.Query()
	filter := domain.ProjectFilter{
		Status: domain.ProjectStatus(q.Get("status")),
		Kind:   domain.MediaKind(q.Get("kind")),
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	if filter.Page <= 0 {
		filter.Page = 1
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}

	projects, total, err := a.Lifecycle.List(r.Context(), accountID, filter)
	if err != nil {
		a.domainError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(projects))
	for i := range projects {
		items = append(items, projectPayload(&projects[i]))
	}
	pages := (total + filter.Limit - 1) / filter.Limit
	a.json(w, http.StatusOK, map[string]any{
		"items": items,
		"pagination": map[string]any{
			"page":  filter.Page,
			"limit": filter.Limit,
			"total": total,
			"pages": pages,
		},
	})
}

func (a *App) GetProject(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFromContext(r.Context())
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	project, err := a.Lifecycle.Get(r.Context(), chi.URLParam(r, "id"), accountID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"project": projectPayload(project)})
}

func (a *App) ProjectStatus(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFromContext(r.Context())
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	snap, err := a.Lifecycle.Snapshot(r.Context(), chi.URLParam(r, "id"), accountID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, snap)
}

func (a *App) DownloadResult(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFromContext(r.Context())
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	project, err := a.Lifecycle.Get(r.Context(), chi.URLParam(r, "id"), accountID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	if project.Status != domain.ProjectStatusCompleted || project.ResultPath == nil {
		a.error(w, http.StatusBadRequest, "not_ready", "project has no downloadable result")
		return
	}
	rc, err := a.Files.Read(r.Context(), *project.ResultPath)
	if err != nil {
		a.domainError(w, err)
		return
	}
	defer rc.Close()

	ext := filepath.Ext(*project.ResultPath)
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=cutout_%s%s", project.ID, ext))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		a.Logger.Warn().Err(err).Str("project_id", project.ID).Msg("stream result")
	}
}

func (a *App) CancelProject(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFromContext(r.Context())
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	project, err := a.Lifecycle.Cancel(r.Context(), chi.URLParam(r, "id"), accountID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"project": projectPayload(project)})
}

func (a *App) DeleteProject(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFromContext(r.Context())
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	if err := a.Lifecycle.Remove(r.Context(), chi.URLParam(r, "id"), accountID); err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"deleted": true})
}

func projectPayload(p *domain.Project) map[string]any {
	payload := map[string]any{
		"id":         p.ID,
		"kind":       p.Kind,
		"file_name":  p.OriginalFileName,
		"status":     p.Status,
		"progress":   p.Progress,
		"byte_size":  p.ByteSize,
		"expires_at": p.ExpiresAt.UTC().Format(time.RFC3339),
		"created_at": p.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if p.ErrorMessage != nil {
		payload["error"] = *p.ErrorMessage
	}
	if p.Resolution != nil {
		payload["resolution"] = *p.Resolution
	}
	if p.Duration != nil {
		payload["duration"] = *p.Duration
	}
	if p.Status == domain.ProjectStatusCompleted && p.ResultPath != nil {
		payload["download_url"] = fmt.Sprintf("/v1/projects/%s/download", p.ID)
	}
	return payload
}
