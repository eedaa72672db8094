package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/datalift-hq/datalift-go/internal/domain"
	"github.com/datalift-hq/datalift-go/internal/orchestrator"
	"github.com/datalift-hq/datalift-go/internal/pipelines"
	"github.com/datalift-hq/datalift-go/internal/platform/auth"
	"github.com/datalift-hq/datalift-go/internal/repo"
	"github.com/datalift-hq/datalift-go/internal/tenants"
)

type engineAPI struct {
	logger      *slog.Logger
	orch        *orchestrator.Orchestrator
	runs        repo.RunRepository
	steps       repo.StepExecutionRepository
	transitions repo.TransitionRepository
	definitions *pipelines.Store
}

func newEngineAPI(
	logger *slog.Logger,
	orch *orchestrator.Orchestrator,
	runs repo.RunRepository,
	steps repo.StepExecutionRepository,
	transitions repo.TransitionRepository,
	definitions *pipelines.Store,
) *engineAPI {
	return &engineAPI{
		logger:      logger,
		orch:        orch,
		runs:        runs,
		steps:       steps,
		transitions: transitions,
		definitions: definitions,
	}
}

func (api *engineAPI) register(mux *http.ServeMux, admin *auth.AdminGuard) {
	mux.HandleFunc("POST /tenants/{tenant_id}/runs", api.handleCreateRun)
	mux.HandleFunc("GET /tenants/{tenant_id}/runs", api.handleListRuns)
	mux.HandleFunc("GET /tenants/{tenant_id}/runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("GET /tenants/{tenant_id}/runs/{run_id}/steps", api.handleListSteps)
	mux.HandleFunc("GET /tenants/{tenant_id}/runs/{run_id}/transitions", api.handleListTransitions)
	mux.HandleFunc("GET /tenants/{tenant_id}/runs/{run_id}/logs", api.handleRunLog)

	mux.Handle("GET /admin/pipelines", admin.Wrap(http.HandlerFunc(api.handleListPipelines)))
	mux.Handle("POST /admin/pipelines/reload", admin.Wrap(http.HandlerFunc(api.handleReloadPipelines)))
}

type createRunRequest struct {
	Provider     string `json:"provider"`
	Domain       string `json:"domain"`
	PipelineID   string `json:"pipeline_id"`
	CredentialID string `json:"credential_id"`
	DateStart    string `json:"date_start"`
	DateEnd      string `json:"date_end"`
}

type runResponse struct {
	RunID        string           `json:"run_id"`
	TenantID     string           `json:"tenant_id"`
	Provider     string           `json:"provider"`
	Domain       string           `json:"domain"`
	PipelineID   string           `json:"pipeline_id"`
	CredentialID string           `json:"credential_id"`
	DateStart    string           `json:"date_start"`
	DateEnd      string           `json:"date_end"`
	Status       domain.RunStatus `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	EndedAt      *time.Time       `json:"ended_at,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

func toRunResponse(run domain.PipelineRun) runResponse {
	return runResponse{
		RunID:        run.ID,
		TenantID:     run.TenantID,
		Provider:     run.Provider,
		Domain:       run.Domain,
		PipelineID:   run.PipelineID,
		CredentialID: run.CredentialID,
		DateStart:    run.DateStart,
		DateEnd:      run.DateEnd,
		Status:       run.Status,
		StartedAt:    run.StartedAt,
		EndedAt:      run.EndedAt,
		ErrorMessage: run.ErrorMessage,
	}
}

func (api *engineAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	if tenantID == "" {
		api.writeError(w, r, http.StatusBadRequest, "tenant_id_required")
		return
	}

	var body createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	run, err := api.orch.StartRun(r.Context(), orchestrator.RunRequest{
		TenantID:     tenantID,
		Provider:     body.Provider,
		Domain:       body.Domain,
		PipelineID:   body.PipelineID,
		CredentialID: body.CredentialID,
		DateStart:    body.DateStart,
		DateEnd:      body.DateEnd,
	})
	if err != nil {
		api.writeStartRunError(w, r, err)
		return
	}

	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	})
}

func (api *engineAPI) writeStartRunError(w http.ResponseWriter, r *http.Request, err error) {
	var quotaErr *domain.QuotaExceededError
	if errors.As(err, &quotaErr) {
		api.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "quota_exceeded",
			"which_limit": quotaErr.Limit,
			"request_id":  r.Header.Get("X-Request-Id"),
		})
		return
	}

	var inactiveErr *domain.TenantInactiveError
	if errors.As(err, &inactiveErr) {
		api.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":         "tenant_inactive",
			"billing_state": inactiveErr.State,
			"request_id":    r.Header.Get("X-Request-Id"),
		})
		return
	}

	switch {
	case errors.Is(err, tenants.ErrUnknownTenant):
		api.writeError(w, r, http.StatusNotFound, "tenant_unknown")
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "pipeline_unknown")
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		api.writeError(w, r, http.StatusBadRequest, "invalid_request")
	default:
		api.logger.Error("start run", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *engineAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if tenantID == "" || runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	run, err := api.runs.GetRun(r.Context(), tenantID, runID)
	if errors.Is(err, repo.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "run_not_found")
		return
	}
	if err != nil {
		api.logger.Error("get run", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *engineAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	if tenantID == "" {
		api.writeError(w, r, http.StatusBadRequest, "tenant_id_required")
		return
	}

	filter := repo.RunFilter{
		TenantID:   tenantID,
		PipelineID: strings.TrimSpace(r.URL.Query().Get("pipeline_id")),
		Limit:      clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := domain.NormalizeRunStatus(raw)
		if status == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = status
	}

	runs, err := api.runs.ListRuns(r.Context(), filter)
	if err != nil {
		api.logger.Error("list runs", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

type stepResponse struct {
	StepID       string            `json:"step_id"`
	Attempt      int               `json:"attempt"`
	Status       domain.StepStatus `json:"status"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

func (api *engineAPI) handleListSteps(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if tenantID == "" || runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	if !api.ensureRunExists(w, r, tenantID, runID) {
		return
	}

	records, err := api.steps.ListByRun(r.Context(), tenantID, runID)
	if err != nil {
		api.logger.Error("list step executions", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]stepResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, stepResponse{
			StepID:       rec.StepID,
			Attempt:      rec.Attempt,
			Status:       rec.Status,
			StartedAt:    rec.StartedAt,
			EndedAt:      rec.EndedAt,
			ErrorCode:    rec.ErrorCode,
			ErrorMessage: rec.ErrorMessage,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"steps": out})
}

type transitionResponse struct {
	TransitionID int64            `json:"transition_id"`
	FromStatus   domain.RunStatus `json:"from_status,omitempty"`
	ToStatus     domain.RunStatus `json:"to_status"`
	Reason       string           `json:"reason,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

func (api *engineAPI) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if tenantID == "" || runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	if !api.ensureRunExists(w, r, tenantID, runID) {
		return
	}

	records, err := api.transitions.ListByRun(r.Context(), tenantID, runID)
	if err != nil {
		api.logger.Error("list run transitions", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]transitionResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, transitionResponse{
			TransitionID: rec.ID,
			FromStatus:   rec.FromStatus,
			ToStatus:     rec.ToStatus,
			Reason:       rec.Reason,
			OccurredAt:   rec.OccurredAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"transitions": out})
}

type runLogEntry struct {
	At           time.Time         `json:"at"`
	Kind         string            `json:"kind"`
	FromStatus   domain.RunStatus  `json:"from_status,omitempty"`
	ToStatus     domain.RunStatus  `json:"to_status,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	StepID       string            `json:"step_id,omitempty"`
	Attempt      int               `json:"attempt,omitempty"`
	StepStatus   domain.StepStatus `json:"step_status,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// handleRunLog merges the run's transition trail and step attempt records
// into one chronological view.
func (api *engineAPI) handleRunLog(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if tenantID == "" || runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	run, err := api.runs.GetRun(r.Context(), tenantID, runID)
	if errors.Is(err, repo.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "run_not_found")
		return
	}
	if err != nil {
		api.logger.Error("get run", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	transitions, err := api.transitions.ListByRun(r.Context(), tenantID, runID)
	if err != nil {
		api.logger.Error("list run transitions", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	steps, err := api.steps.ListByRun(r.Context(), tenantID, runID)
	if err != nil {
		api.logger.Error("list step executions", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	entries := make([]runLogEntry, 0, len(transitions)+len(steps))
	for _, rec := range transitions {
		entries = append(entries, runLogEntry{
			At:         rec.OccurredAt,
			Kind:       "transition",
			FromStatus: rec.FromStatus,
			ToStatus:   rec.ToStatus,
			Reason:     rec.Reason,
		})
	}
	for _, rec := range steps {
		entries = append(entries, runLogEntry{
			At:           rec.StartedAt,
			Kind:         "step",
			StepID:       rec.StepID,
			Attempt:      rec.Attempt,
			StepStatus:   rec.Status,
			ErrorCode:    rec.ErrorCode,
			ErrorMessage: rec.ErrorMessage,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })

	api.writeJSON(w, http.StatusOK, map[string]any{
		"run":     toRunResponse(run),
		"entries": entries,
	})
}

func (api *engineAPI) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	keys := api.definitions.Keys()
	out := make([]map[string]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, map[string]string{
			"provider":    key.Provider,
			"domain":      key.Domain,
			"pipeline_id": key.PipelineID,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"pipelines": out})
}

func (api *engineAPI) handleReloadPipelines(w http.ResponseWriter, r *http.Request) {
	if err := api.definitions.Reload(); err != nil {
		api.logger.Error("reload pipeline definitions", "error", err)
		api.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "reload_failed",
			"detail":     err.Error(),
			"request_id": r.Header.Get("X-Request-Id"),
		})
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"pipelines_loaded": len(api.definitions.Keys())})
}

// ensureRunExists resolves the run within the tenant's scope; sub-resource
// listings answer 404 rather than an empty list for unknown runs.
func (api *engineAPI) ensureRunExists(w http.ResponseWriter, r *http.Request, tenantID, runID string) bool {
	_, err := api.runs.GetRun(r.Context(), tenantID, runID)
	if errors.Is(err, repo.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "run_not_found")
		return false
	}
	if err != nil {
		api.logger.Error("get run", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return false
	}
	return true
}

func (api *engineAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *engineAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
