package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/veriflow-labs/veriflow-go/internal/idempotency"
	"github.com/veriflow-labs/veriflow-go/internal/orchestrator"
	"github.com/veriflow-labs/veriflow-go/internal/repo"
	"github.com/veriflow-labs/veriflow-go/internal/workflow"
)

const launchEndpoint = "validation-runs.launch"

type runAPI struct {
	logger *slog.Logger
	orch   *orchestrator.Orchestrator
	guard  *idempotency.Guard
	deps   *deps
}

func newRunAPI(logger *slog.Logger, orch *orchestrator.Orchestrator, guard *idempotency.Guard, d *deps) *runAPI {
	return &runAPI{
		logger: logger,
		orch:   orch,
		guard:  guard,
		deps:   d,
	}
}

func (api *runAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /orgs/{org_id}/validation-runs", api.handleLaunchRun)
	mux.HandleFunc("GET /orgs/{org_id}/validation-runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /orgs/{org_id}/validation-runs/{run_id}/cancel", api.handleCancelRun)

	mux.HandleFunc("POST /orgs/{org_id}/workflows", api.handleUploadWorkflow)
	mux.HandleFunc("GET /orgs/{org_id}/workflows/{workflow_id}", api.handleGetWorkflow)
}

type launchRequest struct {
	WorkflowID      string `json:"workflow_id"`
	WorkflowVersion int    `json:"workflow_version,omitempty"`
	// Exactly one submission source: an already-uploaded object referenced by
	// SubmissionID, or content carried inline (raw or base64).
	SubmissionID  string `json:"submission_id,omitempty"`
	Content       string `json:"content,omitempty"`
	ContentBase64 string `json:"content_base64,omitempty"`
	ContentType   string `json:"content_type,omitempty"`
	RequestedBy   string `json:"requested_by,omitempty"`
}

type runView struct {
	RunID           string          `json:"run_id"`
	OrgID           string          `json:"org_id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowVersion int             `json:"workflow_version"`
	SubmissionID    string          `json:"submission_id"`
	Status          string          `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	Error           string          `json:"error,omitempty"`
	Summary         json.RawMessage `json:"summary,omitempty"`
}

type stepRunView struct {
	StepID      string          `json:"step_id"`
	StepOrder   int             `json:"step_order"`
	Status      string          `json:"status"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
}

func (api *runAPI) handleLaunchRun(w http.ResponseWriter, r *http.Request) {
	orgID := strings.TrimSpace(r.PathValue("org_id"))
	if orgID == "" {
		api.writeError(w, r, http.StatusBadRequest, "org_id_required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "unreadable_body")
		return
	}
	var req launchRequest
	if err := decodeJSONBytes(body, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.WorkflowID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "workflow_id_required")
		return
	}
	sources := 0
	if strings.TrimSpace(req.SubmissionID) != "" {
		sources++
	}
	if req.Content != "" {
		sources++
	}
	if req.ContentBase64 != "" {
		sources++
	}
	if sources != 1 {
		api.writeError(w, r, http.StatusBadRequest, "exactly_one_submission_source_required")
		return
	}

	launch := func(ctx context.Context) (int, []byte, error) {
		submissionID, err := api.resolveSubmission(ctx, orgID, req)
		if err != nil {
			return 0, nil, err
		}
		result, err := api.orch.Launch(ctx, orchestrator.LaunchInput{
			OrgID:           orgID,
			UserID:          strings.TrimSpace(req.RequestedBy),
			WorkflowID:      strings.TrimSpace(req.WorkflowID),
			WorkflowVersion: req.WorkflowVersion,
			SubmissionID:    submissionID,
		})
		if err != nil {
			return 0, nil, err
		}
		status := http.StatusAccepted
		if result.Completed {
			status = http.StatusCreated
		}
		payload, err := json.Marshal(toRunView(result.Run))
		if err != nil {
			return 0, nil, err
		}
		return status, payload, nil
	}

	var resp idempotency.Response
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		resp, err = api.guard.Execute(r.Context(), orgID, key, launchEndpoint, idempotency.RequestHash(body), launch)
	} else {
		resp.Status, resp.Body, err = launch(r.Context())
	}
	if err != nil {
		switch {
		case errors.Is(err, idempotency.ErrInFlight):
			api.writeError(w, r, http.StatusConflict, "request_in_flight")
		case errors.Is(err, idempotency.ErrKeyConflict):
			api.writeError(w, r, http.StatusUnprocessableEntity, "idempotency_key_reused")
		case errors.Is(err, errInvalidContent):
			api.writeError(w, r, http.StatusBadRequest, "invalid_content_base64")
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "workflow_not_found")
		default:
			api.logger.Error("launch failed", "org_id", orgID, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	var view runView
	if err := json.Unmarshal(resp.Body, &view); err == nil && view.RunID != "" {
		w.Header().Set("Location", fmt.Sprintf("/orgs/%s/validation-runs/%s", orgID, view.RunID))
	}
	if resp.Replayed {
		w.Header().Set(idempotency.HeaderReplayed, "true")
	}
	if resp.Status == http.StatusAccepted {
		w.Header().Set("Retry-After", retryAfterSeconds(api.orch.WaitInterval()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (api *runAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	orgID := strings.TrimSpace(r.PathValue("org_id"))
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if orgID == "" || runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "org_id_and_run_id_required")
		return
	}

	run, err := api.deps.runs.Get(r.Context(), orgID, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.logger.Error("load run", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	records, err := api.deps.steps.ListByRun(r.Context(), runID)
	if err != nil {
		api.logger.Error("list step runs", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	steps := make([]stepRunView, 0, len(records))
	for _, record := range records {
		steps = append(steps, stepRunView{
			StepID:      record.StepID,
			StepOrder:   record.StepOrder,
			Status:      record.Status,
			ExecutionID: record.ExecutionID,
			Output:      record.Output,
			StartedAt:   record.StartedAt,
			EndedAt:     record.EndedAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run":   toRunView(run),
		"steps": steps,
	})
}

func (api *runAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	orgID := strings.TrimSpace(r.PathValue("org_id"))
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if orgID == "" || runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "org_id_and_run_id_required")
		return
	}

	err := api.orch.Cancel(r.Context(), orgID, runID, strings.TrimSpace(r.Header.Get("X-User-Id")))
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrRunTerminal):
			api.writeError(w, r, http.StatusConflict, "run_already_terminal")
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
		default:
			api.logger.Error("cancel run", "run_id", runID, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	run, err := api.deps.runs.Get(r.Context(), orgID, runID)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toRunView(run))
}

func (api *runAPI) handleUploadWorkflow(w http.ResponseWriter, r *http.Request) {
	orgID := strings.TrimSpace(r.PathValue("org_id"))
	if orgID == "" {
		api.writeError(w, r, http.StatusBadRequest, "org_id_required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(body) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "definition_required")
		return
	}

	def, err := workflow.Parse(body)
	if err != nil {
		api.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid_workflow",
			"detail":     err.Error(),
			"request_id": r.Header.Get("X-Request-Id"),
		})
		return
	}

	record, err := api.deps.workflows.Insert(r.Context(), repo.WorkflowRecord{
		ID:         def.ID,
		OrgID:      orgID,
		Version:    def.Version,
		Definition: body,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			api.writeError(w, r, http.StatusConflict, "workflow_version_exists")
			return
		}
		api.logger.Error("insert workflow", "workflow_id", def.ID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.writeJSON(w, http.StatusCreated, map[string]any{
		"workflow_id": record.ID,
		"org_id":      record.OrgID,
		"version":     record.Version,
		"steps":       len(def.Steps),
		"created_at":  record.CreatedAt,
	})
}

func (api *runAPI) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	orgID := strings.TrimSpace(r.PathValue("org_id"))
	workflowID := strings.TrimSpace(r.PathValue("workflow_id"))
	if orgID == "" || workflowID == "" {
		api.writeError(w, r, http.StatusBadRequest, "org_id_and_workflow_id_required")
		return
	}

	var (
		record repo.WorkflowRecord
		err    error
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("version")); raw != "" {
		version, perr := strconv.Atoi(raw)
		if perr != nil || version < 1 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_version")
			return
		}
		record, err = api.deps.workflows.Get(r.Context(), orgID, workflowID, version)
	} else {
		record, err = api.deps.workflows.GetLatest(r.Context(), orgID, workflowID)
	}
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "workflow_not_found")
			return
		}
		api.logger.Error("load workflow", "workflow_id", workflowID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	def, err := workflow.Parse(record.Definition)
	if err != nil {
		api.logger.Error("stored workflow unparsable", "workflow_id", workflowID, "version", record.Version, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": record.ID,
		"org_id":      record.OrgID,
		"version":     record.Version,
		"created_at":  record.CreatedAt,
		"definition":  def,
	})
}

var errInvalidContent = errors.New("content_base64 is not valid base64")

// resolveSubmission returns the submission id to run against, storing inline
// content under the submissions bucket first. Replayed idempotent requests
// never reach this path, so the write happens at most once per accepted run.
func (api *runAPI) resolveSubmission(ctx context.Context, orgID string, req launchRequest) (string, error) {
	if id := strings.TrimSpace(req.SubmissionID); id != "" {
		return id, nil
	}

	var data []byte
	if req.Content != "" {
		data = []byte(req.Content)
	} else {
		decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			return "", errInvalidContent
		}
		data = decoded
	}
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	submissionID := uuid.NewString()
	path := fmt.Sprintf("%s/%s/%s", api.deps.submissionsBucket, orgID, submissionID)
	if _, err := api.deps.store.Write(ctx, path, data, contentType); err != nil {
		return "", fmt.Errorf("store inline submission: %w", err)
	}
	return submissionID, nil
}

func toRunView(run repo.RunRecord) runView {
	return runView{
		RunID:           run.ID,
		OrgID:           run.OrgID,
		WorkflowID:      run.WorkflowID,
		WorkflowVersion: run.WorkflowVersion,
		SubmissionID:    run.SubmissionID,
		Status:          run.Status,
		StartedAt:       run.StartedAt,
		EndedAt:         run.EndedAt,
		Error:           run.Error,
		Summary:         run.Summary,
	}
}

// retryAfterSeconds rounds the orchestrator's poll interval up to whole
// seconds so a polling client never comes back early.
func retryAfterSeconds(interval time.Duration) string {
	return strconv.Itoa(int(interval/time.Second) + 1)
}

func (api *runAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *runAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func decodeJSONBytes(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}
