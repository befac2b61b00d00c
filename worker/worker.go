package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/dispatch"
	"github.com/veriflow-labs/veriflow-go/internal/envelope"
	"github.com/veriflow-labs/veriflow-go/internal/orchestrator"
	"github.com/veriflow-labs/veriflow-go/internal/platform/auth"
)

type workerAPI struct {
	logger  *slog.Logger
	orch    *orchestrator.Orchestrator
	secret  string
	maxSkew time.Duration
}

func newWorkerAPI(logger *slog.Logger, orch *orchestrator.Orchestrator, secret string, maxSkew time.Duration) *workerAPI {
	return &workerAPI{
		logger:  logger,
		orch:    orch,
		secret:  secret,
		maxSkew: maxSkew,
	}
}

func (api *workerAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /internal/tasks", api.authenticated(api.handleTask))
	mux.HandleFunc("POST /validation-callbacks", api.authenticated(api.handleCallback))
}

// authenticated verifies the shared-secret request signature both the api
// service and validator containers attach to worker-bound requests.
func (api *workerAPI) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ts := r.Header.Get(auth.HeaderAuthTimestamp)
		if err := auth.VerifyTimestamp(ts, time.Now().UTC(), api.maxSkew); err != nil {
			api.writeError(w, r, http.StatusUnauthorized, "invalid_auth_timestamp")
			return
		}
		sig := r.Header.Get(auth.HeaderAuthSignature)
		reqID := r.Header.Get("X-Request-Id")
		if err := auth.VerifySignature(api.secret, ts, r.Method, r.URL.Path, reqID, sig); err != nil {
			api.writeError(w, r, http.StatusUnauthorized, "invalid_auth_signature")
			return
		}
		next(w, r)
	}
}

func (api *workerAPI) handleTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "unreadable_body")
		return
	}
	task, err := dispatch.UnmarshalTask(body)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_task")
		return
	}
	if task.Type != dispatch.TaskTypeExecuteRun {
		api.writeError(w, r, http.StatusBadRequest, "unknown_task_type")
		return
	}
	if strings.TrimSpace(task.Data.RunID) == "" || strings.TrimSpace(task.Data.OrgID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_and_org_id_required")
		return
	}

	// Accept before executing so the dispatching api call is not held open
	// for the length of the run. Execution gets its own context: an api-side
	// timeout must not abort a run mid-step.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := api.orch.ExecuteSteps(ctx, task.Data.OrgID, task.Data.RunID, task.Data.ResumeFromStep); err != nil {
			api.logger.Error("task execution failed",
				"run_id", task.Data.RunID, "resume_from_step", task.Data.ResumeFromStep, "error", err)
		}
	}()

	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":   task.Data.RunID,
		"accepted": true,
	})
}

type callbackRequest struct {
	OrgID             string             `json:"org_id"`
	RunID             string             `json:"run_id"`
	ExecutionID       string             `json:"execution_id"`
	Status            string             `json:"status,omitempty"`
	OutputEnvelopeURI string             `json:"output_envelope_uri,omitempty"`
	Messages          []envelope.Message `json:"messages,omitempty"`
	Error             string             `json:"error,omitempty"`
}

// handleCallback finalizes an async validator execution. Unrecognized or
// stale callbacks still return 200: the container already finished and
// retrying cannot improve anything.
func (api *workerAPI) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "unreadable_body")
		return
	}
	var req callbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.RunID) == "" || strings.TrimSpace(req.ExecutionID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_and_execution_id_required")
		return
	}

	err = api.orch.ResolveCallback(r.Context(), orchestrator.Callback{
		OrgID:             req.OrgID,
		RunID:             req.RunID,
		ExecutionID:       req.ExecutionID,
		Status:            req.Status,
		OutputEnvelopeURI: req.OutputEnvelopeURI,
		Messages:          req.Messages,
		Error:             req.Error,
	})
	if err != nil {
		api.logger.Error("callback resolution failed",
			"run_id", req.RunID, "execution_id", req.ExecutionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":       req.RunID,
		"execution_id": req.ExecutionID,
		"resolved":     true,
	})
}

func (api *workerAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *workerAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}
