package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/assertion"
	"github.com/veriflow-labs/veriflow-go/internal/dispatch"
	"github.com/veriflow-labs/veriflow-go/internal/idempotency"
	"github.com/veriflow-labs/veriflow-go/internal/orchestrator"
	repomem "github.com/veriflow-labs/veriflow-go/internal/repo/memory"
	"github.com/veriflow-labs/veriflow-go/internal/storage"
)

const workflowYAML = `schema: veriflow.workflow.v1
id: wf-intake
version: 1
steps:
  - id: structure
    order: 1
    validator_type: json-structure
`

func newTestServer(t *testing.T) (*http.ServeMux, *deps) {
	t.Helper()

	d := &deps{
		runs:              repomem.NewRunStore(),
		steps:             repomem.NewStepRunStore(),
		workflows:         repomem.NewWorkflowStore(),
		idempotency:       repomem.NewIdempotencyStore(),
		store:             storage.NewMemoryStore(),
		submissionsBucket: "submissions",
		envelopesBucket:   "envelopes",
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := assertion.DefaultEngine(assertion.DefaultRegexTimeout)
	validators, err := buildValidators(d, engine, logger)
	if err != nil {
		t.Fatalf("buildValidators() err=%v", err)
	}
	orch, err := orchestrator.New(orchestrator.Params{
		Config: orchestrator.Config{
			WaitAttempts:      2,
			WaitInterval:      time.Millisecond,
			SubmissionsBucket: d.submissionsBucket,
		},
		Runs:      d.runs,
		Steps:     d.steps,
		Workflows: d.workflows,
		Registry:  validators,
		Engine:    engine,
		Store:     d.store,
		Log:       logger,
	})
	if err != nil {
		t.Fatalf("orchestrator.New() err=%v", err)
	}
	orch.SetDispatcher(dispatch.NewInlineDispatcher(orch, logger))

	guard := idempotency.NewGuard(d.idempotency, idempotency.DefaultTTL, logger)

	mux := http.NewServeMux()
	newRunAPI(logger, orch, guard, d).register(mux)
	return mux, d
}

func seedSubmission(t *testing.T, d *deps, orgID, submissionID, body string) {
	t.Helper()
	path := d.submissionsBucket + "/" + orgID + "/" + submissionID
	if _, err := d.store.Write(context.Background(), path, []byte(body), "application/json"); err != nil {
		t.Fatalf("seed submission: %v", err)
	}
}

func uploadWorkflow(t *testing.T, mux *http.ServeMux, orgID string) {
	t.Helper()
	req := httptest.NewRequest("POST", "/orgs/"+orgID+"/workflows", strings.NewReader(workflowYAML))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload workflow status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func launchBody() string {
	return `{"workflow_id":"wf-intake","submission_id":"sub-1"}`
}

func doLaunch(mux *http.ServeMux, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/orgs/org-1/validation-runs", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", key)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestLaunchRun_CompletesInline(t *testing.T) {
	mux, d := newTestServer(t)
	uploadWorkflow(t, mux, "org-1")
	seedSubmission(t, d, "org-1", "sub-1", `{"a":1,"b":2}`)

	rec := doLaunch(mux, "key-1", launchBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var view runView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.Status != "SUCCEEDED" {
		t.Fatalf("run status=%q, want SUCCEEDED", view.Status)
	}
	location := rec.Header().Get("Location")
	if !strings.HasSuffix(location, "/validation-runs/"+view.RunID) {
		t.Fatalf("Location=%q", location)
	}
	if rec.Header().Get(idempotency.HeaderReplayed) != "" {
		t.Fatalf("first request must not be marked replayed")
	}
}

func TestLaunchRun_ReplaySameKey(t *testing.T) {
	mux, d := newTestServer(t)
	uploadWorkflow(t, mux, "org-1")
	seedSubmission(t, d, "org-1", "sub-1", `{"a":1}`)

	first := doLaunch(mux, "key-1", launchBody())
	if first.Code != http.StatusCreated {
		t.Fatalf("first status=%d", first.Code)
	}
	second := doLaunch(mux, "key-1", launchBody())
	if second.Code != http.StatusCreated {
		t.Fatalf("replay status=%d", second.Code)
	}
	if second.Header().Get(idempotency.HeaderReplayed) != "true" {
		t.Fatalf("replay must set %s", idempotency.HeaderReplayed)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replay body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
}

func TestLaunchRun_KeyReuseDifferentBody(t *testing.T) {
	mux, d := newTestServer(t)
	uploadWorkflow(t, mux, "org-1")
	seedSubmission(t, d, "org-1", "sub-1", `{"a":1}`)
	seedSubmission(t, d, "org-1", "sub-2", `{"a":2}`)

	if rec := doLaunch(mux, "key-1", launchBody()); rec.Code != http.StatusCreated {
		t.Fatalf("first status=%d", rec.Code)
	}
	rec := doLaunch(mux, "key-1", `{"workflow_id":"wf-intake","submission_id":"sub-2"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d, want 422", rec.Code)
	}
}

func TestLaunchRun_WithoutIdempotencyKey(t *testing.T) {
	mux, d := newTestServer(t)
	uploadWorkflow(t, mux, "org-1")
	seedSubmission(t, d, "org-1", "sub-1", `{"a":1}`)

	first := doLaunch(mux, "", launchBody())
	if first.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", first.Code, first.Body.String())
	}
	// No key means no replay: a second identical request starts a new run.
	second := doLaunch(mux, "", launchBody())
	if second.Code != http.StatusCreated {
		t.Fatalf("second status=%d", second.Code)
	}
	var a, b runView
	if err := json.Unmarshal(first.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if a.RunID == b.RunID {
		t.Fatalf("unkeyed requests must create distinct runs")
	}
}

func TestLaunchRun_InlineContent(t *testing.T) {
	mux, d := newTestServer(t)
	uploadWorkflow(t, mux, "org-1")

	rec := doLaunch(mux, "key-1", `{"workflow_id":"wf-intake","content":"{\"a\":1}","content_type":"application/json"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var view runView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.Status != "SUCCEEDED" {
		t.Fatalf("run status=%q, want SUCCEEDED", view.Status)
	}
	if view.SubmissionID == "" {
		t.Fatalf("inline content must be assigned a submission id")
	}
	path := d.submissionsBucket + "/org-1/" + view.SubmissionID
	stored, err := d.store.Read(context.Background(), path)
	if err != nil {
		t.Fatalf("stored submission unreadable: %v", err)
	}
	if string(stored) != `{"a":1}` {
		t.Fatalf("stored submission=%q", stored)
	}
}

func TestLaunchRun_RejectsAmbiguousSource(t *testing.T) {
	mux, _ := newTestServer(t)
	rec := doLaunch(mux, "key-1", `{"workflow_id":"wf-intake","submission_id":"sub-1","content":"{}"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestLaunchRun_RejectsBadBase64(t *testing.T) {
	mux, _ := newTestServer(t)
	uploadWorkflow(t, mux, "org-1")
	rec := doLaunch(mux, "key-1", `{"workflow_id":"wf-intake","content_base64":"!!!not-base64!!!"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestLaunchRun_UnknownWorkflow(t *testing.T) {
	mux, _ := newTestServer(t)
	rec := doLaunch(mux, "key-1", launchBody())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestGetRun_WithSteps(t *testing.T) {
	mux, d := newTestServer(t)
	uploadWorkflow(t, mux, "org-1")
	seedSubmission(t, d, "org-1", "sub-1", `{"a":1}`)

	launch := doLaunch(mux, "key-1", launchBody())
	var view runView
	if err := json.Unmarshal(launch.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode launch response: %v", err)
	}

	req := httptest.NewRequest("GET", "/orgs/org-1/validation-runs/"+view.RunID, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Run   runView       `json:"run"`
		Steps []stepRunView `json:"steps"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Run.RunID != view.RunID {
		t.Fatalf("run id mismatch")
	}
	if len(payload.Steps) != 1 || payload.Steps[0].StepID != "structure" {
		t.Fatalf("steps=%+v", payload.Steps)
	}
	if payload.Steps[0].Status != "SUCCEEDED" {
		t.Fatalf("step status=%q", payload.Steps[0].Status)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	mux, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/orgs/org-1/validation-runs/nope", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestCancelRun_TerminalConflict(t *testing.T) {
	mux, d := newTestServer(t)
	uploadWorkflow(t, mux, "org-1")
	seedSubmission(t, d, "org-1", "sub-1", `{"a":1}`)

	launch := doLaunch(mux, "key-1", launchBody())
	var view runView
	if err := json.Unmarshal(launch.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode launch response: %v", err)
	}

	req := httptest.NewRequest("POST", "/orgs/org-1/validation-runs/"+view.RunID+"/cancel", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel of finished run status=%d, want 409", rec.Code)
	}
}

func TestUploadWorkflow_InvalidDefinition(t *testing.T) {
	mux, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/orgs/org-1/workflows", strings.NewReader("schema: wrong\n"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestGetWorkflow_LatestAndPinned(t *testing.T) {
	mux, _ := newTestServer(t)
	uploadWorkflow(t, mux, "org-1")

	v2 := strings.Replace(workflowYAML, "version: 1", "version: 2", 1)
	req := httptest.NewRequest("POST", "/orgs/org-1/workflows", strings.NewReader(v2))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload v2 status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/orgs/org-1/workflows/wf-intake", nil))
	var latest struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &latest); err != nil {
		t.Fatalf("decode latest: %v", err)
	}
	if latest.Version != 2 {
		t.Fatalf("latest version=%d, want 2", latest.Version)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/orgs/org-1/workflows/wf-intake?version=1", nil))
	var pinned struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &pinned); err != nil {
		t.Fatalf("decode pinned: %v", err)
	}
	if pinned.Version != 1 {
		t.Fatalf("pinned version=%d, want 1", pinned.Version)
	}
}

func TestDecodeJSONBytes_RejectsUnknownFields(t *testing.T) {
	var dst launchRequest
	if err := decodeJSONBytes([]byte(`{"workflow_id":"wf","submission_id":"s","extra":1}`), &dst); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRetryAfterRoundsUpWaitInterval(t *testing.T) {
	// The advertised delay must follow the configured poll interval, not a
	// package default.
	if got := retryAfterSeconds(orchestrator.DefaultWaitInterval); got != "1" {
		t.Fatalf("retry-after=%s for default interval, want 1", got)
	}
	if got := retryAfterSeconds(3 * time.Second); got != "4" {
		t.Fatalf("retry-after=%s for 3s interval, want 4", got)
	}
}
