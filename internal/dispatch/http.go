package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veriflow-labs/veriflow-go/internal/platform/auth"
	"github.com/veriflow-labs/veriflow-go/internal/platform/requestid"
)

// HTTPDispatcher posts execution tasks to the worker service. Used by the
// local deployment target where api and worker are separate processes on one
// host.
type HTTPDispatcher struct {
	endpoint string
	secret   string
	client   *http.Client
	log      *slog.Logger
}

func NewHTTPDispatcher(endpoint, secret string, log *slog.Logger) (*HTTPDispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("worker endpoint is required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid worker endpoint: %w", err)
	}
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("internal auth secret is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPDispatcher{
		endpoint: strings.TrimRight(endpoint, "/"),
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}, nil
}

func (d *HTTPDispatcher) Name() string { return "http" }
func (d *HTTPDispatcher) IsSync() bool { return false }

func (d *HTTPDispatcher) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, req Request) Response {
	if err := req.validate(); err != nil {
		return Response{Error: err.Error()}
	}
	payload, err := Task{Type: TaskTypeExecuteRun, Data: req}.Marshal()
	if err != nil {
		return Response{Error: err.Error()}
	}

	const path = "/internal/tasks"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return Response{Error: err.Error()}
	}
	reqID, err := requestid.New()
	if err != nil {
		reqID = uuid.NewString()
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := auth.ComputeSignature(d.secret, ts, http.MethodPost, path, reqID)
	if err != nil {
		return Response{Error: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Id", reqID)
	httpReq.Header.Set(auth.HeaderAuthTimestamp, ts)
	httpReq.Header.Set(auth.HeaderAuthSignature, sig)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.log.Error("worker dispatch failed", "run_id", req.RunID, "error", err)
		return Response{Error: fmt.Sprintf("dispatch to worker: %v", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return Response{Error: fmt.Sprintf("worker rejected task: status %d", resp.StatusCode)}
	}
	return Response{TaskID: uuid.NewString()}
}
