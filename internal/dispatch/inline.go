package dispatch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Executor is the orchestrator surface a dispatcher needs.
type Executor interface {
	ExecuteSteps(ctx context.Context, orgID, runID string, resumeFromStep int) error
}

// InlineDispatcher executes on the caller's goroutine. Used by the test
// deployment target; launch latency equals run duration.
type InlineDispatcher struct {
	executor Executor
	log      *slog.Logger
}

func NewInlineDispatcher(executor Executor, log *slog.Logger) *InlineDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &InlineDispatcher{executor: executor, log: log}
}

func (d *InlineDispatcher) Name() string                   { return "inline" }
func (d *InlineDispatcher) IsSync() bool                   { return true }
func (d *InlineDispatcher) Available(context.Context) bool { return d.executor != nil }

func (d *InlineDispatcher) Dispatch(ctx context.Context, req Request) Response {
	if err := req.validate(); err != nil {
		return Response{Error: err.Error()}
	}
	taskID := uuid.NewString()
	if err := d.executor.ExecuteSteps(ctx, req.OrgID, req.RunID, req.ResumeFromStep); err != nil {
		d.log.Error("inline execution failed", "run_id", req.RunID, "error", err)
		return Response{TaskID: taskID, IsSync: true, Error: err.Error()}
	}
	return Response{TaskID: taskID, IsSync: true}
}
