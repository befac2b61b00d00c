package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingExecutor struct {
	calls []Request
	err   error
}

func (e *recordingExecutor) ExecuteSteps(_ context.Context, orgID, runID string, resumeFromStep int) error {
	e.calls = append(e.calls, Request{OrgID: orgID, RunID: runID, ResumeFromStep: resumeFromStep})
	return e.err
}

func TestInlineDispatchRunsSynchronously(t *testing.T) {
	exec := &recordingExecutor{}
	d := NewInlineDispatcher(exec, nil)

	resp := d.Dispatch(context.Background(), Request{RunID: "run-1", OrgID: "org-1"})
	require.Empty(t, resp.Error)
	require.True(t, resp.IsSync)
	require.Len(t, exec.calls, 1)
	require.Equal(t, "run-1", exec.calls[0].RunID)
}

func TestInlineDispatchReportsBusinessErrorInResponse(t *testing.T) {
	exec := &recordingExecutor{err: errors.New("workflow not found")}
	d := NewInlineDispatcher(exec, nil)

	resp := d.Dispatch(context.Background(), Request{RunID: "run-1", OrgID: "org-1"})
	require.Equal(t, "workflow not found", resp.Error)
}

func TestDispatchRejectsMissingRunID(t *testing.T) {
	d := NewInlineDispatcher(&recordingExecutor{}, nil)
	resp := d.Dispatch(context.Background(), Request{OrgID: "org-1"})
	require.Contains(t, resp.Error, "run id")
}

func TestTaskRoundTrip(t *testing.T) {
	payload, err := Task{Type: TaskTypeExecuteRun, Data: Request{RunID: "run-1", OrgID: "org-1", ResumeFromStep: 2}}.Marshal()
	require.NoError(t, err)

	task, err := UnmarshalTask(payload)
	require.NoError(t, err)
	require.Equal(t, TaskTypeExecuteRun, task.Type)
	require.Equal(t, 2, task.Data.ResumeFromStep)

	_, err = UnmarshalTask([]byte(`{"data":{}}`))
	require.Error(t, err)
}

func TestAfterCommitDefersUntilFlush(t *testing.T) {
	ctx, hook := WithAfterCommit(context.Background())

	ran := 0
	hook.add(func(context.Context) { ran++ })
	require.Zero(t, ran)

	hook.Flush(ctx)
	require.Equal(t, 1, ran)

	// A second flush must not re-run the work.
	hook.Flush(ctx)
	require.Equal(t, 1, ran)
}
