// Package dispatch hands validation-run execution tasks to whatever runs
// them: the caller's goroutine, a worker over HTTP, or a redis queue.
// Business failures travel in Response.Error; Dispatch never returns them as
// Go errors.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const TaskTypeExecuteRun = "validation-run.execute"

// Request identifies the run to execute. ResumeFromStep > 0 resumes a run
// mid-workflow after a callback.
type Request struct {
	RunID          string `json:"run_id"`
	OrgID          string `json:"org_id"`
	UserID         string `json:"user_id,omitempty"`
	ResumeFromStep int    `json:"resume_from_step,omitempty"`
}

type Response struct {
	TaskID string
	IsSync bool
	Error  string
}

type Dispatcher interface {
	Name() string
	IsSync() bool
	Available(ctx context.Context) bool
	Dispatch(ctx context.Context, req Request) Response
}

// Task is the wire form of a queued dispatch.
type Task struct {
	Type     string  `json:"type"`
	Data     Request `json:"data"`
	Attempts int     `json:"attempts,omitempty"`
}

func (t Task) Marshal() ([]byte, error) {
	if strings.TrimSpace(t.Type) == "" {
		return nil, fmt.Errorf("task type is required")
	}
	return json.Marshal(t)
}

func UnmarshalTask(raw []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if strings.TrimSpace(task.Type) == "" {
		return Task{}, fmt.Errorf("task type is required")
	}
	return task, nil
}

func (req Request) validate() error {
	if strings.TrimSpace(req.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(req.OrgID) == "" {
		return fmt.Errorf("org id is required")
	}
	return nil
}
