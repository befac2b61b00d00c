// Package domain holds the core types of the validation engine: runs, step
// runs, issues and assertions. It has no dependencies on storage or
// transport.
package domain

import (
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCanceled  RunStatus = "CANCELED"
	RunStatusTimedOut  RunStatus = "TIMED_OUT"
)

// Terminal reports whether the status can never change again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled, RunStatusTimedOut:
		return true
	default:
		return false
	}
}

func NormalizeRunStatus(raw string) (RunStatus, error) {
	status := RunStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCanceled, RunStatusTimedOut:
		return status, nil
	default:
		return "", fmt.Errorf("unknown run status %q", raw)
	}
}

// ValidationRun is one execution of a workflow version against a submission.
type ValidationRun struct {
	ID              string
	OrgID           string
	WorkflowID      string
	WorkflowVersion int
	SubmissionID    string
	Status          RunStatus
	StartedAt       time.Time
	EndedAt         *time.Time
	Error           string
	Summary         map[string]StepOutput
}

// StepOutput is the per-step slice of a run summary.
type StepOutput struct {
	Signals Signals `json:"signals,omitempty"`
	Issues  []Issue `json:"issues,omitempty"`
	Passed  *bool   `json:"passed,omitempty"`
}
