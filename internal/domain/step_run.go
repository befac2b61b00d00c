package domain

import (
	"fmt"
	"strings"
	"time"
)

type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusSucceeded StepStatus = "SUCCEEDED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusCanceled  StepStatus = "CANCELED"
	StepStatusSkipped   StepStatus = "SKIPPED"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusCanceled, StepStatusSkipped:
		return true
	default:
		return false
	}
}

func NormalizeStepStatus(raw string) (StepStatus, error) {
	status := StepStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case StepStatusPending, StepStatusRunning, StepStatusSucceeded, StepStatusFailed, StepStatusCanceled, StepStatusSkipped:
		return status, nil
	default:
		return "", fmt.Errorf("unknown step status %q", raw)
	}
}

// StepRun is one validator execution within a run. ExecutionID ties an async
// callback to the execution that produced it; callbacks carrying a different
// execution id are stale and must be ignored.
type StepRun struct {
	ID          string
	RunID       string
	StepID      string
	StepOrder   int
	Status      StepStatus
	ExecutionID string
	Output      StepOutput
	StartedAt   time.Time
	EndedAt     *time.Time
}
