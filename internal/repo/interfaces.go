package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

var ErrNotFound = errors.New("record not found")

// RunRecord is the persisted form of a validation run. Summary is stored as
// a JSON document.
type RunRecord struct {
	ID              string
	OrgID           string
	WorkflowID      string
	WorkflowVersion int
	SubmissionID    string
	Status          string
	StartedAt       time.Time
	EndedAt         *time.Time
	Error           string
	Summary         json.RawMessage
}

type StepRunRecord struct {
	ID          string
	RunID       string
	StepID      string
	StepOrder   int
	Status      string
	ExecutionID string
	Output      json.RawMessage
	StartedAt   time.Time
	EndedAt     *time.Time
}

type WorkflowRecord struct {
	ID         string
	OrgID      string
	Version    int
	Definition []byte
	CreatedAt  time.Time
}

type IdempotencyRecord struct {
	OrgID          string
	Key            string
	Endpoint       string
	Status         string
	RequestHash    string
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

type RunRepository interface {
	Insert(ctx context.Context, record RunRecord) (RunRecord, error)
	Get(ctx context.Context, orgID, runID string) (RunRecord, error)
	// UpdateStatus transitions status only when the stored status matches
	// one of the expected prior statuses; ok=false reports a lost race.
	UpdateStatus(ctx context.Context, runID string, from []domain.RunStatus, to domain.RunStatus, errMsg string, endedAt *time.Time) (bool, error)
	UpdateSummary(ctx context.Context, runID string, summary json.RawMessage) error
	// ListRunningBefore returns RUNNING runs started before the cutoff,
	// oldest first, for the timed-out run reclaimer.
	ListRunningBefore(ctx context.Context, startedBefore time.Time, limit int) ([]RunRecord, error)
}

type StepRunRepository interface {
	Insert(ctx context.Context, record StepRunRecord) (StepRunRecord, bool, error)
	Get(ctx context.Context, runID, stepID string) (StepRunRecord, error)
	ListByRun(ctx context.Context, runID string) ([]StepRunRecord, error)
	// UpdateStatus is conditional like RunRepository.UpdateStatus.
	UpdateStatus(ctx context.Context, runID, stepID string, from []domain.StepStatus, to domain.StepStatus, output json.RawMessage, endedAt *time.Time) (bool, error)
	SetExecutionID(ctx context.Context, runID, stepID, executionID string) error
}

type WorkflowRepository interface {
	Insert(ctx context.Context, record WorkflowRecord) (WorkflowRecord, error)
	Get(ctx context.Context, orgID, workflowID string, version int) (WorkflowRecord, error)
	GetLatest(ctx context.Context, orgID, workflowID string) (WorkflowRecord, error)
}

type IdempotencyRepository interface {
	// InsertProcessing inserts a PROCESSING row; inserted=false when the
	// unique constraint lost the race and the existing row is returned.
	InsertProcessing(ctx context.Context, record IdempotencyRecord) (IdempotencyRecord, bool, error)
	Get(ctx context.Context, orgID, key, endpoint string) (IdempotencyRecord, error)
	MarkCompleted(ctx context.Context, orgID, key, endpoint string, responseStatus int, responseBody []byte) error
	Delete(ctx context.Context, orgID, key, endpoint string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
