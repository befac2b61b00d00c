package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/repo"
)

type StepRunStore struct {
	db DB
}

const (
	insertStepRunQuery = `INSERT INTO validation_step_runs (
		step_run_id,
		run_id,
		step_id,
		step_order,
		status,
		execution_id,
		output,
		started_at,
		ended_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (run_id, step_id) DO NOTHING
	RETURNING step_run_id, run_id, step_id, step_order, status, execution_id, output, started_at, ended_at`

	selectStepRunQuery = `SELECT step_run_id, run_id, step_id, step_order, status, execution_id, output, started_at, ended_at
	 FROM validation_step_runs
	 WHERE run_id = $1 AND step_id = $2`

	listStepRunsByRunQuery = `SELECT step_run_id, run_id, step_id, step_order, status, execution_id, output, started_at, ended_at
	 FROM validation_step_runs
	 WHERE run_id = $1
	 ORDER BY step_order ASC`
)

func NewStepRunStore(db DB) *StepRunStore {
	if db == nil {
		return nil
	}
	return &StepRunStore{db: db}
}

// Insert creates the step run row; when the (run_id, step_id) row already
// exists the stored row is returned with inserted=false so callers can
// detect replayed tasks.
func (s *StepRunStore) Insert(ctx context.Context, record repo.StepRunRecord) (repo.StepRunRecord, bool, error) {
	if s == nil || s.db == nil {
		return repo.StepRunRecord{}, false, fmt.Errorf("step run store not initialized")
	}
	runID := strings.TrimSpace(record.RunID)
	stepID := strings.TrimSpace(record.StepID)
	status := strings.TrimSpace(record.Status)
	if runID == "" {
		return repo.StepRunRecord{}, false, fmt.Errorf("run id is required")
	}
	if stepID == "" {
		return repo.StepRunRecord{}, false, fmt.Errorf("step id is required")
	}
	if record.StepOrder < 0 {
		return repo.StepRunRecord{}, false, fmt.Errorf("step order must be non-negative")
	}
	if status == "" {
		status = string(domain.StepStatusPending)
	}

	id := strings.TrimSpace(record.ID)
	if id == "" {
		id = uuid.NewString()
	}
	output := record.Output
	if len(output) == 0 {
		output = []byte("{}")
	}

	row := s.db.QueryRowContext(
		ctx,
		insertStepRunQuery,
		id,
		runID,
		stepID,
		record.StepOrder,
		status,
		nullIfEmpty(strings.TrimSpace(record.ExecutionID)),
		output,
		normalizeTime(record.StartedAt),
		nullTime(record.EndedAt),
	)
	inserted, err := scanStepRun(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return repo.StepRunRecord{}, false, fmt.Errorf("insert step run: %w", err)
		}
		existing, err := s.Get(ctx, runID, stepID)
		if err != nil {
			return repo.StepRunRecord{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *StepRunStore) Get(ctx context.Context, runID, stepID string) (repo.StepRunRecord, error) {
	if s == nil || s.db == nil {
		return repo.StepRunRecord{}, fmt.Errorf("step run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	stepID = strings.TrimSpace(stepID)
	if runID == "" {
		return repo.StepRunRecord{}, fmt.Errorf("run id is required")
	}
	if stepID == "" {
		return repo.StepRunRecord{}, fmt.Errorf("step id is required")
	}
	row := s.db.QueryRowContext(ctx, selectStepRunQuery, runID, stepID)
	record, err := scanStepRun(row)
	if err != nil {
		return repo.StepRunRecord{}, handleNotFound(err)
	}
	return record, nil
}

func (s *StepRunStore) ListByRun(ctx context.Context, runID string) ([]repo.StepRunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	rows, err := s.db.QueryContext(ctx, listStepRunsByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	records := make([]repo.StepRunRecord, 0)
	for rows.Next() {
		record, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	return records, nil
}

func (s *StepRunStore) UpdateStatus(ctx context.Context, runID, stepID string, from []domain.StepStatus, to domain.StepStatus, output json.RawMessage, endedAt *time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("step run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	stepID = strings.TrimSpace(stepID)
	if runID == "" || stepID == "" {
		return false, fmt.Errorf("run id and step id are required")
	}
	if len(from) == 0 {
		return false, fmt.Errorf("expected prior statuses are required")
	}

	priors := make([]string, 0, len(from))
	for _, st := range from {
		priors = append(priors, string(st))
	}

	var outputArg any
	if len(output) > 0 {
		outputArg = []byte(output)
	}

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE validation_step_runs
		 SET status = $1, output = COALESCE($2, output), ended_at = COALESCE($3, ended_at)
		 WHERE run_id = $4 AND step_id = $5 AND status = ANY($6)`,
		string(to),
		outputArg,
		nullTime(endedAt),
		runID,
		stepID,
		priors,
	)
	if err != nil {
		return false, fmt.Errorf("update step run status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update step run status: %w", err)
	}
	return affected == 1, nil
}

func (s *StepRunStore) SetExecutionID(ctx context.Context, runID, stepID, executionID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step run store not initialized")
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return fmt.Errorf("execution id is required")
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE validation_step_runs SET execution_id = $1 WHERE run_id = $2 AND step_id = $3`,
		executionID,
		strings.TrimSpace(runID),
		strings.TrimSpace(stepID),
	)
	if err != nil {
		return fmt.Errorf("set execution id: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set execution id: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type stepRunScanner interface {
	Scan(dest ...any) error
}

func scanStepRun(scanner stepRunScanner) (repo.StepRunRecord, error) {
	var record repo.StepRunRecord
	var executionID sql.NullString
	var endedAt sql.NullTime
	if err := scanner.Scan(
		&record.ID,
		&record.RunID,
		&record.StepID,
		&record.StepOrder,
		&record.Status,
		&executionID,
		&record.Output,
		&record.StartedAt,
		&endedAt,
	); err != nil {
		return repo.StepRunRecord{}, err
	}
	record.ExecutionID = strings.TrimSpace(executionID.String)
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		record.EndedAt = &t
	}
	return record, nil
}
