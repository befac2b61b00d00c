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

type RunStore struct {
	db DB
}

const (
	insertRunQuery = `INSERT INTO validation_runs (
		run_id,
		org_id,
		workflow_id,
		workflow_version,
		submission_id,
		status,
		started_at,
		ended_at,
		error_message,
		summary
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	RETURNING run_id, org_id, workflow_id, workflow_version, submission_id, status, started_at, ended_at, error_message, summary`

	selectRunQuery = `SELECT run_id, org_id, workflow_id, workflow_version, submission_id, status, started_at, ended_at, error_message, summary
	 FROM validation_runs
	 WHERE org_id = $1 AND run_id = $2`

	selectRunningBeforeQuery = `SELECT run_id, org_id, workflow_id, workflow_version, submission_id, status, started_at, ended_at, error_message, summary
	 FROM validation_runs
	 WHERE status = $1 AND started_at < $2
	 ORDER BY started_at ASC
	 LIMIT $3`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) Insert(ctx context.Context, record repo.RunRecord) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	orgID := strings.TrimSpace(record.OrgID)
	workflowID := strings.TrimSpace(record.WorkflowID)
	status := strings.TrimSpace(record.Status)
	if orgID == "" {
		return repo.RunRecord{}, fmt.Errorf("org id is required")
	}
	if workflowID == "" {
		return repo.RunRecord{}, fmt.Errorf("workflow id is required")
	}
	if record.WorkflowVersion < 1 {
		return repo.RunRecord{}, fmt.Errorf("workflow version must be >= 1")
	}
	if status == "" {
		status = string(domain.RunStatusPending)
	}

	id := strings.TrimSpace(record.ID)
	if id == "" {
		id = uuid.NewString()
	}
	summary := record.Summary
	if len(summary) == 0 {
		summary = []byte("{}")
	}

	row := s.db.QueryRowContext(
		ctx,
		insertRunQuery,
		id,
		orgID,
		workflowID,
		record.WorkflowVersion,
		nullIfEmpty(strings.TrimSpace(record.SubmissionID)),
		status,
		normalizeTime(record.StartedAt),
		nullTime(record.EndedAt),
		nullIfEmpty(record.Error),
		summary,
	)
	inserted, err := scanRun(row)
	if err != nil {
		return repo.RunRecord{}, fmt.Errorf("insert run: %w", err)
	}
	return inserted, nil
}

func (s *RunStore) Get(ctx context.Context, orgID, runID string) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	orgID = strings.TrimSpace(orgID)
	runID = strings.TrimSpace(runID)
	if orgID == "" {
		return repo.RunRecord{}, fmt.Errorf("org id is required")
	}
	if runID == "" {
		return repo.RunRecord{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(ctx, selectRunQuery, orgID, runID)
	record, err := scanRun(row)
	if err != nil {
		return repo.RunRecord{}, handleNotFound(err)
	}
	return record, nil
}

func (s *RunStore) UpdateStatus(ctx context.Context, runID string, from []domain.RunStatus, to domain.RunStatus, errMsg string, endedAt *time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return false, fmt.Errorf("run id is required")
	}
	if len(from) == 0 {
		return false, fmt.Errorf("expected prior statuses are required")
	}
	if strings.TrimSpace(string(to)) == "" {
		return false, fmt.Errorf("target status is required")
	}

	priors := make([]string, 0, len(from))
	for _, st := range from {
		priors = append(priors, string(st))
	}

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE validation_runs
		 SET status = $1, error_message = COALESCE($2, error_message), ended_at = COALESCE($3, ended_at)
		 WHERE run_id = $4 AND status = ANY($5)`,
		string(to),
		nullIfEmpty(errMsg),
		nullTime(endedAt),
		runID,
		priors,
	)
	if err != nil {
		return false, fmt.Errorf("update run status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update run status: %w", err)
	}
	return affected == 1, nil
}

func (s *RunStore) UpdateSummary(ctx context.Context, runID string, summary json.RawMessage) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if len(summary) == 0 {
		summary = []byte("{}")
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE validation_runs SET summary = $1 WHERE run_id = $2`,
		summary,
		runID,
	)
	if err != nil {
		return fmt.Errorf("update run summary: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run summary: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) ListRunningBefore(ctx context.Context, startedBefore time.Time, limit int) ([]repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectRunningBeforeQuery,
		string(domain.RunStatusRunning), normalizeTime(startedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	defer rows.Close()

	var records []repo.RunRecord
	for rows.Next() {
		record, serr := scanRun(rows)
		if serr != nil {
			return nil, fmt.Errorf("list running runs: %w", serr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	return records, nil
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner runScanner) (repo.RunRecord, error) {
	var record repo.RunRecord
	var submissionID sql.NullString
	var endedAt sql.NullTime
	var errMsg sql.NullString
	if err := scanner.Scan(
		&record.ID,
		&record.OrgID,
		&record.WorkflowID,
		&record.WorkflowVersion,
		&submissionID,
		&record.Status,
		&record.StartedAt,
		&endedAt,
		&errMsg,
		&record.Summary,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repo.RunRecord{}, sql.ErrNoRows
		}
		return repo.RunRecord{}, err
	}
	record.SubmissionID = strings.TrimSpace(submissionID.String)
	record.Error = strings.TrimSpace(errMsg.String)
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		record.EndedAt = &t
	}
	return record, nil
}
