package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/veriflow-labs/veriflow-go/internal/repo"
)

type WorkflowStore struct {
	db DB
}

const (
	insertWorkflowQuery = `INSERT INTO workflows (
		workflow_id,
		org_id,
		version,
		definition,
		created_at
	) VALUES ($1,$2,$3,$4,$5)
	RETURNING workflow_id, org_id, version, definition, created_at`

	selectWorkflowQuery = `SELECT workflow_id, org_id, version, definition, created_at
	 FROM workflows
	 WHERE org_id = $1 AND workflow_id = $2 AND version = $3`

	selectLatestWorkflowQuery = `SELECT workflow_id, org_id, version, definition, created_at
	 FROM workflows
	 WHERE org_id = $1 AND workflow_id = $2
	 ORDER BY version DESC
	 LIMIT 1`
)

func NewWorkflowStore(db DB) *WorkflowStore {
	if db == nil {
		return nil
	}
	return &WorkflowStore{db: db}
}

func (s *WorkflowStore) Insert(ctx context.Context, record repo.WorkflowRecord) (repo.WorkflowRecord, error) {
	if s == nil || s.db == nil {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow store not initialized")
	}
	id := strings.TrimSpace(record.ID)
	orgID := strings.TrimSpace(record.OrgID)
	if id == "" {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow id is required")
	}
	if orgID == "" {
		return repo.WorkflowRecord{}, fmt.Errorf("org id is required")
	}
	if record.Version < 1 {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow version must be >= 1")
	}
	if len(record.Definition) == 0 {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow definition is required")
	}

	row := s.db.QueryRowContext(
		ctx,
		insertWorkflowQuery,
		id,
		orgID,
		record.Version,
		record.Definition,
		normalizeTime(record.CreatedAt),
	)
	inserted, err := scanWorkflow(row)
	if err != nil {
		return repo.WorkflowRecord{}, fmt.Errorf("insert workflow: %w", err)
	}
	return inserted, nil
}

func (s *WorkflowStore) Get(ctx context.Context, orgID, workflowID string, version int) (repo.WorkflowRecord, error) {
	if s == nil || s.db == nil {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow store not initialized")
	}
	orgID = strings.TrimSpace(orgID)
	workflowID = strings.TrimSpace(workflowID)
	if orgID == "" || workflowID == "" {
		return repo.WorkflowRecord{}, fmt.Errorf("org id and workflow id are required")
	}
	if version < 1 {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow version must be >= 1")
	}
	row := s.db.QueryRowContext(ctx, selectWorkflowQuery, orgID, workflowID, version)
	record, err := scanWorkflow(row)
	if err != nil {
		return repo.WorkflowRecord{}, handleNotFound(err)
	}
	return record, nil
}

func (s *WorkflowStore) GetLatest(ctx context.Context, orgID, workflowID string) (repo.WorkflowRecord, error) {
	if s == nil || s.db == nil {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow store not initialized")
	}
	orgID = strings.TrimSpace(orgID)
	workflowID = strings.TrimSpace(workflowID)
	if orgID == "" || workflowID == "" {
		return repo.WorkflowRecord{}, fmt.Errorf("org id and workflow id are required")
	}
	row := s.db.QueryRowContext(ctx, selectLatestWorkflowQuery, orgID, workflowID)
	record, err := scanWorkflow(row)
	if err != nil {
		return repo.WorkflowRecord{}, handleNotFound(err)
	}
	return record, nil
}

type workflowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(scanner workflowScanner) (repo.WorkflowRecord, error) {
	var record repo.WorkflowRecord
	if err := scanner.Scan(
		&record.ID,
		&record.OrgID,
		&record.Version,
		&record.Definition,
		&record.CreatedAt,
	); err != nil {
		return repo.WorkflowRecord{}, err
	}
	return record, nil
}
