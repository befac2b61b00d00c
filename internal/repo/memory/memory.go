// Package memory provides map-backed repositories for the test deployment
// target and package tests. Semantics match the postgres stores, including
// conditional status transitions and insert-or-fetch races.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/repo"
)

type RunStore struct {
	mu   sync.Mutex
	runs map[string]repo.RunRecord
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]repo.RunRecord)}
}

func (s *RunStore) Insert(_ context.Context, record repo.RunRecord) (repo.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if strings.TrimSpace(record.Status) == "" {
		record.Status = string(domain.RunStatusPending)
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	if len(record.Summary) == 0 {
		record.Summary = json.RawMessage("{}")
	}
	if _, ok := s.runs[record.ID]; ok {
		return repo.RunRecord{}, fmt.Errorf("run %s already exists", record.ID)
	}
	s.runs[record.ID] = record
	return record, nil
}

func (s *RunStore) Get(_ context.Context, orgID, runID string) (repo.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.runs[runID]
	if !ok || record.OrgID != orgID {
		return repo.RunRecord{}, repo.ErrNotFound
	}
	return record, nil
}

func (s *RunStore) UpdateStatus(_ context.Context, runID string, from []domain.RunStatus, to domain.RunStatus, errMsg string, endedAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.runs[runID]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range from {
		if record.Status == string(st) {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	record.Status = string(to)
	if errMsg != "" {
		record.Error = errMsg
	}
	if endedAt != nil {
		t := endedAt.UTC()
		record.EndedAt = &t
	}
	s.runs[runID] = record
	return true, nil
}

func (s *RunStore) ListRunningBefore(_ context.Context, startedBefore time.Time, limit int) ([]repo.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var records []repo.RunRecord
	for _, record := range s.runs {
		if record.Status == string(domain.RunStatusRunning) && record.StartedAt.Before(startedBefore) {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].StartedAt.Before(records[j].StartedAt) })
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *RunStore) UpdateSummary(_ context.Context, runID string, summary json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.runs[runID]
	if !ok {
		return repo.ErrNotFound
	}
	record.Summary = summary
	s.runs[runID] = record
	return nil
}

type stepKey struct {
	runID  string
	stepID string
}

type StepRunStore struct {
	mu    sync.Mutex
	steps map[stepKey]repo.StepRunRecord
}

func NewStepRunStore() *StepRunStore {
	return &StepRunStore{steps: make(map[stepKey]repo.StepRunRecord)}
}

func (s *StepRunStore) Insert(_ context.Context, record repo.StepRunRecord) (repo.StepRunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stepKey{runID: record.RunID, stepID: record.StepID}
	if existing, ok := s.steps[key]; ok {
		return existing, false, nil
	}
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if strings.TrimSpace(record.Status) == "" {
		record.Status = string(domain.StepStatusPending)
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	if len(record.Output) == 0 {
		record.Output = json.RawMessage("{}")
	}
	s.steps[key] = record
	return record, true, nil
}

func (s *StepRunStore) Get(_ context.Context, runID, stepID string) (repo.StepRunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.steps[stepKey{runID: runID, stepID: stepID}]
	if !ok {
		return repo.StepRunRecord{}, repo.ErrNotFound
	}
	return record, nil
}

func (s *StepRunStore) ListByRun(_ context.Context, runID string) ([]repo.StepRunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]repo.StepRunRecord, 0)
	for key, record := range s.steps {
		if key.runID == runID {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].StepOrder < records[j].StepOrder })
	return records, nil
}

func (s *StepRunStore) UpdateStatus(_ context.Context, runID, stepID string, from []domain.StepStatus, to domain.StepStatus, output json.RawMessage, endedAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stepKey{runID: runID, stepID: stepID}
	record, ok := s.steps[key]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range from {
		if record.Status == string(st) {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	record.Status = string(to)
	if len(output) > 0 {
		record.Output = output
	}
	if endedAt != nil {
		t := endedAt.UTC()
		record.EndedAt = &t
	}
	s.steps[key] = record
	return true, nil
}

func (s *StepRunStore) SetExecutionID(_ context.Context, runID, stepID, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stepKey{runID: runID, stepID: stepID}
	record, ok := s.steps[key]
	if !ok {
		return repo.ErrNotFound
	}
	record.ExecutionID = executionID
	s.steps[key] = record
	return nil
}

type workflowKey struct {
	orgID      string
	workflowID string
	version    int
}

type WorkflowStore struct {
	mu        sync.Mutex
	workflows map[workflowKey]repo.WorkflowRecord
}

func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{workflows: make(map[workflowKey]repo.WorkflowRecord)}
}

func (s *WorkflowStore) Insert(_ context.Context, record repo.WorkflowRecord) (repo.WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := workflowKey{orgID: record.OrgID, workflowID: record.ID, version: record.Version}
	if _, ok := s.workflows[key]; ok {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow %s version %d already exists", record.ID, record.Version)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.workflows[key] = record
	return record, nil
}

func (s *WorkflowStore) Get(_ context.Context, orgID, workflowID string, version int) (repo.WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.workflows[workflowKey{orgID: orgID, workflowID: workflowID, version: version}]
	if !ok {
		return repo.WorkflowRecord{}, repo.ErrNotFound
	}
	return record, nil
}

func (s *WorkflowStore) GetLatest(_ context.Context, orgID, workflowID string) (repo.WorkflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest repo.WorkflowRecord
	found := false
	for key, record := range s.workflows {
		if key.orgID != orgID || key.workflowID != workflowID {
			continue
		}
		if !found || record.Version > latest.Version {
			latest = record
			found = true
		}
	}
	if !found {
		return repo.WorkflowRecord{}, repo.ErrNotFound
	}
	return latest, nil
}

type idemKey struct {
	orgID    string
	key      string
	endpoint string
}

type IdempotencyStore struct {
	mu   sync.Mutex
	keys map[idemKey]repo.IdempotencyRecord
}

func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{keys: make(map[idemKey]repo.IdempotencyRecord)}
}

func (s *IdempotencyStore) InsertProcessing(_ context.Context, record repo.IdempotencyRecord) (repo.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := idemKey{orgID: record.OrgID, key: record.Key, endpoint: record.Endpoint}
	if existing, ok := s.keys[key]; ok {
		return existing, false, nil
	}
	record.Status = "PROCESSING"
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = record.CreatedAt.Add(24 * time.Hour)
	}
	s.keys[key] = record
	return record, true, nil
}

func (s *IdempotencyStore) Get(_ context.Context, orgID, key, endpoint string) (repo.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.keys[idemKey{orgID: orgID, key: key, endpoint: endpoint}]
	if !ok {
		return repo.IdempotencyRecord{}, repo.ErrNotFound
	}
	return record, nil
}

func (s *IdempotencyStore) MarkCompleted(_ context.Context, orgID, key, endpoint string, responseStatus int, responseBody []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{orgID: orgID, key: key, endpoint: endpoint}
	record, ok := s.keys[k]
	if !ok || record.Status != "PROCESSING" {
		return repo.ErrNotFound
	}
	record.Status = "COMPLETED"
	record.ResponseStatus = responseStatus
	record.ResponseBody = responseBody
	s.keys[k] = record
	return nil
}

func (s *IdempotencyStore) Delete(_ context.Context, orgID, key, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, idemKey{orgID: orgID, key: key, endpoint: endpoint})
	return nil
}

func (s *IdempotencyStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for key, record := range s.keys {
		if record.ExpiresAt.Before(now) {
			delete(s.keys, key)
			deleted++
		}
	}
	return deleted, nil
}
