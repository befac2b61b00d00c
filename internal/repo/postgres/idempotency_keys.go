package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/repo"
)

type IdempotencyStore struct {
	db DB
}

const (
	insertIdempotencyQuery = `INSERT INTO idempotency_keys (
		org_id,
		idempotency_key,
		endpoint,
		status,
		request_hash,
		response_status,
		response_body,
		created_at,
		expires_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (org_id, idempotency_key, endpoint) DO NOTHING
	RETURNING org_id, idempotency_key, endpoint, status, request_hash, response_status, response_body, created_at, expires_at`

	selectIdempotencyQuery = `SELECT org_id, idempotency_key, endpoint, status, request_hash, response_status, response_body, created_at, expires_at
	 FROM idempotency_keys
	 WHERE org_id = $1 AND idempotency_key = $2 AND endpoint = $3`
)

func NewIdempotencyStore(db DB) *IdempotencyStore {
	if db == nil {
		return nil
	}
	return &IdempotencyStore{db: db}
}

// InsertProcessing relies on the primary key to arbitrate concurrent
// submissions with the same key: the loser of the race gets the winner's
// row back with inserted=false.
func (s *IdempotencyStore) InsertProcessing(ctx context.Context, record repo.IdempotencyRecord) (repo.IdempotencyRecord, bool, error) {
	if s == nil || s.db == nil {
		return repo.IdempotencyRecord{}, false, fmt.Errorf("idempotency store not initialized")
	}
	orgID := strings.TrimSpace(record.OrgID)
	key := strings.TrimSpace(record.Key)
	endpoint := strings.TrimSpace(record.Endpoint)
	if orgID == "" || key == "" || endpoint == "" {
		return repo.IdempotencyRecord{}, false, fmt.Errorf("org id, key and endpoint are required")
	}
	if strings.TrimSpace(record.RequestHash) == "" {
		return repo.IdempotencyRecord{}, false, fmt.Errorf("request hash is required")
	}

	createdAt := normalizeTime(record.CreatedAt)
	expiresAt := record.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = createdAt.Add(24 * time.Hour)
	}

	row := s.db.QueryRowContext(
		ctx,
		insertIdempotencyQuery,
		orgID,
		key,
		endpoint,
		"PROCESSING",
		record.RequestHash,
		0,
		[]byte(nil),
		createdAt,
		expiresAt.UTC(),
	)
	inserted, err := scanIdempotency(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return repo.IdempotencyRecord{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		existing, err := s.Get(ctx, orgID, key, endpoint)
		if err != nil {
			return repo.IdempotencyRecord{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *IdempotencyStore) Get(ctx context.Context, orgID, key, endpoint string) (repo.IdempotencyRecord, error) {
	if s == nil || s.db == nil {
		return repo.IdempotencyRecord{}, fmt.Errorf("idempotency store not initialized")
	}
	orgID = strings.TrimSpace(orgID)
	key = strings.TrimSpace(key)
	endpoint = strings.TrimSpace(endpoint)
	if orgID == "" || key == "" || endpoint == "" {
		return repo.IdempotencyRecord{}, fmt.Errorf("org id, key and endpoint are required")
	}
	row := s.db.QueryRowContext(ctx, selectIdempotencyQuery, orgID, key, endpoint)
	record, err := scanIdempotency(row)
	if err != nil {
		return repo.IdempotencyRecord{}, handleNotFound(err)
	}
	return record, nil
}

func (s *IdempotencyStore) MarkCompleted(ctx context.Context, orgID, key, endpoint string, responseStatus int, responseBody []byte) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("idempotency store not initialized")
	}
	if responseStatus < 100 || responseStatus > 599 {
		return fmt.Errorf("response status %d out of range", responseStatus)
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE idempotency_keys
		 SET status = 'COMPLETED', response_status = $1, response_body = $2
		 WHERE org_id = $3 AND idempotency_key = $4 AND endpoint = $5 AND status = 'PROCESSING'`,
		responseStatus,
		responseBody,
		strings.TrimSpace(orgID),
		strings.TrimSpace(key),
		strings.TrimSpace(endpoint),
	)
	if err != nil {
		return fmt.Errorf("mark idempotency key completed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark idempotency key completed: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *IdempotencyStore) Delete(ctx context.Context, orgID, key, endpoint string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("idempotency store not initialized")
	}
	_, err := s.db.ExecContext(
		ctx,
		`DELETE FROM idempotency_keys WHERE org_id = $1 AND idempotency_key = $2 AND endpoint = $3`,
		strings.TrimSpace(orgID),
		strings.TrimSpace(key),
		strings.TrimSpace(endpoint),
	)
	if err != nil {
		return fmt.Errorf("delete idempotency key: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("idempotency store not initialized")
	}
	result, err := s.db.ExecContext(
		ctx,
		`DELETE FROM idempotency_keys WHERE expires_at < $1`,
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return deleted, nil
}

type idempotencyScanner interface {
	Scan(dest ...any) error
}

func scanIdempotency(scanner idempotencyScanner) (repo.IdempotencyRecord, error) {
	var record repo.IdempotencyRecord
	var responseBody []byte
	if err := scanner.Scan(
		&record.OrgID,
		&record.Key,
		&record.Endpoint,
		&record.Status,
		&record.RequestHash,
		&record.ResponseStatus,
		&responseBody,
		&record.CreatedAt,
		&record.ExpiresAt,
	); err != nil {
		return repo.IdempotencyRecord{}, err
	}
	record.ResponseBody = responseBody
	return record, nil
}
