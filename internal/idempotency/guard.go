// Package idempotency arbitrates duplicate submissions keyed by an
// Idempotency-Key header. The database unique constraint is the arbiter for
// concurrent first requests; everything here builds on insert-or-fetch.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/repo"
)

const (
	// HeaderReplayed marks responses served from a stored idempotency record.
	HeaderReplayed = "Idempotent-Replayed"

	// DefaultTTL is how long a completed record remains replayable.
	DefaultTTL = 24 * time.Hour

	statusProcessing = "PROCESSING"
	statusCompleted  = "COMPLETED"
)

var (
	// ErrInFlight reports a concurrent request with the same key that has not
	// completed yet. Maps to 409.
	ErrInFlight = errors.New("request with this idempotency key is in flight")

	// ErrKeyConflict reports key reuse with a different request body. Maps
	// to 422.
	ErrKeyConflict = errors.New("idempotency key reused with a different request")
)

// Response is the serialized outcome a guard replays for duplicate requests.
type Response struct {
	Status   int
	Body     []byte
	Replayed bool
}

// Handler produces the first-request response. Returning an error releases
// the key so the client can retry.
type Handler func(ctx context.Context) (int, []byte, error)

type Guard struct {
	store repo.IdempotencyRepository
	ttl   time.Duration
	log   *slog.Logger
}

func NewGuard(store repo.IdempotencyRepository, ttl time.Duration, log *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{store: store, ttl: ttl, log: log}
}

// RequestHash canonicalizes a request body for key-reuse detection.
func RequestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Execute runs handler at most once per (org, key, endpoint). Duplicates with
// the same request hash replay the stored response; duplicates with a
// different hash fail with ErrKeyConflict; duplicates racing the first
// request fail with ErrInFlight.
func (g *Guard) Execute(ctx context.Context, orgID, key, endpoint, requestHash string, handler Handler) (Response, error) {
	if g == nil || g.store == nil {
		return Response{}, fmt.Errorf("idempotency guard not initialized")
	}
	orgID = strings.TrimSpace(orgID)
	key = strings.TrimSpace(key)
	endpoint = strings.TrimSpace(endpoint)
	if orgID == "" || key == "" || endpoint == "" {
		return Response{}, fmt.Errorf("org id, idempotency key and endpoint are required")
	}

	now := time.Now().UTC()
	reservation := repo.IdempotencyRecord{
		OrgID:       orgID,
		Key:         key,
		Endpoint:    endpoint,
		RequestHash: requestHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}
	record, inserted, err := g.store.InsertProcessing(ctx, reservation)
	if err != nil {
		return Response{}, fmt.Errorf("reserve idempotency key: %w", err)
	}

	if !inserted && record.ExpiresAt.Before(now) {
		// A stale row the sweeper has not collected yet must not replay its
		// response or block a retry. Evict it and reserve the key fresh; a
		// concurrent request may win the re-insert, in which case the normal
		// duplicate handling below applies to its record.
		if delErr := g.store.Delete(ctx, orgID, key, endpoint); delErr != nil {
			return Response{}, fmt.Errorf("evict expired idempotency key: %w", delErr)
		}
		record, inserted, err = g.store.InsertProcessing(ctx, reservation)
		if err != nil {
			return Response{}, fmt.Errorf("reserve idempotency key: %w", err)
		}
	}

	if !inserted {
		if record.RequestHash != requestHash {
			return Response{}, ErrKeyConflict
		}
		switch record.Status {
		case statusCompleted:
			return Response{Status: record.ResponseStatus, Body: record.ResponseBody, Replayed: true}, nil
		case statusProcessing:
			return Response{}, ErrInFlight
		default:
			return Response{}, fmt.Errorf("idempotency record in unexpected status %q", record.Status)
		}
	}

	status, body, err := handler(ctx)
	if err != nil {
		if delErr := g.store.Delete(ctx, orgID, key, endpoint); delErr != nil {
			g.log.Error("idempotency key release failed", "org_id", orgID, "key", key, "error", delErr)
		}
		return Response{}, err
	}

	if err := g.store.MarkCompleted(ctx, orgID, key, endpoint, status, body); err != nil {
		// The response was produced; losing the record only costs replay.
		g.log.Error("idempotency key completion failed", "org_id", orgID, "key", key, "error", err)
	}
	return Response{Status: status, Body: body}, nil
}

// Sweeper deletes expired idempotency records on an interval.
type Sweeper struct {
	store    repo.IdempotencyRepository
	interval time.Duration
	log      *slog.Logger
}

func NewSweeper(store repo.IdempotencyRepository, interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{store: store, interval: interval, log: log}
}

// Run blocks until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.store.DeleteExpired(ctx, time.Now().UTC())
			if err != nil {
				s.log.Error("idempotency sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				s.log.Info("idempotency sweep", "deleted", deleted)
			}
		}
	}
}
