package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriflow-labs/veriflow-go/internal/repo"
	"github.com/veriflow-labs/veriflow-go/internal/repo/memory"
)

func TestExecuteFirstRequest(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyStore(), 0, nil)

	calls := 0
	resp, err := guard.Execute(context.Background(), "org-1", "key-1", "POST /validation-runs", RequestHash([]byte(`{"a":1}`)), func(context.Context) (int, []byte, error) {
		calls++
		return 201, []byte(`{"runId":"r-1"}`), nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 201, resp.Status)
	require.False(t, resp.Replayed)
}

func TestExecuteReplaysCompleted(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyStore(), 0, nil)
	hash := RequestHash([]byte(`{"a":1}`))

	_, err := guard.Execute(context.Background(), "org-1", "key-1", "POST /validation-runs", hash, func(context.Context) (int, []byte, error) {
		return 201, []byte(`{"runId":"r-1"}`), nil
	})
	require.NoError(t, err)

	resp, err := guard.Execute(context.Background(), "org-1", "key-1", "POST /validation-runs", hash, func(context.Context) (int, []byte, error) {
		t.Fatalf("handler must not run for a replay")
		return 0, nil, nil
	})
	require.NoError(t, err)
	require.True(t, resp.Replayed)
	require.Equal(t, 201, resp.Status)
	require.JSONEq(t, `{"runId":"r-1"}`, string(resp.Body))
}

func TestExecuteRejectsHashMismatch(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyStore(), 0, nil)

	_, err := guard.Execute(context.Background(), "org-1", "key-1", "POST /validation-runs", RequestHash([]byte(`{"a":1}`)), func(context.Context) (int, []byte, error) {
		return 201, []byte(`{}`), nil
	})
	require.NoError(t, err)

	_, err = guard.Execute(context.Background(), "org-1", "key-1", "POST /validation-runs", RequestHash([]byte(`{"a":2}`)), func(context.Context) (int, []byte, error) {
		return 201, []byte(`{}`), nil
	})
	require.ErrorIs(t, err, ErrKeyConflict)
}

func TestExecuteReportsInFlight(t *testing.T) {
	store := memory.NewIdempotencyStore()
	guard := NewGuard(store, 0, nil)
	hash := RequestHash([]byte(`{"a":1}`))

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := guard.Execute(context.Background(), "org-1", "key-1", "ep", hash, func(context.Context) (int, []byte, error) {
			close(started)
			<-release
			return 201, []byte(`{}`), nil
		})
		done <- err
	}()
	<-started

	_, err := guard.Execute(context.Background(), "org-1", "key-1", "ep", hash, func(context.Context) (int, []byte, error) {
		return 0, nil, nil
	})
	require.ErrorIs(t, err, ErrInFlight)

	close(release)
	require.NoError(t, <-done)
}

func TestExecuteReleasesKeyOnHandlerError(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyStore(), 0, nil)
	hash := RequestHash([]byte(`{"a":1}`))
	boom := errors.New("downstream unavailable")

	_, err := guard.Execute(context.Background(), "org-1", "key-1", "ep", hash, func(context.Context) (int, []byte, error) {
		return 0, nil, boom
	})
	require.ErrorIs(t, err, boom)

	resp, err := guard.Execute(context.Background(), "org-1", "key-1", "ep", hash, func(context.Context) (int, []byte, error) {
		return 202, []byte(`{}`), nil
	})
	require.NoError(t, err)
	require.Equal(t, 202, resp.Status)
	require.False(t, resp.Replayed)
}

func TestExecuteEvictsExpiredCompleted(t *testing.T) {
	store := memory.NewIdempotencyStore()
	guard := NewGuard(store, 0, nil)
	hash := RequestHash([]byte(`{"a":1}`))

	// A completed record past its TTL that the sweeper has not collected
	// yet. Its cached response must not be replayed.
	stale := time.Now().UTC().Add(-25 * time.Hour)
	_, inserted, err := store.InsertProcessing(context.Background(), repo.IdempotencyRecord{
		OrgID:       "org-1",
		Key:         "key-1",
		Endpoint:    "ep",
		RequestHash: hash,
		CreatedAt:   stale,
		ExpiresAt:   stale.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, store.MarkCompleted(context.Background(), "org-1", "key-1", "ep", 201, []byte(`{"runId":"r-old"}`)))

	calls := 0
	resp, err := guard.Execute(context.Background(), "org-1", "key-1", "ep", hash, func(context.Context) (int, []byte, error) {
		calls++
		return 201, []byte(`{"runId":"r-new"}`), nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.False(t, resp.Replayed)
	require.JSONEq(t, `{"runId":"r-new"}`, string(resp.Body))

	record, err := store.Get(context.Background(), "org-1", "key-1", "ep")
	require.NoError(t, err)
	require.True(t, record.ExpiresAt.After(time.Now().UTC()))
}

func TestExecuteEvictsExpiredProcessing(t *testing.T) {
	store := memory.NewIdempotencyStore()
	guard := NewGuard(store, 0, nil)
	hash := RequestHash([]byte(`{"a":1}`))

	// A processing record left behind by a crash, past its TTL. A retry
	// must be allowed through instead of reporting the key in flight.
	stale := time.Now().UTC().Add(-25 * time.Hour)
	_, inserted, err := store.InsertProcessing(context.Background(), repo.IdempotencyRecord{
		OrgID:       "org-1",
		Key:         "key-1",
		Endpoint:    "ep",
		RequestHash: hash,
		CreatedAt:   stale,
		ExpiresAt:   stale.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	resp, err := guard.Execute(context.Background(), "org-1", "key-1", "ep", hash, func(context.Context) (int, []byte, error) {
		return 202, []byte(`{}`), nil
	})
	require.NoError(t, err)
	require.Equal(t, 202, resp.Status)
	require.False(t, resp.Replayed)
}

func TestSweeperDeletesExpired(t *testing.T) {
	store := memory.NewIdempotencyStore()
	guard := NewGuard(store, time.Millisecond, nil)
	hash := RequestHash([]byte(`{}`))

	_, err := guard.Execute(context.Background(), "org-1", "key-1", "ep", hash, func(context.Context) (int, []byte, error) {
		return 200, []byte(`{}`), nil
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	deleted, err := store.DeleteExpired(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)
}
