package dispatch

import (
	"context"
	"sync"
)

type afterCommitKey struct{}

// AfterCommit collects dispatch work deferred until the caller's database
// transaction commits. Without it a queued worker could pick up a task
// before the run row is visible.
type AfterCommit struct {
	mu  sync.Mutex
	fns []func(context.Context)
}

// WithAfterCommit binds a fresh hook registry to the context. Dispatchers
// that see it defer their enqueue; the caller flushes after commit.
func WithAfterCommit(ctx context.Context) (context.Context, *AfterCommit) {
	hook := &AfterCommit{}
	return context.WithValue(ctx, afterCommitKey{}, hook), hook
}

func afterCommitFrom(ctx context.Context) *AfterCommit {
	hook, _ := ctx.Value(afterCommitKey{}).(*AfterCommit)
	return hook
}

func (h *AfterCommit) add(fn func(context.Context)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns = append(h.fns, fn)
}

// Flush runs the deferred work. Call exactly once, after commit; on rollback
// simply drop the hook.
func (h *AfterCommit) Flush(ctx context.Context) {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ctx)
	}
}
