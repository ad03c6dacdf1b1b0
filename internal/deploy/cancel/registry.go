// Package cancel holds the in-memory deployment cancellation-token
// registry: the single cross-component handle the manager uses to deliver
// kill(id) to whichever queue currently owns a deployment.
package cancel

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Registry maps a deployment id to the context.CancelFunc that, when
// called, fires that deployment's cooperative cancellation token. Critical
// sections are bounded to insert/remove/signal, per the concurrency model.
type Registry struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]context.CancelFunc
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tokens: make(map[uuid.UUID]context.CancelFunc)}
}

// Track derives a cancellable context from parent and records its cancel
// func against id. The returned context is what pipeline workers should run
// under for that deployment.
func (r *Registry) Track(parent context.Context, id uuid.UUID) context.Context {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.tokens[id] = cancel
	r.mu.Unlock()
	return ctx
}

// Kill fires the cancellation token for id, if one is tracked. It is
// idempotent: a second call after the first (or after the deployment has
// already been untracked) is a silent no-op, matching spec.md's "a doubly-
// killed deployment observes the second kill as a no-op."
func (r *Registry) Kill(id uuid.UUID) {
	r.mu.Lock()
	cancel, ok := r.tokens[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Untrack removes id from the registry once its deployment has reached a
// terminal state. Safe to call even if id was never tracked.
func (r *Registry) Untrack(id uuid.UUID) {
	r.mu.Lock()
	delete(r.tokens, id)
	r.mu.Unlock()
}

// Len reports how many deployments are currently tracked. The
// reconciliation sweep writes it as a field of its debug log line.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// Tracked reports whether id currently has a live cancellation token, i.e.
// whether some worker in this process is actively driving that deployment
// through the pipeline right now. The reconciliation sweep uses this to
// tell an orphaned row (left behind by a prior process, or by a crash that
// skipped Untrack) apart from one a live worker still owns.
func (r *Registry) Tracked(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tokens[id]
	return ok
}
