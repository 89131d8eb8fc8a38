package executor

import (
	"context"
	"sync"

	"github.com/itstheanurag/judgebox/internal/pool"
)

// tracker records the handles acquired during one invocation so that none
// outlives it, whatever path a run took.
type tracker struct {
	mu      sync.Mutex
	handles map[*pool.Handle]struct{}
}

func newTracker() *tracker {
	return &tracker{handles: make(map[*pool.Handle]struct{})}
}

func (t *tracker) add(h *pool.Handle) {
	t.mu.Lock()
	t.handles[h] = struct{}{}
	t.mu.Unlock()
}

func (t *tracker) done(h *pool.Handle) {
	t.mu.Lock()
	delete(t.handles, h)
	t.mu.Unlock()
}

// releaseAll releases whatever is still outstanding and returns how many
// handles that was.
func (t *tracker) releaseAll(ctx context.Context, m *pool.Manager) int {
	t.mu.Lock()
	left := make([]*pool.Handle, 0, len(t.handles))
	for h := range t.handles {
		left = append(left, h)
	}
	t.handles = make(map[*pool.Handle]struct{})
	t.mu.Unlock()

	for _, h := range left {
		m.Release(ctx, h)
	}
	return len(left)
}
