package dagrun

import "sync"

// depSlicePool reuses the []any buffers used to hold resolved
// dependency values during atom/flow invocation, avoiding a fresh
// allocation on every resolution. Grounded on the teacher's
// pool_manager.go PoolManager, narrowed to the one allocation that is
// actually on dagrun's hot path (every atom and flow invocation builds
// one of these slices) instead of pooling every struct in the runtime.
type depSlicePool struct {
	pool    sync.Pool
	metrics poolMetrics
}

// poolMetrics tracks pool effectiveness, surfaced through
// Scope.PoolStats.
type poolMetrics struct {
	mu     sync.Mutex
	hits   uint64
	misses uint64
}

func newDepSlicePool() *depSlicePool {
	return &depSlicePool{
		pool: sync.Pool{
			New: func() any {
				s := make([]any, 0, 8)
				return &s
			},
		},
	}
}

// acquire returns a zero-length []any with at least n capacity.
func (p *depSlicePool) acquire(n int) []any {
	ptr := p.pool.Get().(*[]any)
	slice := (*ptr)[:0]
	p.metrics.mu.Lock()
	if cap(slice) >= n {
		p.metrics.hits++
	} else {
		p.metrics.misses++
	}
	p.metrics.mu.Unlock()
	if cap(slice) < n {
		slice = make([]any, 0, n)
	}
	return slice
}

// release returns slice to the pool. Callers must not use slice (or
// any value stored in it past the struct's lifetime) afterward.
func (p *depSlicePool) release(slice []any) {
	cleared := slice[:0]
	p.pool.Put(&cleared)
}

func (p *depSlicePool) snapshot() (hits, misses uint64) {
	p.metrics.mu.Lock()
	defer p.metrics.mu.Unlock()
	return p.metrics.hits, p.metrics.misses
}
