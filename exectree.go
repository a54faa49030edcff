package dagrun

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// executionRecord is a finalized snapshot of one Exec call, retained
// in the scope's execution tree for observability tooling (the
// graph-debug extension renders this on resolve errors and flow
// panics). Grounded on the teacher's ExecutionTree in flow.go.
type executionRecord struct {
	id       uuid.UUID
	parentID uuid.UUID
	name     string
	start    time.Time
	end      time.Time
	err      error
}

// executionTree is a bounded, in-memory record of recent root
// executions and their nested children, evicting the oldest root
// subtree once capacity is exceeded (the teacher's ring-buffer-like
// eviction policy, adapted to dagrun's ExecutionContext tree).
type executionTree struct {
	mu       sync.Mutex
	capacity int
	roots    []uuid.UUID
	byID     map[uuid.UUID]*executionRecord
	children map[uuid.UUID][]uuid.UUID
}

func newExecutionTree(capacity int) *executionTree {
	if capacity <= 0 {
		capacity = 256
	}
	return &executionTree{
		capacity: capacity,
		byID:     make(map[uuid.UUID]*executionRecord),
		children: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (t *executionTree) begin(parentID uuid.UUID, rec *executionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec.parentID = parentID
	t.byID[rec.id] = rec
	if _, isChild := t.byID[parentID]; isChild {
		t.children[parentID] = append(t.children[parentID], rec.id)
		return
	}
	t.roots = append(t.roots, rec.id)
	if len(t.roots) > t.capacity {
		oldest := t.roots[0]
		t.roots = t.roots[1:]
		t.evict(oldest)
	}
}

func (t *executionTree) finish(rec *executionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byID[rec.id]; ok {
		existing.end = rec.end
		existing.err = rec.err
	}
}

func (t *executionTree) evict(id uuid.UUID) {
	for _, child := range t.children[id] {
		t.evict(child)
	}
	delete(t.children, id)
	delete(t.byID, id)
}

// snapshot returns every retained record, used by extensions that
// render the execution tree (e.g. the graph-debug extension).
func (t *executionTree) snapshot() []executionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]executionRecord, 0, len(t.byID))
	for _, rec := range t.byID {
		out = append(out, *rec)
	}
	return out
}
