package dagrun

import (
	"time"

	"github.com/google/uuid"
)

// AtomName returns a's diagnostic name, for tooling built outside this
// package (e.g. the graph-debug extension) that only holds an AnyAtom.
func AtomName(a AnyAtom) string { return atomDisplayName(a) }

// ExportReactiveGraph returns a snapshot of the scope's reactive
// (downstream) dependency edges: atom -> atoms that reactively depend
// on it. Intended for diagnostic rendering, not for driving logic.
func (s *Scope) ExportReactiveGraph() map[AnyAtom][]AnyAtom {
	s.graph.mu.RLock()
	defer s.graph.mu.RUnlock()
	out := make(map[AnyAtom][]AnyAtom, len(s.graph.downstream))
	for k, v := range s.graph.downstream {
		out[k] = append([]AnyAtom{}, v...)
	}
	return out
}

// ExecutionRecord is an exported snapshot of one retained Exec call,
// returned by Scope.ExecutionSnapshot for observability tooling.
type ExecutionRecord struct {
	ID       uuid.UUID
	ParentID uuid.UUID
	Name     string
	Err      error
	Start    time.Time
	End      time.Time
}

// Duration reports how long the recorded execution ran. It is zero for
// a record whose End hasn't been stamped yet (still in flight when the
// snapshot was taken).
func (r ExecutionRecord) Duration() time.Duration {
	if r.End.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// ExecutionSnapshot returns every execution record the scope's bounded
// execution tree currently retains.
func (s *Scope) ExecutionSnapshot() []ExecutionRecord {
	raw := s.execTree.snapshot()
	out := make([]ExecutionRecord, len(raw))
	for i, r := range raw {
		out[i] = ExecutionRecord{
			ID:       r.id,
			ParentID: r.parentID,
			Name:     r.name,
			Err:      r.err,
			Start:    r.start,
			End:      r.end,
		}
	}
	return out
}

// AtomStaticDependencyNames returns the display names of a's direct
// atom dependencies (Static/Reactive/Lazy entries), flattening any
// DeriveSlice/DeriveMap grouping and skipping tag-chain dependencies
// (Required/Optional/All), which have no atom identity of their own.
// AsController entries are not listed. Intended for diagnostic
// rendering.
func AtomStaticDependencyNames(a AnyAtom) []string {
	var out []string
	var walk func([]Dependency)
	walk = func(deps []Dependency) {
		for _, dep := range deps {
			switch d := dep.(type) {
			case atomDependency:
				out = append(out, atomDisplayName(d.atom))
			case sliceDependency:
				walk(d.entries)
			case mapDependency:
				for _, entry := range d.entries {
					walk([]Dependency{entry})
				}
			}
		}
	}
	walk(a.dependencies())
	return out
}

// PoolStats reports the dependency-slice pool's hit/miss counters,
// surfaced for diagnostics extensions.
func (s *Scope) PoolStats() (hits, misses uint64) {
	return s.depPool.snapshot()
}

type flowNameKey struct{}

// FlowNameOf returns the name recorded for ec at spawn time: the
// flow's name for ExecFlow, or "func" for ExecFunc.
func FlowNameOf(ec *ExecutionContext) (string, bool) {
	v, ok := ec.Get(flowNameKey{})
	if !ok {
		return "", false
	}
	return v.(string), true
}
