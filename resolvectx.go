package dagrun

import "sync"

// resolveState threads cycle-detection and invalidation-loop-detection
// state through a single call stack of nested Resolve calls. It is
// never stored on the Scope itself — only passed by parameter — so
// that concurrent goroutines resolving unrelated atoms never share
// mutable state and never falsely detect a cycle across goroutines.
type resolveState struct {
	path      []AnyAtom
	visiting  map[AnyAtom]bool
	invalidating []AnyAtom
	invalidatingSet map[AnyAtom]bool
}

func newResolveState() *resolveState {
	return &resolveState{visiting: make(map[AnyAtom]bool)}
}

func (rs *resolveState) push(a AnyAtom) (*CycleError, *resolveState) {
	if rs.visiting[a] {
		names := make([]string, 0, len(rs.path)+1)
		for _, p := range rs.path {
			names = append(names, atomDisplayName(p))
		}
		names = append(names, atomDisplayName(a))
		return &CycleError{Path: names}, rs
	}
	next := &resolveState{
		path:     append(append([]AnyAtom{}, rs.path...), a),
		visiting: make(map[AnyAtom]bool, len(rs.visiting)+1),
	}
	for k := range rs.visiting {
		next.visiting[k] = true
	}
	next.visiting[a] = true
	return nil, next
}

func (rs *resolveState) pushInvalidation(a AnyAtom) (*InvalidationLoopError, *resolveState) {
	if rs.invalidatingSet != nil && rs.invalidatingSet[a] {
		names := make([]string, 0, len(rs.invalidating)+1)
		for _, p := range rs.invalidating {
			names = append(names, atomDisplayName(p))
		}
		names = append(names, atomDisplayName(a))
		return &InvalidationLoopError{Path: names}, rs
	}
	next := &resolveState{
		path:            rs.path,
		visiting:        rs.visiting,
		invalidating:    append(append([]AnyAtom{}, rs.invalidating...), a),
		invalidatingSet: make(map[AnyAtom]bool, len(rs.invalidatingSet)+1),
	}
	for k := range rs.invalidatingSet {
		next.invalidatingSet[k] = true
	}
	next.invalidatingSet[a] = true
	return nil, next
}

// ResolveCtx is handed to an atom factory. It exposes the atom's own
// static tags (falling back to the scope's global tag store), a
// handle back to the scope for nested resolution of lazy/controller
// dependencies, cleanup registration (spec's `ctx.cleanup`), deferred
// self-invalidation (`ctx.invalidate`), and a data map private to this
// one factory invocation (spec's `ctx.data`).
type ResolveCtx struct {
	scope *Scope
	atom  AnyAtom
	rs    *resolveState
	st    *atomState

	mu             sync.Mutex
	data           map[any]any
	selfInvalidate bool
}

// Scope returns the owning scope, for advanced use (e.g. constructing
// a sub-controller manually).
func (rc *ResolveCtx) Scope() *Scope { return rc.scope }

// Cleanup registers fn to run, LIFO alongside any other cleanups
// registered by this same factory invocation, immediately before the
// atom's next re-resolution (Invalidate/Set/Update) and once more on
// final release (GC grace expiry or scope Dispose).
func (rc *ResolveCtx) Cleanup(fn func() error) {
	if rc.st == nil {
		return
	}
	rc.st.lock()
	rc.st.cleanups = append(rc.st.cleanups, fn)
	rc.st.unlock()
}

// Invalidate requests that this atom be invalidated as soon as the
// factory currently running returns, per spec §4.4: "a self-invalidate
// from within the factory is deferred until the factory returns, then
// processed." Calling it mid-factory must not reset the atom's state
// out from under its own still-running resolution, so it only flips a
// flag here — Scope.doResolve checks it after the factory's return
// value has already been stored, then clears the atom back to
// unresolved and cascades to reactive dependents exactly like an
// external Controller.Invalidate call.
func (rc *ResolveCtx) Invalidate() {
	rc.mu.Lock()
	rc.selfInvalidate = true
	rc.mu.Unlock()
}

func (rc *ResolveCtx) wantsSelfInvalidate() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.selfInvalidate
}

// --- data: a map private to this one factory invocation, never
// shared across re-resolutions or with any other atom. ---

// Get returns the raw value stored under key for this invocation.
func (rc *ResolveCtx) Get(key any) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.data[key]
	return v, ok
}

// Set installs a raw value under key for this invocation.
func (rc *ResolveCtx) Set(key, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.data == nil {
		rc.data = make(map[any]any)
	}
	rc.data[key] = value
}

// Has reports whether key is set for this invocation.
func (rc *ResolveCtx) Has(key any) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	_, ok := rc.data[key]
	return ok
}

// Delete removes key from this invocation's data map.
func (rc *ResolveCtx) Delete(key any) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, ok := rc.data[key]; !ok {
		return false
	}
	delete(rc.data, key)
	return true
}

// GetOrSet returns the existing raw value for key, or installs and
// returns fallback.
func (rc *ResolveCtx) GetOrSet(key any, fallback any) any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if v, ok := rc.data[key]; ok {
		return v
	}
	if rc.data == nil {
		rc.data = make(map[any]any)
	}
	rc.data[key] = fallback
	return fallback
}

// findTagRaw implements taggedContainer: checks the resolving atom's
// own static tags first, then falls back to the scope's tag store.
func (rc *ResolveCtx) findTagRaw(id *tagIdentity) (any, bool) {
	if rc.atom != nil {
		if v, ok := rc.atom.atomTags().findTagRaw(id); ok {
			return v, true
		}
	}
	return rc.scope.findTagRaw(id)
}

func (rc *ResolveCtx) setTagRaw(id *tagIdentity, label string, value any) {
	rc.scope.setTagRaw(id, label, value)
}

func (rc *ResolveCtx) deleteTagRaw(id *tagIdentity) bool {
	return rc.scope.deleteTagRaw(id)
}
