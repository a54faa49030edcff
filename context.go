package dagrun

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ExecutionContext is a hierarchical execution node backing every
// Flow/func execution. It carries an isolated data map, a merged
// tag-snapshot seeded at creation, LIFO close callbacks, and an
// AbortSignal-equivalent derived from context.Context. Grounded on the
// teacher's ExecutionCtx in flow.go, restructured around a concrete
// parent/child tree instead of a single flat struct.
type ExecutionContext struct {
	id     uuid.UUID
	parent *ExecutionContext
	scope  *Scope

	goCtx  context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	data    map[any]any
	tagData map[*tagIdentity]any
	onClose []func() error
	closed  bool

	state atomic.Int32 // contextStateActive / contextStateClosed
}

const (
	contextStateActive int32 = iota
	contextStateClosed
)

// ContextOption configures a root ExecutionContext created via
// Scope.CreateContext.
type ContextOption func(*contextBuildConfig)

type contextBuildConfig struct {
	tags []taggedValue
}

// WithContextTags seeds the root context's tag snapshot.
func WithContextTags(tags ...taggedValue) ContextOption {
	return func(c *contextBuildConfig) { c.tags = append(c.tags, tags...) }
}

func newRootContext(s *Scope, opts ...ContextOption) *ExecutionContext {
	cfg := contextBuildConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	goCtx, cancel := context.WithCancelCause(context.Background())
	ec := &ExecutionContext{
		id:      uuid.New(),
		scope:   s,
		goCtx:   goCtx,
		cancel:  cancel,
		data:    make(map[any]any),
		tagData: make(map[*tagIdentity]any),
	}
	for _, tv := range cfg.tags {
		ec.tagData[tv.id] = tv.value
	}
	s.liveContexts.Add(1)
	return ec
}

// child builds a new ExecutionContext under ec, merging scope tags +
// ec's own tag snapshot + exec-supplied tags (later wins), and
// deriving its cancellation from ec's via context.WithCancelCause so
// parent cancellation cascades automatically.
func (ec *ExecutionContext) child(execTags []taggedValue) *ExecutionContext {
	goCtx, cancel := context.WithCancelCause(ec.goCtx)
	child := &ExecutionContext{
		id:      uuid.New(),
		parent:  ec,
		scope:   ec.scope,
		goCtx:   goCtx,
		cancel:  cancel,
		data:    make(map[any]any),
		tagData: make(map[*tagIdentity]any),
	}

	ec.scope.tagMu.RLock()
	for id, tv := range ec.scope.tags {
		child.tagData[id] = tv.value
	}
	ec.scope.tagMu.RUnlock()
	ec.mu.Lock()
	for id, v := range ec.tagData {
		child.tagData[id] = v
	}
	ec.mu.Unlock()
	for _, tv := range execTags {
		child.tagData[tv.id] = tv.value
	}

	ec.scope.liveContexts.Add(1)
	return child
}

// Context returns the Go context backing this execution node's
// AbortSignal-equivalent cancellation.
func (ec *ExecutionContext) Context() context.Context { return ec.goCtx }

// Err reports the cancellation cause, the Go-idiomatic equivalent of
// spec's ThrowIfAborted.
func (ec *ExecutionContext) Err() error {
	return context.Cause(ec.goCtx)
}

// Scope returns the owning scope.
func (ec *ExecutionContext) Scope() *Scope { return ec.scope }

// Parent returns the parent context, or nil for a root context.
func (ec *ExecutionContext) Parent() *ExecutionContext { return ec.parent }

// OnClose registers fn to run (LIFO) when Close is called.
func (ec *ExecutionContext) OnClose(fn func() error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.onClose = append(ec.onClose, fn)
}

// Close runs every registered OnClose callback in LIFO order,
// cancels this context's Go context, and decrements the owning
// scope's live-context count (consulted by Scope.Dispose's grace
// race). Idempotent.
func (ec *ExecutionContext) Close() error {
	ec.mu.Lock()
	if ec.closed {
		ec.mu.Unlock()
		return nil
	}
	ec.closed = true
	ec.state.Store(contextStateClosed)
	callbacks := ec.onClose
	ec.onClose = nil
	ec.mu.Unlock()

	var errs []error
	for i := len(callbacks) - 1; i >= 0; i-- {
		if err := callbacks[i](); err != nil {
			errs = append(errs, err)
		}
	}
	ec.cancel(ErrContextClosed)
	ec.scope.liveContexts.Done()
	return joinCleanupErrors(errs)
}

func (ec *ExecutionContext) isClosed() bool {
	return ec.state.Load() == contextStateClosed
}

// --- raw data container (own level only) ---

// Get returns the raw value stored under key on this context only.
func (ec *ExecutionContext) Get(key any) (any, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.data[key]
	return v, ok
}

// Set installs a raw value under key on this context only.
func (ec *ExecutionContext) Set(key, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.data[key] = value
}

// Has reports whether key is set on this context only.
func (ec *ExecutionContext) Has(key any) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	_, ok := ec.data[key]
	return ok
}

// Delete removes key from this context only.
func (ec *ExecutionContext) Delete(key any) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if _, ok := ec.data[key]; !ok {
		return false
	}
	delete(ec.data, key)
	return true
}

// GetOrSet returns the existing raw value for key, or installs and
// returns fallback.
func (ec *ExecutionContext) GetOrSet(key any, fallback any) any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if v, ok := ec.data[key]; ok {
		return v
	}
	ec.data[key] = fallback
	return fallback
}

// Seek walks self -> parent -> ... looking for key, returning the
// first match (read-only "ambient value" lookup).
func (ec *ExecutionContext) Seek(key any) (any, bool) {
	for c := ec; c != nil; c = c.parent {
		if v, ok := c.Get(key); ok {
			return v, true
		}
	}
	return nil, false
}

// --- typed tag container (own snapshot, seeded at creation) ---

func (ec *ExecutionContext) findTagRaw(id *tagIdentity) (any, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.tagData[id]
	return v, ok
}

func (ec *ExecutionContext) setTagRaw(id *tagIdentity, label string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.tagData[id] = value
}

func (ec *ExecutionContext) deleteTagRaw(id *tagIdentity) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if _, ok := ec.tagData[id]; !ok {
		return false
	}
	delete(ec.tagData, id)
	return true
}

// GetTag returns tag's value from ec's own tag snapshot.
func GetTag[T any](ec *ExecutionContext, tag Tag[T]) (T, bool) {
	return tag.Find(ec)
}

// SetTag installs tag's value on ec's own tag snapshot.
func SetTag[T any](ec *ExecutionContext, tag Tag[T], value T) error {
	return tag.Set(ec, value)
}

// HasTag reports whether tag has a value on ec's own tag snapshot.
func HasTag[T any](ec *ExecutionContext, tag Tag[T]) bool {
	return tag.Has(ec)
}

// DeleteTag removes tag's value from ec's own tag snapshot.
func DeleteTag[T any](ec *ExecutionContext, tag Tag[T]) bool {
	return tag.Delete(ec)
}

// GetOrSetTag returns tag's existing value, or installs fallback.
func GetOrSetTag[T any](ec *ExecutionContext, tag Tag[T], fallback T) T {
	return tag.GetOrSet(ec, fallback)
}

// --- live ambient walk (self -> parent -> ... -> scope) ---

// SeekTag walks the parent chain (not just ec's own creation-time
// snapshot) looking for tag, enabling "ambient value" semantics: a
// value set on an ancestor after a descendant context was created is
// still visible through SeekTag.
func SeekTag[T any](ec *ExecutionContext, tag Tag[T]) (T, bool) {
	if v, ok := ec.walkFindTag(tag.id); ok {
		return v.(T), true
	}
	if tag.hasDef {
		return tag.def, true
	}
	var zero T
	return zero, false
}

func (ec *ExecutionContext) walkFindTag(id *tagIdentity) (any, bool) {
	for c := ec; c != nil; c = c.parent {
		if v, ok := c.findTagRawLocal(id); ok {
			return v, true
		}
	}
	return ec.scope.findTagRaw(id)
}

func (ec *ExecutionContext) walkAllTag(id *tagIdentity) []any {
	var out []any
	for c := ec; c != nil; c = c.parent {
		if v, ok := c.findTagRawLocal(id); ok {
			out = append(out, v)
		}
	}
	if v, ok := ec.scope.findTagRaw(id); ok {
		out = append(out, v)
	}
	return out
}

// findTagRawLocal checks only this node's own mutable tag map,
// without falling through to the scope — used by the walk helpers
// above, which handle the scope fallback themselves.
func (ec *ExecutionContext) findTagRawLocal(id *tagIdentity) (any, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.tagData[id]
	return v, ok
}
