package dagrun

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Scope owns the atom cache, the reactive dependency graph, the
// extension pipeline, and disposal. Grounded on the teacher's Scope in
// scope.go, generalized from AnyExecutor to AnyAtom and given an
// explicit two-phase disposal state machine per spec's §4.9.
type Scope struct {
	id uuid.UUID

	cache sync.Map // AnyAtom -> *atomState

	tagMu sync.RWMutex
	tags  map[*tagIdentity]taggedValue

	graph      *reactiveGraph
	extensions []Extension
	presets    sync.Map // AnyAtom -> any (preset value)

	sf singleflight.Group

	gcGrace time.Duration

	state atomic.Int32 // scopeActive / scopeDisposing / scopeDisposed
	ready chan struct{}

	execTree *executionTree
	depPool  *depSlicePool

	liveContexts sync.WaitGroup

	disposeOnce sync.Once
}

const (
	scopeActive int32 = iota
	scopeDisposing
	scopeDisposed
)

// ScopeOption configures a Scope at construction.
type ScopeOption func(*scopeBuildConfig)

type scopeBuildConfig struct {
	extensions   []Extension
	presets      []func(*Scope)
	scopeTags    []func(*Scope)
	gcGrace      time.Duration
	execTreeSize int
}

// WithExtension registers an extension on the scope, initialized in
// registration order.
func WithExtension(ext Extension) ScopeOption {
	return func(c *scopeBuildConfig) { c.extensions = append(c.extensions, ext) }
}

// WithScopeTag installs a tag directly on the scope's global tag
// store, visible to every resolution and execution context rooted at
// this scope.
func WithScopeTag[T any](tag Tag[T], value T) ScopeOption {
	return func(c *scopeBuildConfig) {
		c.scopeTags = append(c.scopeTags, func(s *Scope) {
			_ = tag.Set(s, value)
		})
	}
}

// Preset pre-seeds atom's cache with value, bypassing its factory
// entirely — the primary mechanism for swapping dependencies under
// test.
func Preset[T any](atom *Atom[T], value T) ScopeOption {
	return func(c *scopeBuildConfig) {
		c.presets = append(c.presets, func(s *Scope) {
			s.presets.Store(atom, value)
		})
	}
}

// WithGCGrace sets how long a zero-refcount atom survives before its
// cache entry and cleanups are released. Zero disables the grace
// period (immediate release).
func WithGCGrace(d time.Duration) ScopeOption {
	return func(c *scopeBuildConfig) { c.gcGrace = d }
}

// WithExecutionTreeSize bounds how many root execution contexts the
// scope's execution tree retains for observability/debugging.
func WithExecutionTreeSize(n int) ScopeOption {
	return func(c *scopeBuildConfig) { c.execTreeSize = n }
}

// NewScope constructs a Scope, applies options, initializes
// extensions, and closes Ready() once setup completes.
func NewScope(opts ...ScopeOption) *Scope {
	cfg := scopeBuildConfig{gcGrace: 0, execTreeSize: 256}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Scope{
		id:         uuid.New(),
		tags:       make(map[*tagIdentity]taggedValue),
		graph:      newReactiveGraph(),
		extensions: cfg.extensions,
		gcGrace:    cfg.gcGrace,
		ready:      make(chan struct{}),
		execTree:   newExecutionTree(cfg.execTreeSize),
		depPool:    newDepSlicePool(),
	}

	for _, apply := range cfg.scopeTags {
		apply(s)
	}
	for _, apply := range cfg.presets {
		apply(s)
	}

	for _, ext := range s.extensions {
		if err := ext.Init(context.Background(), s); err != nil {
			panic(fmt.Errorf("dagrun: extension %s Init: %w", ext.Name(), err))
		}
	}

	close(s.ready)
	return s
}

// Ready reports when scope construction (including extension Init
// hooks) has completed.
func (s *Scope) Ready() <-chan struct{} { return s.ready }

func (s *Scope) checkAcceptingOps() error {
	switch s.state.Load() {
	case scopeDisposed:
		return ErrScopeDisposed
	case scopeDisposing:
		return &ScopeDisposingError{}
	default:
		return nil
	}
}

// --- tag store (taggedContainer) ---

func (s *Scope) findTagRaw(id *tagIdentity) (any, bool) {
	s.tagMu.RLock()
	defer s.tagMu.RUnlock()
	tv, ok := s.tags[id]
	if !ok {
		return nil, false
	}
	return tv.value, true
}

func (s *Scope) setTagRaw(id *tagIdentity, label string, value any) {
	s.tagMu.Lock()
	defer s.tagMu.Unlock()
	s.tags[id] = taggedValue{id: id, value: value}
}

func (s *Scope) deleteTagRaw(id *tagIdentity) bool {
	s.tagMu.Lock()
	defer s.tagMu.Unlock()
	if _, ok := s.tags[id]; !ok {
		return false
	}
	delete(s.tags, id)
	return true
}

// --- atom state access ---

func (s *Scope) getOrCreateState(atom AnyAtom) *atomState {
	if st, ok := s.cache.Load(atom); ok {
		return st.(*atomState)
	}
	st, _ := s.cache.LoadOrStore(atom, newAtomState())
	return st.(*atomState)
}

func (s *Scope) stateFor(atom AnyAtom) (*atomState, bool) {
	st, ok := s.cache.Load(atom)
	if !ok {
		return nil, false
	}
	return st.(*atomState), true
}

func (s *Scope) peekState(atom AnyAtom) (*atomState, bool) {
	return s.stateFor(atom)
}

// subscribe registers fn to be called after every successful
// Set/Update on atom, returning an unsubscribe function.
func (s *Scope) subscribe(atom AnyAtom, fn func(any)) func() {
	st := s.getOrCreateState(atom)
	<-st.subMu
	st.subscribers = append(st.subscribers, fn)
	idx := len(st.subscribers) - 1
	st.subMu <- struct{}{}

	return func() {
		<-st.subMu
		if idx < len(st.subscribers) {
			st.subscribers[idx] = nil
		}
		st.subMu <- struct{}{}
	}
}

func (s *Scope) notify(atom AnyAtom, st *atomState, value any) {
	<-st.subMu
	subs := append([]func(any){}, st.subscribers...)
	st.subMu <- struct{}{}
	for _, fn := range subs {
		if fn != nil {
			fn(value)
		}
	}
}

// resolveAny runs the resolution protocol for atom (spec §4.4): cycle
// check, preset short-circuit, singleflight-coalesced dependency
// resolution + factory invocation wrapped by the extension pipeline,
// and cache store.
func (s *Scope) resolveAny(rs *resolveState, atom AnyAtom) (any, error) {
	if err := s.checkAcceptingOps(); err != nil {
		return nil, err
	}
	<-s.ready

	if cycleErr, nextRS := rs.push(atom); cycleErr != nil {
		return nil, cycleErr
	} else {
		rs = nextRS
	}

	st := s.getOrCreateState(atom)

	if st.status.Load() == atomStatusResolved {
		return st.value, nil
	}
	if st.status.Load() == atomStatusFailed {
		return nil, st.err
	}

	key := fmt.Sprintf("%s#%d", atom.atomID(), st.generation.Load())
	v, err, _ := s.sf.Do(key, func() (any, error) {
		return s.doResolve(rs, atom, st)
	})
	return v, err
}

func (s *Scope) doResolve(rs *resolveState, atom AnyAtom, st *atomState) (any, error) {
	st.lock()
	if st.status.Load() == atomStatusResolved {
		v := st.value
		st.unlock()
		return v, nil
	}
	st.status.Store(atomStatusResolving)
	st.unlock()

	if preset, ok := s.presets.Load(atom); ok {
		st.lock()
		st.value = preset
		st.status.Store(atomStatusResolved)
		st.unlock()
		return preset, nil
	}

	rc := &ResolveCtx{scope: s, atom: atom, rs: rs, st: st}
	ev := ResolveEvent{Atom: atom, AtomName: atomDisplayName(atom), Scope: s}
	compute := func() (any, error) {
		return s.invokeAtom(rc)
	}
	wrapped := s.wrapResolve(compute, ev)
	value, err := wrapped()

	st.lock()
	if err != nil {
		st.status.Store(atomStatusFailed)
		st.err = err
	} else {
		st.status.Store(atomStatusResolved)
		st.value = value
	}
	st.unlock()

	if err == nil && rc.wantsSelfInvalidate() {
		s.selfInvalidateAfterResolve(atom, st)
	}
	return value, err
}

// selfInvalidateAfterResolve implements ResolveCtx.Invalidate's
// deferred semantics (spec §4.4): once the factory that called
// Invalidate has returned and its fresh value has already been
// stored, immediately clear it again and cascade to reactive
// dependents, so the next access recomputes instead of serving the
// now-stale value the factory itself flagged as invalid.
func (s *Scope) selfInvalidateAfterResolve(atom AnyAtom, st *atomState) {
	st.lock()
	cleanups := st.cleanups
	st.cleanups = nil
	st.value = nil
	st.err = nil
	st.status.Store(atomStatusUnresolved)
	st.generation.Add(1)
	st.unlock()
	runCleanups(cleanups)
	_ = s.cascadeInvalidate(newInvalidationState(), atom)
}

func (s *Scope) invokeAtom(rc *ResolveCtx) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Recovered: r, Stack: capturePanicStack()}
		}
	}()

	atom := rc.atom
	rs := rc.rs
	deps := atom.dependencies()
	resolved := s.depPool.acquire(len(deps))
	defer s.depPool.release(resolved)
	for _, dep := range deps {
		v, derr := resolveDependencyEntry(depResolver{scope: s, chain: rc, rs: rs, dependent: atom}, dep)
		if derr != nil {
			return nil, &ResolveError{AtomName: atomDisplayName(atom), Cause: derr}
		}
		resolved = append(resolved, v)
	}

	value, err = atom.invoke(rc, resolved)
	if err != nil {
		return nil, &ResolveError{AtomName: atomDisplayName(atom), Cause: err}
	}
	return value, nil
}

// Resolve resolves atom against scope, returning its cached or
// newly-computed value.
func Resolve[T any](ctx context.Context, s *Scope, atom *Atom[T]) (T, error) {
	v, err := s.resolveAny(newResolveState(), atom)
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// NewController constructs a Controller bound to atom on s.
func NewController[T any](s *Scope, atom *Atom[T]) *Controller[T] {
	return newController(s, atom)
}

// updateAtom installs newVal directly and cascades invalidation to
// every reactive dependent (transitively), detecting invalidation
// loops per spec's §4.4 loop-detection requirement.
func (s *Scope) updateAtom(ctx context.Context, atom AnyAtom, newVal any) error {
	if err := s.checkAcceptingOps(); err != nil {
		return err
	}
	st := s.getOrCreateState(atom)
	st.lock()
	cleanups := st.cleanups
	st.cleanups = nil
	st.value = newVal
	st.err = nil
	st.status.Store(atomStatusResolved)
	st.generation.Add(1)
	st.unlock()
	runCleanups(cleanups)

	s.notify(atom, st, newVal)
	return s.cascadeInvalidate(newInvalidationState(), atom)
}

// invalidateAtom clears atom's cache (no replacement value) and
// cascades invalidation the same way updateAtom does.
func (s *Scope) invalidateAtom(ctx context.Context, atom AnyAtom) error {
	if err := s.checkAcceptingOps(); err != nil {
		return err
	}
	st := s.getOrCreateState(atom)
	st.lock()
	cleanups := st.cleanups
	st.cleanups = nil
	st.value = nil
	st.err = nil
	st.status.Store(atomStatusUnresolved)
	st.generation.Add(1)
	st.unlock()
	runCleanups(cleanups)

	return s.cascadeInvalidate(newInvalidationState(), atom)
}

type invalidationState struct {
	path []AnyAtom
	seen map[AnyAtom]bool
}

func newInvalidationState() *invalidationState {
	return &invalidationState{seen: make(map[AnyAtom]bool)}
}

func (s *Scope) cascadeInvalidate(is *invalidationState, atom AnyAtom) error {
	if is.seen[atom] {
		names := make([]string, 0, len(is.path)+1)
		for _, p := range is.path {
			names = append(names, atomDisplayName(p))
		}
		names = append(names, atomDisplayName(atom))
		return &InvalidationLoopError{Path: names}
	}
	is.seen[atom] = true
	is.path = append(is.path, atom)

	for _, dependent := range s.graph.dependents(atom) {
		st, ok := s.stateFor(dependent)
		if !ok {
			continue
		}
		st.lock()
		cleanups := st.cleanups
		st.cleanups = nil
		st.status.Store(atomStatusUnresolved)
		st.value = nil
		st.err = nil
		st.unlock()
		runCleanups(cleanups)
		if err := s.cascadeInvalidate(is, dependent); err != nil {
			return err
		}
	}
	return nil
}

// Flush blocks until every atom resolution already in flight when the
// call starts has completed. It never triggers new resolutions: atoms
// that begin resolving after Flush takes its snapshot are not waited
// on.
func (s *Scope) Flush(ctx context.Context) error {
	// singleflight has no native "wait for all in-flight calls" hook.
	// Collect the singleflight key for every atom currently mid-
	// resolution, then issue a zero-width Do under each key — since
	// singleflight coalesces calls sharing a key, this Do call blocks
	// behind the real caller's in-flight Do and only returns once that
	// resolution has actually finished (its own return value discarded,
	// ours is a no-op function that never runs the work itself).
	var keys []string
	s.cache.Range(func(k, v any) bool {
		st := v.(*atomState)
		if st.status.Load() == atomStatusResolving {
			atom := k.(AnyAtom)
			keys = append(keys, fmt.Sprintf("%s#%d", atom.atomID(), st.generation.Load()))
		}
		return true
	})

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.sf.Do(key, func() (any, error) { return nil, nil })
	}
	return nil
}

// CreateContext builds a root ExecutionContext rooted at this scope.
func (s *Scope) CreateContext(opts ...ContextOption) *ExecutionContext {
	return newRootContext(s, opts...)
}

// DisposeOption configures Dispose.
type DisposeOption func(*disposeConfig)

type disposeConfig struct {
	grace time.Duration
}

// WithDisposeGrace bounds how long Dispose waits for live execution
// contexts to close on their own before it goes on to run cleanups.
// Contexts still open when the grace period ends are not cancelled.
func WithDisposeGrace(d time.Duration) DisposeOption {
	return func(c *disposeConfig) { c.grace = d }
}

// Dispose transitions the scope active -> disposing -> disposed,
// races the grace period against in-flight execution contexts closing
// on their own, then releases every cached atom (LIFO by cleanup
// registration) and disposes every extension.
func (s *Scope) Dispose(ctx context.Context, opts ...DisposeOption) error {
	cfg := disposeConfig{grace: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	var outerErr error
	s.disposeOnce.Do(func() {
		s.state.Store(scopeDisposing)

		done := make(chan struct{})
		go func() {
			s.liveContexts.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(cfg.grace):
		case <-ctx.Done():
		}

		s.state.Store(scopeDisposed)

		g, gctx := errgroup.WithContext(ctx)
		var cleanupErrs []error
		var mu sync.Mutex

		s.cache.Range(func(key, value any) bool {
			atom := key.(AnyAtom)
			st := value.(*atomState)
			g.Go(func() error {
				st.lock()
				cleanups := st.cleanups
				st.cleanups = nil
				st.unlock()
				errs := runCleanups(cleanups)
				if len(errs) > 0 {
					mu.Lock()
					cleanupErrs = append(cleanupErrs, errs...)
					mu.Unlock()
				}
				_ = atom
				_ = gctx
				return nil
			})
			return true
		})
		_ = g.Wait()

		for _, ext := range s.extensions {
			if err := ext.Dispose(ctx, s); err != nil {
				cleanupErrs = append(cleanupErrs, fmt.Errorf("extension %s Dispose: %w", ext.Name(), err))
			}
		}

		outerErr = joinCleanupErrors(cleanupErrs)
	})
	return outerErr
}
