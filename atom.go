package dagrun

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// AnyAtom is the type-erased identity of an *Atom[T], used as map keys
// throughout the scope's cache and reactive graph — mirroring the
// teacher's AnyExecutor pattern, since Go cannot key a map on a
// generic type directly.
type AnyAtom interface {
	atomID() uuid.UUID
	atomName() string
	dependencies() []Dependency
	keepAlive() bool
	atomTags() sliceTagContainer
	// invoke runs this atom's factory with already-resolved
	// dependency values (empty for a Provide atom) and returns the
	// boxed result.
	invoke(rc *ResolveCtx, resolvedDeps []any) (any, error)
}

// AtomOption configures an Atom at construction.
type AtomOption func(*atomConfig)

type atomConfig struct {
	name      string
	tags      []taggedValue
	keepAlive bool
}

// WithAtomName sets the diagnostic name surfaced in errors, the
// execution tree, and graph-debug rendering.
func WithAtomName(name string) AtomOption {
	return func(c *atomConfig) { c.name = name }
}

// WithAtomTags attaches static tags to an atom descriptor, consulted
// by Required/Optional/All dependencies resolved against this atom's
// own position in a dependency chain.
func WithAtomTags(tags ...taggedValue) AtomOption {
	return func(c *atomConfig) { c.tags = append(c.tags, tags...) }
}

// WithKeepAlive exempts an atom from reference-counted GC: it is never
// released even when its last dependent is released.
func WithKeepAlive() AtomOption {
	return func(c *atomConfig) { c.keepAlive = true }
}

// Atom is a long-lived, cached, lazily-resolved computed value with a
// reactive dependency graph. Construct one with Provide or DeriveN.
type Atom[T any] struct {
	id   uuid.UUID
	name string
	tags sliceTagContainer
	deps []Dependency
	kind atomKind
	keep bool

	factory   func(*ResolveCtx) (T, error)
	factoryN  func(*ResolveCtx, []any) (T, error)
}

type atomKind int

const (
	atomKindPlain atomKind = iota
	atomKindDerived
)

func (a *Atom[T]) atomID() uuid.UUID           { return a.id }
func (a *Atom[T]) atomName() string            { return a.name }
func (a *Atom[T]) dependencies() []Dependency  { return a.deps }
func (a *Atom[T]) keepAlive() bool             { return a.keep }
func (a *Atom[T]) atomTags() sliceTagContainer { return a.tags }

func (a *Atom[T]) invoke(rc *ResolveCtx, resolvedDeps []any) (any, error) {
	if a.kind == atomKindPlain {
		return a.factory(rc)
	}
	return a.factoryN(rc, resolvedDeps)
}

func newAtomID() uuid.UUID { return uuid.New() }

func applyAtomOptions(opts []AtomOption) atomConfig {
	cfg := atomConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Provide constructs a zero-dependency atom.
func Provide[T any](factory func(*ResolveCtx) (T, error), opts ...AtomOption) *Atom[T] {
	cfg := applyAtomOptions(opts)
	a := &Atom[T]{
		id:      newAtomID(),
		name:    cfg.name,
		tags:    cfg.tags,
		kind:    atomKindPlain,
		keep:    cfg.keepAlive,
		factory: factory,
	}
	if a.name == "" {
		a.name = fmt.Sprintf("atom@%s", a.id)
	}
	registerAtom(a)
	return a
}

// Static wraps atom as a one-shot (non-reactive) dependency.
func (a *Atom[T]) Static() Dependency { return atomDependency{atom: a, mode: ModeStatic} }

// Reactive wraps atom as a dependency whose changes invalidate the
// dependent atom.
func (a *Atom[T]) Reactive() Dependency { return atomDependency{atom: a, mode: ModeReactive} }

// Lazy wraps atom as a dependency handed to the factory as a
// *Controller[T], deferring resolution.
func (a *Atom[T]) Lazy() Dependency {
	return atomDependency{
		atom: a,
		mode: ModeLazy,
		makeController: func(s *Scope) any {
			return newController(s, a)
		},
	}
}

// atomState is the per-scope resolution record for one atom, stored
// behind `any` in the scope's cache map — exactly as the teacher's
// scope stores `any` behind `sync.Map` keyed by AnyExecutor. Kept
// non-generic (value boxed as `any`) since the scope only ever holds
// AnyAtom identities, never a concrete T.
type atomState struct {
	status      atomic.Int32 // atomStatusXxx
	value       any
	err         error
	refCount    atomic.Int32
	gcTimer     *gcTimer
	cleanups    []cleanupFn
	generation  atomic.Uint64
	mu          chan struct{} // 1-buffered mutex guarding resolve/update transitions
	subscribers []func(any)
	subMu       chan struct{}
}

func newAtomState() *atomState {
	s := &atomState{mu: make(chan struct{}, 1), subMu: make(chan struct{}, 1)}
	s.mu <- struct{}{}
	s.subMu <- struct{}{}
	return s
}

func (s *atomState) lock()   { <-s.mu }
func (s *atomState) unlock() { s.mu <- struct{}{} }

type cleanupFn func() error

const (
	atomStatusUnresolved int32 = iota
	atomStatusResolving
	atomStatusResolved
	atomStatusFailed
)

func derivedAtom[T any](deps []Dependency, opts []AtomOption, factoryN func(*ResolveCtx, []any) (T, error)) *Atom[T] {
	cfg := applyAtomOptions(opts)
	a := &Atom[T]{
		id:       newAtomID(),
		name:     cfg.name,
		tags:     cfg.tags,
		deps:     deps,
		kind:     atomKindDerived,
		keep:     cfg.keepAlive,
		factoryN: factoryN,
	}
	if a.name == "" {
		a.name = fmt.Sprintf("atom@%s", a.id)
	}
	registerAtom(a)
	return a
}

// Derive1 constructs a one-dependency atom. dep1 is resolved per its
// declared mode/shape via resolveDependencyEntry and type-asserted
// back to D1 before the factory runs.
func Derive1[T, D1 any](dep1 Dependency, factory func(*ResolveCtx, D1) (T, error), opts ...AtomOption) *Atom[T] {
	return derivedAtom(
		[]Dependency{dep1},
		opts,
		func(ctx *ResolveCtx, resolved []any) (T, error) {
			return factory(ctx, resolved[0].(D1))
		},
	)
}

// Derive2 constructs a two-dependency atom.
func Derive2[T, D1, D2 any](dep1, dep2 Dependency, factory func(*ResolveCtx, D1, D2) (T, error), opts ...AtomOption) *Atom[T] {
	return derivedAtom(
		[]Dependency{dep1, dep2},
		opts,
		func(ctx *ResolveCtx, resolved []any) (T, error) {
			return factory(ctx, resolved[0].(D1), resolved[1].(D2))
		},
	)
}

// Derive3 constructs a three-dependency atom.
func Derive3[T, D1, D2, D3 any](dep1, dep2, dep3 Dependency, factory func(*ResolveCtx, D1, D2, D3) (T, error), opts ...AtomOption) *Atom[T] {
	return derivedAtom(
		[]Dependency{dep1, dep2, dep3},
		opts,
		func(ctx *ResolveCtx, resolved []any) (T, error) {
			return factory(ctx, resolved[0].(D1), resolved[1].(D2), resolved[2].(D3))
		},
	)
}

// Derive4 constructs a four-dependency atom.
func Derive4[T, D1, D2, D3, D4 any](dep1, dep2, dep3, dep4 Dependency, factory func(*ResolveCtx, D1, D2, D3, D4) (T, error), opts ...AtomOption) *Atom[T] {
	return derivedAtom(
		[]Dependency{dep1, dep2, dep3, dep4},
		opts,
		func(ctx *ResolveCtx, resolved []any) (T, error) {
			return factory(ctx, resolved[0].(D1), resolved[1].(D2), resolved[2].(D3), resolved[3].(D4))
		},
	)
}

// Derive5 constructs a five-dependency atom.
func Derive5[T, D1, D2, D3, D4, D5 any](dep1, dep2, dep3, dep4, dep5 Dependency, factory func(*ResolveCtx, D1, D2, D3, D4, D5) (T, error), opts ...AtomOption) *Atom[T] {
	return derivedAtom(
		[]Dependency{dep1, dep2, dep3, dep4, dep5},
		opts,
		func(ctx *ResolveCtx, resolved []any) (T, error) {
			return factory(ctx, resolved[0].(D1), resolved[1].(D2), resolved[2].(D3), resolved[3].(D4), resolved[4].(D5))
		},
	)
}
