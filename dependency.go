package dagrun

// DependencyMode controls how an atom dependency is acquired and how
// changes to it affect the dependent atom.
type DependencyMode int

const (
	// ModeStatic resolves the dependency once; later updates to the
	// upstream atom never invalidate the dependent.
	ModeStatic DependencyMode = iota
	// ModeReactive resolves the dependency and registers the dependent
	// for invalidation whenever the upstream atom changes.
	ModeReactive
	// ModeLazy hands the dependent a *Controller[T] instead of a T,
	// deferring resolution to the factory body.
	ModeLazy
)

// Dependency is the tagged-sum dependency shape consumed by the
// DeriveN/DeriveSlice/DeriveMap generators: an atom reference (in one
// of the three modes), a tag-executor (required/optional/all), or a
// nested slice/map of dependencies. resolveDependencyEntry is the sole
// place that pattern-matches over this sum.
type Dependency interface {
	dependencyKind() dependencyKind
}

type dependencyKind int

const (
	kindAtom dependencyKind = iota
	kindTagRequired
	kindTagOptional
	kindTagAll
	kindSlice
	kindMap
)

// atomDependency wraps an *Atom[T] plus its acquisition mode. Built by
// (*Atom[T]).Static/.Reactive/.Lazy. makeController is set only for
// ModeLazy, captured at the call site where T is still known (Go has
// no generic interface methods, so the *Controller[T] construction
// can't happen inside the type-erased dispatcher).
type atomDependency struct {
	atom          AnyAtom
	mode          DependencyMode
	makeController func(*Scope) any
}

func (atomDependency) dependencyKind() dependencyKind { return kindAtom }

// ControllerDep marks an atom dependency that should be handed to the
// factory as a *Controller[T] rather than a bare T.
type ControllerDep[T any] struct {
	Atom    *Atom[T]
	Resolve bool // if true, the controller is pre-resolved (Get called) before the factory runs
}

func (ControllerDep[T]) dependencyKind() dependencyKind { return kindAtom }

// resolveController is called by the dispatcher through the
// controllerResolvable interface; T is still known here at compile
// time, so the *Controller[T] is built directly.
func (c ControllerDep[T]) resolveController(dr depResolver) (any, error) {
	ctrl := newController(dr.scope, c.Atom)
	if c.Resolve {
		if _, err := dr.scope.resolveAny(dr.rs, c.Atom); err != nil {
			return nil, err
		}
	}
	return ctrl, nil
}

// ControllerDepOption configures AsController.
type ControllerDepOption func(*controllerDepConfig)

type controllerDepConfig struct{ resolve bool }

// WithControllerResolve pre-resolves the controller's atom before
// handing the controller to the dependent factory.
func WithControllerResolve() ControllerDepOption {
	return func(c *controllerDepConfig) { c.resolve = true }
}

// AsController wraps atom so the dependent factory receives a
// *Controller[T] instead of a T.
func AsController[T any](atom *Atom[T], opts ...ControllerDepOption) ControllerDep[T] {
	cfg := controllerDepConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return ControllerDep[T]{Atom: atom, Resolve: cfg.resolve}
}

// tagExecDependency is the tag-executor dependency kind: resolving it
// reads from the current resolution's tag chain instead of the atom
// graph.
type tagExecDependency struct {
	id      *tagIdentity
	label   string
	kind    dependencyKind // kindTagRequired, kindTagOptional, kindTagAll
	def     any
	hasDef  bool
	collect func([]any) any // set only for kindTagAll; converts []any to []T
}

func (t tagExecDependency) dependencyKind() dependencyKind { return t.kind }

// Required produces a dependency that resolves tag's value from the
// current tag chain, erroring with *MissingTagError if absent and no
// default is configured.
func Required[T any](tag Tag[T]) Dependency {
	return tagExecDependency{id: tag.id, label: tag.label, kind: kindTagRequired, def: tag.def, hasDef: tag.hasDef}
}

// Optional produces a dependency that resolves tag's value from the
// current tag chain, falling back to the tag's default (or the zero
// value) if absent. Never errors.
func Optional[T any](tag Tag[T]) Dependency {
	return tagExecDependency{id: tag.id, label: tag.label, kind: kindTagOptional, def: tag.def, hasDef: tag.hasDef}
}

// All produces a dependency that walks the full tag chain (self up
// through scope) and returns every matching value, innermost first.
// Never errors, even if no value is found (returns an empty slice).
func All[T any](tag Tag[T]) Dependency {
	return tagExecDependency{
		id:    tag.id,
		label: tag.label,
		kind:  kindTagAll,
		collect: func(raw []any) any {
			out := make([]T, len(raw))
			for i, v := range raw {
				out[i] = v.(T)
			}
			return out
		},
	}
}

// sliceDependency is a nested, ordered group of dependencies resolved
// together and handed to the factory as a slice.
type sliceDependency struct{ entries []Dependency }

func (sliceDependency) dependencyKind() dependencyKind { return kindSlice }

// DeriveSlice groups dependencies into a single slice-shaped
// dependency, matching spec's array/record dependency shapes.
func DeriveSlice(entries ...Dependency) Dependency {
	return sliceDependency{entries: entries}
}

// mapDependency is a nested, named group of dependencies resolved
// together and handed to the factory as a map.
type mapDependency struct{ entries map[string]Dependency }

func (mapDependency) dependencyKind() dependencyKind { return kindMap }

// DeriveMap groups dependencies into a single map-shaped dependency.
func DeriveMap(entries map[string]Dependency) Dependency {
	return mapDependency{entries: entries}
}
