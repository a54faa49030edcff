package dagrun

// tagChain is implemented by whatever is resolving dependencies
// (a ResolveCtx for atoms, an *ExecutionContext for flows) and backs
// the tag-executor dependency kinds (Required/Optional/All).
type tagChain interface {
	walkFindTag(id *tagIdentity) (any, bool)
	walkAllTag(id *tagIdentity) []any
}

func (rc *ResolveCtx) walkFindTag(id *tagIdentity) (any, bool) {
	return rc.findTagRaw(id)
}

func (rc *ResolveCtx) walkAllTag(id *tagIdentity) []any {
	var out []any
	if rc.atom != nil {
		if v, ok := rc.atom.atomTags().findTagRaw(id); ok {
			out = append(out, v)
		}
	}
	if v, ok := rc.scope.findTagRaw(id); ok {
		out = append(out, v)
	}
	return out
}

// depResolver is whatever can turn a single Dependency into its
// resolved value: a Scope (for atom dependencies, recursing through
// resolveAny), a tagChain (for tag-executor dependencies), and the
// atom currently invoking these dependencies (for reactive edges).
type depResolver struct {
	scope     *Scope
	chain     tagChain
	rs        *resolveState
	dependent AnyAtom // nil when resolving a flow's dependencies
}

// controllerResolvable is implemented by ControllerDep[T]; since Go
// forbids generic interface methods, the typed *Controller[T]
// construction happens on the generic receiver itself (see
// ControllerDep[T].resolveController) rather than inside this
// type-erased dispatcher.
type controllerResolvable interface {
	resolveController(depResolver) (any, error)
}

// resolveDependencyEntry is the single pattern-match over the
// dependency tagged sum (atom / controller-wrapper / tag-executor /
// nested slice / nested map), exactly as spec's Design Notes prescribe.
func resolveDependencyEntry(dr depResolver, entry Dependency) (any, error) {
	switch e := entry.(type) {
	case atomDependency:
		return resolveAtomDependency(dr, e)
	case tagExecDependency:
		return resolveTagDependency(dr, e)
	case sliceDependency:
		out := make([]any, len(e.entries))
		for i, sub := range e.entries {
			v, err := resolveDependencyEntry(dr, sub)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case mapDependency:
		out := make(map[string]any, len(e.entries))
		for k, sub := range e.entries {
			v, err := resolveDependencyEntry(dr, sub)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case controllerResolvable:
		return e.resolveController(dr)
	default:
		return nil, &ResolveError{AtomName: "<dependency>", Cause: errUnknownDependencyKind}
	}
}

var errUnknownDependencyKind = unknownDependencyKindError{}

type unknownDependencyKindError struct{}

func (unknownDependencyKindError) Error() string { return "dagrun: unrecognized dependency kind" }

func resolveAtomDependency(dr depResolver, e atomDependency) (any, error) {
	if e.mode == ModeLazy {
		return e.makeController(dr.scope), nil
	}
	v, err := dr.scope.resolveAny(dr.rs, e.atom)
	if err != nil {
		return nil, err
	}
	if e.mode == ModeReactive && dr.dependent != nil {
		dr.scope.graph.addEdge(e.atom, dr.dependent)
	}
	return v, nil
}

func resolveTagDependency(dr depResolver, e tagExecDependency) (any, error) {
	switch e.kind {
	case kindTagRequired:
		if v, ok := dr.chain.walkFindTag(e.id); ok {
			return v, nil
		}
		if e.hasDef {
			return e.def, nil
		}
		return nil, &MissingTagError{Label: e.label}
	case kindTagOptional:
		if v, ok := dr.chain.walkFindTag(e.id); ok {
			return v, nil
		}
		return e.def, nil
	case kindTagAll:
		return e.collect(dr.chain.walkAllTag(e.id)), nil
	default:
		return nil, &MissingTagError{Label: e.label}
	}
}
