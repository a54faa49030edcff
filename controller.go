package dagrun

import "context"

// ControllerStatus mirrors an atom's resolution state for reading
// from a Controller without forcing a resolve.
type ControllerStatus int

const (
	StatusUnresolved ControllerStatus = iota
	StatusResolving
	StatusResolved
	StatusFailed
)

// ControllerState is a point-in-time snapshot returned by
// Controller.State.
type ControllerState[T any] struct {
	Status ControllerStatus
	Value  T
	Err    error
}

// Controller is a lazy, stateful handle onto a single atom, acquired
// via Atom.Lazy(), AsController, or NewController. Grounded on
// the teacher's controller.go, extended with Invalidate/On/State per
// spec's fuller §4.5 contract.
type Controller[T any] struct {
	scope *Scope
	atom  *Atom[T]
}

func newController[T any](s *Scope, a *Atom[T]) *Controller[T] {
	return &Controller[T]{scope: s, atom: a}
}

// Get resolves (or returns the cached) value.
func (c *Controller[T]) Get(ctx context.Context) (T, error) {
	return Resolve(ctx, c.scope, c.atom)
}

// Resolve is an alias for Get, matching spec's naming of the
// controller operation distinctly from the package-level Resolve.
func (c *Controller[T]) Resolve(ctx context.Context) (T, error) {
	return c.Get(ctx)
}

// Peek returns the cached value without triggering resolution.
func (c *Controller[T]) Peek() (T, bool) {
	st, ok := c.scope.peekState(c.atom)
	if !ok || st.status.Load() != atomStatusResolved {
		var zero T
		return zero, false
	}
	return st.value.(T), true
}

// Set installs newVal directly, bypassing the factory, and cascades
// invalidation to reactive dependents exactly like Update.
func (c *Controller[T]) Set(ctx context.Context, newVal T) error {
	return c.scope.updateAtom(ctx, c.atom, newVal)
}

// Update is an alias for Set (the teacher exposes both names).
func (c *Controller[T]) Update(ctx context.Context, newVal T) error {
	return c.Set(ctx, newVal)
}

// Invalidate clears the cached value without supplying a replacement;
// the next Get recomputes via the factory. Cascades invalidation to
// reactive dependents the same way Set/Update does.
func (c *Controller[T]) Invalidate(ctx context.Context) error {
	return c.scope.invalidateAtom(ctx, c.atom)
}

// Release decrements the atom's reference count. Controllers do not
// increment it when created or on Get, so each Release lowers the
// count; once it is at or below zero the scope's GC grace timer is
// armed (unless the atom is keepAlive).
func (c *Controller[T]) Release() {
	c.scope.releaseRef(c.atom)
}

// On subscribes fn to every subsequent Set/Update on this atom,
// returning an unsubscribe function.
func (c *Controller[T]) On(fn func(T)) func() {
	return c.scope.subscribe(c.atom, func(v any) { fn(v.(T)) })
}

// State returns a structured snapshot of the atom's current
// resolution status without forcing resolution.
func (c *Controller[T]) State() ControllerState[T] {
	st, ok := c.scope.peekState(c.atom)
	if !ok {
		return ControllerState[T]{Status: StatusUnresolved}
	}
	switch st.status.Load() {
	case atomStatusResolved:
		return ControllerState[T]{Status: StatusResolved, Value: st.value.(T)}
	case atomStatusFailed:
		return ControllerState[T]{Status: StatusFailed, Err: st.err}
	case atomStatusResolving:
		return ControllerState[T]{Status: StatusResolving}
	default:
		return ControllerState[T]{Status: StatusUnresolved}
	}
}
