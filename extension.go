package dagrun

import (
	"context"
	"runtime/debug"
)

// ResolveFunc is the resolution continuation an extension wraps.
type ResolveFunc func() (any, error)

// ExecFunc is the flow-execution continuation an extension wraps.
type ExecFunc func() (any, error)

// ResolveEvent describes the atom resolution an extension is
// intercepting via WrapResolve.
type ResolveEvent struct {
	Atom     AnyAtom
	AtomName string
	Scope    *Scope
}

// Extension observes and wraps atom resolution and flow execution.
// Grounded on the teacher's extension.go Extension interface,
// generalized from the untyped Wrap+Operation pair to the two typed
// wrap points spec.md §4.8 describes (resolve vs exec).
type Extension interface {
	Name() string
	Init(ctx context.Context, scope *Scope) error
	Dispose(ctx context.Context, scope *Scope) error
	WrapResolve(next ResolveFunc, ev ResolveEvent) ResolveFunc
	WrapExec(next ExecFunc, target any, ec *ExecutionContext) ExecFunc
	OnFlowPanic(ec *ExecutionContext, recovered any, stack []byte)
}

// BaseExtension gives extension authors no-op defaults for every hook,
// exactly as the teacher's BaseExtension does — embed it and override
// only the hooks you need.
type BaseExtension struct{ ExtName string }

func (e BaseExtension) Name() string { return e.ExtName }

func (e BaseExtension) Init(ctx context.Context, scope *Scope) error { return nil }

func (e BaseExtension) Dispose(ctx context.Context, scope *Scope) error { return nil }

func (e BaseExtension) WrapResolve(next ResolveFunc, ev ResolveEvent) ResolveFunc { return next }

func (e BaseExtension) WrapExec(next ExecFunc, target any, ec *ExecutionContext) ExecFunc { return next }

func (e BaseExtension) OnFlowPanic(ec *ExecutionContext, recovered any, stack []byte) {}

// wrapResolve composes the scope's extensions outer->inner around
// compute, exactly as the teacher's Resolve/Update wrap loops (iterate
// len(exts)-1 down to 0, each wrapping the previous `next`).
func (s *Scope) wrapResolve(compute ResolveFunc, ev ResolveEvent) ResolveFunc {
	wrapped := compute
	for i := len(s.extensions) - 1; i >= 0; i-- {
		wrapped = s.extensions[i].WrapResolve(wrapped, ev)
	}
	return wrapped
}

func (s *Scope) wrapExec(compute ExecFunc, target any, ec *ExecutionContext) ExecFunc {
	wrapped := compute
	for i := len(s.extensions) - 1; i >= 0; i-- {
		wrapped = s.extensions[i].WrapExec(wrapped, target, ec)
	}
	return wrapped
}

func (s *Scope) notifyFlowPanic(ec *ExecutionContext, recovered any, stack []byte) {
	for _, ext := range s.extensions {
		ext.OnFlowPanic(ec, recovered, stack)
	}
}

func capturePanicStack() []byte {
	return debug.Stack()
}
