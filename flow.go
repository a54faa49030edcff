package dagrun

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// AnyFlow is the type-erased identity of a *Flow[R], mirroring AnyAtom.
type AnyFlow interface {
	flowName() string
	flowDeps() []Dependency
	invokeFlow(ec *ExecutionContext, input any, resolvedDeps []any) (any, error)
}

// FlowOption configures a Flow at construction.
type FlowOption func(*flowConfig)

type flowConfig struct {
	name  string
	tags  []taggedValue
	parse func(any) (any, error)
}

// WithFlowName sets the diagnostic name recorded in the execution tree.
func WithFlowName(name string) FlowOption {
	return func(c *flowConfig) { c.name = name }
}

// WithFlowTags accepts static tags for a flow descriptor. buildFlow
// does not keep them on the Flow, so they take no part in tag lookups
// during ExecFlow.
func WithFlowTags(tags ...taggedValue) FlowOption {
	return func(c *flowConfig) { c.tags = append(c.tags, tags...) }
}

// WithFlowParse installs a validator run on the flow's input before
// its child execution context is built, mirroring tag.go's
// WithTagParse. A failure short-circuits ExecFlow with a
// *ParseError{Phase: "flow", ...} instead of spawning a child context
// or running the flow body at all.
func WithFlowParse[I any](parse func(any) (I, error)) FlowOption {
	return func(c *flowConfig) {
		c.parse = func(raw any) (any, error) { return parse(raw) }
	}
}

// Flow is a short-span operation run inside a hierarchical
// ExecutionContext. Construct one with Flow0..Flow5.
type Flow[R any] struct {
	name     string
	deps     []Dependency
	factoryN func(*ExecutionContext, any, []any) (R, error)
	parse    func(any) (any, error)
}

func (f *Flow[R]) flowName() string      { return f.name }
func (f *Flow[R]) flowDeps() []Dependency { return f.deps }

func (f *Flow[R]) invokeFlow(ec *ExecutionContext, input any, resolvedDeps []any) (any, error) {
	return f.factoryN(ec, input, resolvedDeps)
}

func buildFlow[R any](deps []Dependency, opts []FlowOption, factoryN func(*ExecutionContext, any, []any) (R, error)) *Flow[R] {
	cfg := flowConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Flow[R]{name: cfg.name, deps: deps, factoryN: factoryN, parse: cfg.parse}
}

// Flow0 constructs a dependency-free flow taking input I.
func Flow0[R, I any](factory func(*ExecutionContext, I) (R, error), opts ...FlowOption) *Flow[R] {
	return buildFlow[R](nil, opts, func(ec *ExecutionContext, input any, _ []any) (R, error) {
		return factory(ec, input.(I))
	})
}

// Flow1 constructs a one-dependency flow.
func Flow1[R, I, D1 any](dep1 Dependency, factory func(*ExecutionContext, I, D1) (R, error), opts ...FlowOption) *Flow[R] {
	return buildFlow[R]([]Dependency{dep1}, opts, func(ec *ExecutionContext, input any, resolved []any) (R, error) {
		return factory(ec, input.(I), resolved[0].(D1))
	})
}

// Flow2 constructs a two-dependency flow.
func Flow2[R, I, D1, D2 any](dep1, dep2 Dependency, factory func(*ExecutionContext, I, D1, D2) (R, error), opts ...FlowOption) *Flow[R] {
	return buildFlow[R]([]Dependency{dep1, dep2}, opts, func(ec *ExecutionContext, input any, resolved []any) (R, error) {
		return factory(ec, input.(I), resolved[0].(D1), resolved[1].(D2))
	})
}

// Flow3 constructs a three-dependency flow.
func Flow3[R, I, D1, D2, D3 any](dep1, dep2, dep3 Dependency, factory func(*ExecutionContext, I, D1, D2, D3) (R, error), opts ...FlowOption) *Flow[R] {
	return buildFlow[R]([]Dependency{dep1, dep2, dep3}, opts, func(ec *ExecutionContext, input any, resolved []any) (R, error) {
		return factory(ec, input.(I), resolved[0].(D1), resolved[1].(D2), resolved[2].(D3))
	})
}

// ExecOption configures a single Exec call.
type ExecOption func(*execConfig)

type execConfig struct {
	timeout time.Duration
	tags    []taggedValue
}

// WithExecTimeout arms a deadline on the child execution context.
func WithExecTimeout(d time.Duration) ExecOption {
	return func(c *execConfig) { c.timeout = d }
}

// WithExecTags supplies exec-scoped tags that override the parent's
// tag snapshot for this call and its descendants (later wins).
func WithExecTags(tags ...taggedValue) ExecOption {
	return func(c *execConfig) { c.tags = append(c.tags, tags...) }
}

func (ec *ExecutionContext) spawnChild(opts []ExecOption) (*ExecutionContext, context.CancelFunc) {
	cfg := execConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	child := ec.child(cfg.tags)
	var cancelTimeout context.CancelFunc = func() {}
	if cfg.timeout > 0 {
		timeoutCtx, cancel := context.WithTimeout(child.goCtx, cfg.timeout)
		child.goCtx = timeoutCtx
		cancelTimeout = cancel
	}
	return child, cancelTimeout
}

// ExecFlow runs flow with input inside a new child context of ec,
// resolving flow's dependencies against the tag chain and atom graph
// rooted at ec.Scope(), and recovering any panic from the flow body
// into a *PanicError.
func ExecFlow[R, I any](ec *ExecutionContext, flow *Flow[R], input I, opts ...ExecOption) (R, error) {
	var zero R

	parsedInput := any(input)
	if flow.parse != nil {
		v, err := flow.parse(parsedInput)
		if err != nil {
			return zero, &ParseError{Phase: "flow", Label: flow.name, Cause: err}
		}
		parsedInput = v
	}

	v, err := execAny(ec, flow.flowName(), opts, func(child *ExecutionContext) (any, error) {
		resolved := make([]any, len(flow.deps))
		dr := depResolver{scope: child.scope, chain: child, rs: newResolveState()}
		for i, dep := range flow.deps {
			rv, derr := resolveDependencyEntry(dr, dep)
			if derr != nil {
				return nil, derr
			}
			resolved[i] = rv
		}
		return flow.invokeFlow(child, parsedInput, resolved)
	})
	if err != nil {
		return zero, err
	}
	return v.(R), nil
}

// ExecFunc runs fn inside a new child context of ec.
func ExecFunc[R any](ec *ExecutionContext, fn func(*ExecutionContext) (R, error), opts ...ExecOption) (R, error) {
	v, err := execAny(ec, "func", opts, func(child *ExecutionContext) (any, error) {
		return fn(child)
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return v.(R), nil
}

func execAny(ec *ExecutionContext, name string, opts []ExecOption, body func(*ExecutionContext) (any, error)) (result any, outErr error) {
	if ec.isClosed() {
		return nil, ErrContextClosed
	}
	if err := ec.scope.checkAcceptingOps(); err != nil {
		return nil, err
	}
	child, cancelTimeout := ec.spawnChild(opts)
	defer cancelTimeout()
	defer child.Close()
	child.Set(flowNameKey{}, name)

	record := &executionRecord{id: child.id, name: name, start: timeNow()}
	ec.scope.execTree.begin(ec.id, record)

	compute := func() (any, error) {
		return runFlowBody(child, body)
	}
	wrapped := ec.scope.wrapExec(compute, name, child)
	result, outErr = wrapped()

	record.end = timeNow()
	record.err = outErr
	ec.scope.execTree.finish(record)
	return result, outErr
}

// runFlowBody runs body in a goroutine, racing it against the child
// context's cancellation, and recovers a panicking body into a
// *PanicError — the same pattern as the teacher's executeFlow.
func runFlowBody(child *ExecutionContext, body func(*ExecutionContext) (any, error)) (any, error) {
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := capturePanicStack()
				child.scope.notifyFlowPanic(child, r, stack)
				done <- outcome{err: &PanicError{Recovered: r, Stack: stack}}
			}
		}()
		v, err := body(child)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-child.goCtx.Done():
		return nil, context.Cause(child.goCtx)
	}
}

// ErrorMode controls how Parallel aggregates sub-execution failures.
type ErrorMode int

const (
	// ErrorModeFailFast cancels remaining work on the first error.
	ErrorModeFailFast ErrorMode = iota
	// ErrorModeCollectErrors runs every task to completion and joins
	// every error encountered.
	ErrorModeCollectErrors
)

// ParallelOption configures Parallel.
type ParallelOption func(*parallelConfig)

type parallelConfig struct{ mode ErrorMode }

// WithErrorMode sets the aggregation mode for a Parallel call.
func WithErrorMode(m ErrorMode) ParallelOption {
	return func(c *parallelConfig) { c.mode = m }
}

// Parallel runs each task against a child of ec concurrently via
// errgroup, per spec's §4.7 Parallel execution contract.
func (ec *ExecutionContext) Parallel(tasks []func(*ExecutionContext) error, opts ...ParallelOption) error {
	cfg := parallelConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.mode == ErrorModeFailFast {
		g, gctx := errgroup.WithContext(ec.goCtx)
		for _, task := range tasks {
			task := task
			g.Go(func() error {
				child, cancel := ec.spawnChild(nil)
				defer cancel()
				defer child.Close()
				stop := context.AfterFunc(gctx, func() { child.cancel(context.Cause(gctx)) })
				defer stop()
				return task(child)
			})
		}
		return g.Wait()
	}

	var errs []error
	var mu chanMutex
	mu.init()
	g := &errgroup.Group{}
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			child, cancel := ec.spawnChild(nil)
			defer cancel()
			defer child.Close()
			if err := task(child); err != nil {
				mu.lock()
				errs = append(errs, err)
				mu.unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return joinCleanupErrors(errs)
}

type chanMutex chan struct{}

func (m *chanMutex) init()   { *m = make(chan struct{}, 1); *m <- struct{}{} }
func (m chanMutex) lock()    { <-m }
func (m chanMutex) unlock()  { m <- struct{}{} }

func timeNow() time.Time { return time.Now() }
