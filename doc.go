// Package dagrun is a dependency-injection and effect runtime for Go.
//
// # Overview
//
// dagrun organizes code around four concepts:
//
//  1. Atoms: long-lived, cached, lazily-resolved computed values with a
//     reactive dependency graph.
//  2. Flows: short-span operations that run inside a hierarchical
//     execution context.
//  3. Tags: identity-keyed contextual values resolved through a parent
//     chain (scope, execution context, or a descriptor's static tags).
//  4. Extensions: interceptors wrapping atom resolution and flow
//     execution with cross-cutting concerns (logging, tracing, metrics).
//
// # Basic Usage
//
//	scope := dagrun.NewScope()
//	defer scope.Dispose(context.Background())
//
//	config := dagrun.Provide(func(ctx *dagrun.ResolveCtx) (*Config, error) {
//	    return &Config{Port: 8080}, nil
//	})
//
//	server := dagrun.Derive1(config.Static(), func(ctx *dagrun.ResolveCtx, cfg *Config) (*Server, error) {
//	    return NewServer(cfg.Port), nil
//	})
//
//	srv, err := dagrun.Resolve(context.Background(), scope, server)
//
// # Reactive dependencies
//
// A dependency declared with Reactive() invalidates its dependent when
// the upstream atom changes:
//
//	counter := dagrun.Provide(func(ctx *dagrun.ResolveCtx) (int, error) { return 0, nil })
//
//	doubled := dagrun.Derive1(
//	    counter.Reactive(),
//	    func(ctx *dagrun.ResolveCtx, c int) (int, error) { return c * 2, nil },
//	)
//
//	ctrl := dagrun.NewController(scope, counter)
//	ctrl.Set(context.Background(), 5) // schedules doubled for re-resolution
//	scope.Flush(context.Background())
//
// # Flows and execution contexts
//
// Flows run inside a hierarchical ExecutionContext, which carries tags,
// an isolated data map, an AbortSignal-equivalent (context.Context), and
// LIFO-ordered close callbacks:
//
//	fetchUser := dagrun.Flow1(db.Static(), func(ec *dagrun.ExecutionContext, id string, database *DB) (*User, error) {
//	    return database.Find(id)
//	})
//
//	root := scope.CreateContext()
//	user, err := dagrun.ExecFlow(root, fetchUser, "u-1")
//
// # Extensions
//
// Extensions observe and wrap resolution and execution:
//
//	scope := dagrun.NewScope(dagrun.WithExtension(dagrunext.NewZapExtension(logger)))
//
// # Thread safety
//
// Scopes, controllers, and execution contexts are safe for concurrent
// use. Concurrent Resolve calls for the same atom are coalesced into a
// single factory invocation (see Scope.resolveAny's use of singleflight).
package dagrun
