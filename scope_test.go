package dagrun

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Scenario A — Caching: a Provide atom's factory runs exactly once
// across repeated resolves until invalidated.
func TestResolve_CachesFactoryResult(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose(context.Background())

	var calls int32
	counter := Provide(func(rc *ResolveCtx) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	}, WithAtomName("counter"))

	for i := 0; i < 5; i++ {
		v, err := Resolve(context.Background(), scope, counter)
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if v != 42 {
			t.Fatalf("resolve %d: want 42, got %d", i, v)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected factory to run once, ran %d times", got)
	}
}

// Scenario B — Coalescing: concurrent first-resolves of the same atom
// share a single in-flight factory call via singleflight.
func TestResolve_CoalescesConcurrentCalls(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose(context.Background())

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	slow := Provide(func(rc *ResolveCtx) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
		}
		return "done", nil
	}, WithAtomName("slow"))

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Resolve(context.Background(), scope, slow)
		}(i)
	}

	<-started
	close(release)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: %v", i, errs[i])
		}
		if results[i] != "done" {
			t.Fatalf("goroutine %d: want %q, got %q", i, "done", results[i])
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected factory to run once under coalescing, ran %d times", got)
	}
}

// Scenario D — Cleanup: registered cleanups run LIFO before every
// re-resolution (Invalidate/Set), and once more on scope Dispose.
func TestCleanup_RunsLIFOOnInvalidateAndDispose(t *testing.T) {
	scope := NewScope()

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	resource := Provide(func(rc *ResolveCtx) (string, error) {
		rc.Cleanup(func() error { record("first"); return nil })
		rc.Cleanup(func() error { record("second"); return nil })
		rc.Cleanup(func() error { record("third"); return nil })
		return "value", nil
	}, WithAtomName("resource"), WithKeepAlive())

	if _, err := Resolve(context.Background(), scope, resource); err != nil {
		t.Fatalf("initial resolve: %v", err)
	}

	ctrl := NewController(scope, resource)
	if err := ctrl.Invalidate(context.Background()); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	mu.Lock()
	got := append([]string{}, order...)
	mu.Unlock()
	want := []string{"third", "second", "first"}
	if len(got) != len(want) {
		t.Fatalf("after invalidate: want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("after invalidate: want %v, got %v", want, got)
		}
	}

	if _, err := Resolve(context.Background(), scope, resource); err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	if err := scope.Dispose(context.Background()); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	mu.Lock()
	got = append([]string{}, order...)
	mu.Unlock()
	want = []string{"third", "second", "first", "third", "second", "first"}
	if len(got) != len(want) {
		t.Fatalf("after dispose: want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("after dispose: want %v, got %v", want, got)
		}
	}
}

// Scenario — reactive cascade: Set on an upstream atom invalidates and
// recomputes every Reactive() dependent.
func TestReactive_CascadesOnSet(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose(context.Background())

	base := Provide(func(rc *ResolveCtx) (int, error) { return 1, nil }, WithAtomName("base"), WithKeepAlive())
	derived := Derive1(base.Reactive(), func(rc *ResolveCtx, v int) (int, error) { return v * 10, nil }, WithAtomName("derived"))

	v, err := Resolve(context.Background(), scope, derived)
	if err != nil || v != 10 {
		t.Fatalf("initial derive: v=%d err=%v", v, err)
	}

	ctrl := NewController(scope, base)
	if err := ctrl.Set(context.Background(), 2); err != nil {
		t.Fatalf("set: %v", err)
	}

	v, err = Resolve(context.Background(), scope, derived)
	if err != nil || v != 20 {
		t.Fatalf("after set: v=%d err=%v", v, err)
	}
}

// Cycle detection: a self-referential dependency chain fails fast
// with a CycleError instead of deadlocking.
func TestResolve_DetectsCycle(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose(context.Background())

	var a, b *Atom[int]
	a = Derive1(DependencyIndirection(&b), func(rc *ResolveCtx, v int) (int, error) { return v, nil }, WithAtomName("a"))
	b = Derive1(a.Static(), func(rc *ResolveCtx, v int) (int, error) { return v, nil }, WithAtomName("b"))

	_, err := Resolve(context.Background(), scope, a)
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %v", err)
	}
}

// DependencyIndirection lets a test build a cycle despite Go's
// declare-before-use ordering, by resolving the atom pointer lazily at
// dependency-resolution time rather than at Derive1 call time.
func DependencyIndirection(target **Atom[int]) Dependency {
	return indirectDependency{target: target}
}

type indirectDependency struct{ target **Atom[int] }

func (indirectDependency) dependencyKind() dependencyKind { return kindAtom }

func (d indirectDependency) resolveController(dr depResolver) (any, error) {
	return resolveDependencyEntry(dr, (*d.target).Static())
}

// Failed state: a factory error is cached as a failure and surfaced
// verbatim (wrapped) on every subsequent resolve until invalidated.
func TestResolve_CachesFailureUntilInvalidated(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose(context.Background())

	var calls int32
	boom := errors.New("boom")
	flaky := Provide(func(rc *ResolveCtx) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, boom
	}, WithAtomName("flaky"), WithKeepAlive())

	_, err1 := Resolve(context.Background(), scope, flaky)
	_, err2 := Resolve(context.Background(), scope, flaky)
	if err1 == nil || err2 == nil {
		t.Fatalf("expected both resolves to fail, got %v / %v", err1, err2)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected factory to run once despite failure, ran %d times", got)
	}

	ctrl := NewController(scope, flaky)
	if err := ctrl.Invalidate(context.Background()); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := Resolve(context.Background(), scope, flaky); err == nil {
		t.Fatalf("expected resolve to still fail after invalidation")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected factory to re-run once after invalidation, ran %d times", got)
	}
}

// GC cascade: once the last dependent releases its reference, a
// non-keepAlive atom's state is released after its grace period, and
// its cleanups run.
func TestGC_ReleasesAfterGraceWhenUnreferenced(t *testing.T) {
	scope := NewScope(WithGCGrace(10 * time.Millisecond))
	defer scope.Dispose(context.Background())

	var closed int32
	leaf := Provide(func(rc *ResolveCtx) (int, error) {
		rc.Cleanup(func() error { atomic.AddInt32(&closed, 1); return nil })
		return 7, nil
	}, WithAtomName("leaf"))

	ctrl := NewController(scope, leaf)
	if _, err := ctrl.Get(context.Background()); err != nil {
		t.Fatalf("get: %v", err)
	}
	ctrl.Release()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&closed) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected cleanup to run after GC grace, closed=%d", atomic.LoadInt32(&closed))
}

// keepAlive: a keepAlive atom survives even after every dependent
// releases its reference.
func TestGC_KeepAliveNeverReleases(t *testing.T) {
	scope := NewScope(WithGCGrace(5 * time.Millisecond))
	defer scope.Dispose(context.Background())

	var calls int32
	kept := Provide(func(rc *ResolveCtx) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 1, nil
	}, WithAtomName("kept"), WithKeepAlive())

	ctrl := NewController(scope, kept)
	if _, err := ctrl.Get(context.Background()); err != nil {
		t.Fatalf("get: %v", err)
	}
	ctrl.Release()
	time.Sleep(50 * time.Millisecond)

	if _, err := ctrl.Get(context.Background()); err != nil {
		t.Fatalf("get after grace: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected keepAlive factory to run once, ran %d times", got)
	}
}

// Select: only equality-distinct projections notify subscribers.
func TestSelect_OnlyNotifiesOnDistinctProjection(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose(context.Background())

	type pair struct{ a, b int }
	base := Provide(func(rc *ResolveCtx) (pair, error) { return pair{1, 1}, nil }, WithAtomName("pair"), WithKeepAlive())

	handle, err := Select(context.Background(), scope, base, func(p pair) int { return p.a }, func(x, y int) bool { return x == y })
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	defer handle.Close()

	var notified int32
	handle.On(func(int) { atomic.AddInt32(&notified, 1) })

	ctrl := NewController(scope, base)
	if err := ctrl.Set(context.Background(), pair{1, 2}); err != nil {
		t.Fatalf("set (b changes, a same): %v", err)
	}
	if got := atomic.LoadInt32(&notified); got != 0 {
		t.Fatalf("expected no notification when projected field unchanged, got %d", got)
	}

	if err := ctrl.Set(context.Background(), pair{2, 2}); err != nil {
		t.Fatalf("set (a changes): %v", err)
	}
	if got := atomic.LoadInt32(&notified); got != 1 {
		t.Fatalf("expected one notification when projected field changes, got %d", got)
	}
	if got := handle.Get(); got != 2 {
		t.Fatalf("want projected value 2, got %d", got)
	}
}

// Disposal: once a scope is disposed, further resolves fail instead of
// silently resurrecting atoms.
func TestDispose_RejectsFurtherResolves(t *testing.T) {
	scope := NewScope()

	atom := Provide(func(rc *ResolveCtx) (int, error) { return 1, nil }, WithAtomName("atom"))
	if _, err := Resolve(context.Background(), scope, atom); err != nil {
		t.Fatalf("resolve before dispose: %v", err)
	}
	if err := scope.Dispose(context.Background()); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	if _, err := Resolve(context.Background(), scope, atom); !errors.Is(err, ErrScopeDisposed) {
		t.Fatalf("expected ErrScopeDisposed after dispose, got %v", err)
	}
}

// Self-invalidation: a factory that calls rc.Invalidate() mid-resolve
// still returns its fresh value to the caller that triggered this
// resolution, but the atom is immediately reset to unresolved once the
// factory returns, so the very next resolve recomputes it again.
// Cleanups registered during the self-invalidating call run as part of
// that same deferred reset, before the next resolve's factory runs.
func TestResolve_SelfInvalidateDefersUntilFactoryReturns(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose(context.Background())

	var calls int32
	var cleanupRan int32
	ticking := Provide(func(rc *ResolveCtx) (int, error) {
		n := atomic.AddInt32(&calls, 1)
		rc.Cleanup(func() error { atomic.AddInt32(&cleanupRan, 1); return nil })
		rc.Invalidate()
		return int(n), nil
	}, WithAtomName("ticking"), WithKeepAlive())

	v1, err := Resolve(context.Background(), scope, ticking)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if v1 != 1 {
		t.Fatalf("expected first resolve to still return the value computed this call, got %d", v1)
	}
	if got := atomic.LoadInt32(&cleanupRan); got != 1 {
		t.Fatalf("expected the self-invalidating call's own cleanup to run once, got %d", got)
	}

	v2, err := Resolve(context.Background(), scope, ticking)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if v2 != 2 {
		t.Fatalf("expected a fresh factory run after deferred self-invalidation, got %d", v2)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected factory to run exactly twice, ran %d times", got)
	}
}

// Scenario E — a scope in its disposing grace period rejects new
// resolves with *ScopeDisposingError instead of ErrScopeDisposed or
// silently proceeding.
func TestResolve_RejectsDuringDisposingGracePeriod(t *testing.T) {
	scope := NewScope()

	// Hold a live ExecutionContext open so Dispose's liveContexts.Wait
	// blocks for the full grace window instead of completing instantly.
	held := scope.CreateContext()

	atom := Provide(func(rc *ResolveCtx) (int, error) { return 1, nil }, WithAtomName("atom"))
	if _, err := Resolve(context.Background(), scope, atom); err != nil {
		t.Fatalf("resolve before dispose: %v", err)
	}

	disposeDone := make(chan error, 1)
	go func() {
		disposeDone <- scope.Dispose(context.Background(), WithDisposeGrace(200*time.Millisecond))
	}()

	// Give Dispose time to flip the scope into scopeDisposing before we
	// probe it; the live context is still open so it can't have reached
	// scopeDisposed yet.
	deadline := time.Now().Add(time.Second)
	var resolveErr error
	for time.Now().Before(deadline) {
		_, resolveErr = Resolve(context.Background(), scope, atom)
		var disposing *ScopeDisposingError
		if errors.As(resolveErr, &disposing) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	var disposing *ScopeDisposingError
	if !errors.As(resolveErr, &disposing) {
		t.Fatalf("expected *ScopeDisposingError during the grace window, got %v", resolveErr)
	}

	if err := held.Close(); err != nil {
		t.Fatalf("close held context: %v", err)
	}
	if err := <-disposeDone; err != nil {
		t.Fatalf("dispose: %v", err)
	}

	if _, err := Resolve(context.Background(), scope, atom); !errors.Is(err, ErrScopeDisposed) {
		t.Fatalf("expected ErrScopeDisposed once fully disposed, got %v", err)
	}
}

// Scenario F — cascadeInvalidate reports an *InvalidationLoopError
// rather than looping forever or silently truncating when the same
// atom is reached twice within one invalidation cascade (here via a
// diamond of reactive edges re-converging on a shared descendant).
func TestReactive_CascadeDetectsInvalidationLoop(t *testing.T) {
	scope := NewScope()
	defer scope.Dispose(context.Background())

	base := Provide(func(rc *ResolveCtx) (int, error) { return 1, nil }, WithAtomName("base"), WithKeepAlive())
	left := Derive1(base.Reactive(), func(rc *ResolveCtx, v int) (int, error) { return v + 1, nil }, WithAtomName("left"), WithKeepAlive())
	right := Derive1(base.Reactive(), func(rc *ResolveCtx, v int) (int, error) { return v + 2, nil }, WithAtomName("right"), WithKeepAlive())
	sink := Derive2(left.Reactive(), right.Reactive(), func(rc *ResolveCtx, l, r int) (int, error) { return l + r, nil }, WithAtomName("sink"), WithKeepAlive())

	if _, err := Resolve(context.Background(), scope, sink); err != nil {
		t.Fatalf("initial resolve: %v", err)
	}

	ctrl := NewController(scope, base)
	err := ctrl.Set(context.Background(), 5)
	var loopErr *InvalidationLoopError
	if !errors.As(err, &loopErr) {
		t.Fatalf("expected *InvalidationLoopError from the reconverging cascade, got %v", err)
	}
}

// Tag precedence: an atom's own static tag shadows the scope-wide
// default when both are set.
func TestTag_AtomTagShadowsScopeTag(t *testing.T) {
	greeting := NewTag[string](WithTagLabel[string]("greeting"), WithTagDefault("scope-default"))

	scope := NewScope(WithScopeTag(greeting, "from-scope"))
	defer scope.Dispose(context.Background())

	plain := Provide(func(rc *ResolveCtx) (string, error) {
		return greeting.Get(rc)
	}, WithAtomName("plain"))

	overridden := Provide(func(rc *ResolveCtx) (string, error) {
		return greeting.Get(rc)
	}, WithAtomName("overridden"), WithAtomTags(greeting.Value("from-atom")))

	v, err := Resolve(context.Background(), scope, plain)
	if err != nil || v != "from-scope" {
		t.Fatalf("plain: v=%q err=%v", v, err)
	}

	v, err = Resolve(context.Background(), scope, overridden)
	if err != nil || v != "from-atom" {
		t.Fatalf("overridden: v=%q err=%v", v, err)
	}
}
