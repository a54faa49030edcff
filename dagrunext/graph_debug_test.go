package dagrunext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/dagrun/dagrun"
)

func TestGraphDebugExtension_LogsFailureReportOnError(t *testing.T) {
	var buf bytes.Buffer
	handler := NewHumanHandler(io.MultiWriter(&buf, os.Stdout), slog.LevelError)

	scope := dagrun.NewScope(dagrun.WithExtension(NewGraphDebugExtension(handler, 0)))
	defer scope.Dispose(context.Background())

	storage := dagrun.Provide(
		func(ctx *dagrun.ResolveCtx) (string, error) { return "storage", nil },
		dagrun.WithAtomName("Storage"),
	)
	userService := dagrun.Derive1(
		storage.Reactive(),
		func(ctx *dagrun.ResolveCtx, s string) (string, error) {
			return "", errors.New("type assertion failed: expected *User, got *string")
		},
		dagrun.WithAtomName("UserService"),
	)

	_, err := dagrun.Resolve(context.Background(), scope, userService)
	if err == nil {
		t.Fatal("expected error but got nil")
	}

	output := buf.String()
	for _, want := range []string{
		"resolution failed: UserService",
		"cause: dagrun: resolve error in atom UserService: type assertion failed",
		"Static dependencies:",
		"Storage",
		"Execution tree activity:",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, output)
		}
	}
}

func TestGraphDebugExtension_ReportsBlastRadius(t *testing.T) {
	var buf bytes.Buffer
	handler := NewHumanHandler(io.MultiWriter(&buf, os.Stdout), slog.LevelError)

	scope := dagrun.NewScope(dagrun.WithExtension(NewGraphDebugExtension(handler, 0)))
	defer scope.Dispose(context.Background())

	root := dagrun.Provide(
		func(ctx *dagrun.ResolveCtx) (int, error) { return 1, nil },
		dagrun.WithAtomName("Root"),
	)
	downstream := dagrun.Derive1(
		root.Reactive(),
		func(ctx *dagrun.ResolveCtx, v int) (int, error) { return v + 1, nil },
		dagrun.WithAtomName("Downstream"),
	)

	if _, err := dagrun.Resolve(context.Background(), scope, downstream); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failing := dagrun.Derive1(
		root.Reactive(),
		func(ctx *dagrun.ResolveCtx, v int) (int, error) { return 0, fmt.Errorf("boom") },
		dagrun.WithAtomName("Failing"),
	)
	if _, err := dagrun.Resolve(context.Background(), scope, failing); err == nil {
		t.Fatal("expected error")
	}

	output := buf.String()
	if !strings.Contains(output, "resolution failed: Failing") {
		t.Errorf("expected Failing's report, got:\n%s", output)
	}
	if !strings.Contains(output, "Reactive blast radius (atoms invalidated if this atom changes):\n  (none - no reactive dependents)") {
		t.Errorf("expected Failing's empty blast-radius section, got:\n%s", output)
	}
}

func TestGraphDebugExtension_TracksResolvedAtoms(t *testing.T) {
	ext := NewGraphDebugExtension(NewSilentHandler(), 0)
	scope := dagrun.NewScope(dagrun.WithExtension(ext))
	defer scope.Dispose(context.Background())

	storage := dagrun.Provide(
		func(ctx *dagrun.ResolveCtx) (string, error) { return "storage", nil },
		dagrun.WithAtomName("Storage"),
	)
	service := dagrun.Derive1(
		storage.Reactive(),
		func(ctx *dagrun.ResolveCtx, s string) (string, error) { return "service-" + s, nil },
		dagrun.WithAtomName("Service"),
	)

	if _, err := dagrun.Resolve(context.Background(), scope, service); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ext.mu.Lock()
	defer ext.mu.Unlock()
	if !ext.resolved[storage] {
		t.Error("expected storage to be tracked as resolved")
	}
	if !ext.resolved[service] {
		t.Error("expected service to be tracked as resolved")
	}
}

func TestGraphDebugExtension_OnFlowPanic(t *testing.T) {
	var buf bytes.Buffer
	handler := NewHumanHandler(io.MultiWriter(&buf, os.Stdout), slog.LevelError)

	scope := dagrun.NewScope(dagrun.WithExtension(NewGraphDebugExtension(handler, 0)))
	defer scope.Dispose(context.Background())

	dummy := dagrun.Provide(func(ctx *dagrun.ResolveCtx) (string, error) { return "dummy", nil })
	panicFlow := dagrun.Flow1(
		dummy.Static(),
		func(ec *dagrun.ExecutionContext, in struct{}, d string) (string, error) {
			panic("simulated panic")
		},
		dagrun.WithFlowName("PanicFlow"),
	)

	root := scope.CreateContext()
	defer root.Close()
	_, err := dagrun.ExecFlow(root, panicFlow, struct{}{})
	if err == nil {
		t.Fatal("expected panic error but got nil")
	}

	output := buf.String()
	for _, want := range []string{
		"flow panicked: PanicFlow",
		"panic: simulated panic",
		"stack:",
		"goroutine",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, output)
		}
	}
	if strings.Contains(output, "\\n") {
		t.Error("expected actual newlines, not escaped \\n characters")
	}
}

func TestSilentHandler(t *testing.T) {
	handler := NewSilentHandler()
	if handler.Enabled(context.Background(), slog.LevelError) {
		t.Error("expected SilentHandler to be disabled for every level")
	}
	if err := handler.Handle(context.Background(), slog.Record{}); err != nil {
		t.Errorf("expected Handle to return nil, got %v", err)
	}
	if handler.WithAttrs(nil) != handler {
		t.Error("expected WithAttrs to return self")
	}
	if handler.WithGroup("g") != handler {
		t.Error("expected WithGroup to return self")
	}

	ext := NewGraphDebugExtension(handler, 0)
	scope := dagrun.NewScope(dagrun.WithExtension(ext))
	defer scope.Dispose(context.Background())

	failing := dagrun.Provide(func(ctx *dagrun.ResolveCtx) (string, error) {
		return "", fmt.Errorf("intentional error")
	}, dagrun.WithAtomName("FailingAtom"))

	if _, err := dagrun.Resolve(context.Background(), scope, failing); err == nil {
		t.Error("expected error from failing atom")
	}
}
