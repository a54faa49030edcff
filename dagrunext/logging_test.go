package dagrunext

import (
	"context"
	"errors"
	"testing"

	"github.com/dagrun/dagrun"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapExtension_LogsResolveOutcome(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	ext := NewZapExtension(zap.New(core))

	scope := dagrun.NewScope(dagrun.WithExtension(ext))
	defer scope.Dispose(context.Background())

	ok := dagrun.Provide(func(ctx *dagrun.ResolveCtx) (string, error) { return "ok", nil }, dagrun.WithAtomName("ok"))
	failing := dagrun.Provide(func(ctx *dagrun.ResolveCtx) (string, error) {
		return "", errors.New("boom")
	}, dagrun.WithAtomName("failing"))

	if _, err := dagrun.Resolve(context.Background(), scope, ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := dagrun.Resolve(context.Background(), scope, failing); err == nil {
		t.Fatal("expected error")
	}

	entries := logs.All()
	var sawCompleted, sawFailed bool
	for _, e := range entries {
		switch e.Message {
		case "resolve completed":
			sawCompleted = true
		case "resolve failed":
			sawFailed = true
		}
	}
	if !sawCompleted {
		t.Error("expected a 'resolve completed' log entry")
	}
	if !sawFailed {
		t.Error("expected a 'resolve failed' log entry")
	}
}

func TestZapExtension_OnFlowPanic(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	ext := NewZapExtension(zap.New(core))

	scope := dagrun.NewScope(dagrun.WithExtension(ext))
	defer scope.Dispose(context.Background())

	panicFlow := dagrun.Flow0(
		func(ec *dagrun.ExecutionContext, in struct{}) (string, error) { panic("kaboom") },
		dagrun.WithFlowName("PanicFlow"),
	)

	root := scope.CreateContext()
	defer root.Close()
	if _, err := dagrun.ExecFlow(root, panicFlow, struct{}{}); err == nil {
		t.Fatal("expected panic error")
	}

	found := false
	for _, e := range logs.All() {
		if e.Message == "flow panic" {
			found = true
		}
	}
	if !found {
		t.Error("expected a 'flow panic' log entry")
	}
}
