// Package dagrunext collects diagnostic Extension implementations for
// dagrun scopes: structured logging of resolve/exec calls and a
// dependency-graph dump on resolution failure. Grounded on the
// teacher's extensions/logging.go and graph_debug.go, rewired to the
// dagrun Extension interface (WrapResolve/WrapExec/OnFlowPanic).
package dagrunext

import (
	"context"
	"time"

	"github.com/dagrun/dagrun"
	"go.uber.org/zap"
)

// ZapExtension logs every atom resolution and flow execution through a
// zap.Logger, matching the teacher's LoggingExtension but upgraded
// from fmt.Printf to the structured logger the rest of the stack uses.
type ZapExtension struct {
	dagrun.BaseExtension
	log *zap.Logger
}

// NewZapExtension builds a ZapExtension. Pass zap.NewNop() in tests.
func NewZapExtension(log *zap.Logger) *ZapExtension {
	return &ZapExtension{
		BaseExtension: dagrun.BaseExtension{ExtName: "logging"},
		log:           log,
	}
}

func (e *ZapExtension) WrapResolve(next dagrun.ResolveFunc, ev dagrun.ResolveEvent) dagrun.ResolveFunc {
	return func() (any, error) {
		start := time.Now()
		e.log.Debug("resolve starting", zap.String("atom", ev.AtomName))
		v, err := next()
		dur := time.Since(start)
		if err != nil {
			e.log.Error("resolve failed", zap.String("atom", ev.AtomName), zap.Duration("duration", dur), zap.Error(err))
		} else {
			e.log.Debug("resolve completed", zap.String("atom", ev.AtomName), zap.Duration("duration", dur))
		}
		return v, err
	}
}

func (e *ZapExtension) WrapExec(next dagrun.ExecFunc, target any, ec *dagrun.ExecutionContext) dagrun.ExecFunc {
	return func() (any, error) {
		start := time.Now()
		name, _ := dagrun.FlowNameOf(ec)
		e.log.Debug("exec starting", zap.String("flow", name))
		v, err := next()
		dur := time.Since(start)
		if err != nil {
			e.log.Error("exec failed", zap.String("flow", name), zap.Duration("duration", dur), zap.Error(err))
		} else {
			e.log.Debug("exec completed", zap.String("flow", name), zap.Duration("duration", dur))
		}
		return v, err
	}
}

func (e *ZapExtension) OnFlowPanic(ec *dagrun.ExecutionContext, recovered any, stack []byte) {
	name, _ := dagrun.FlowNameOf(ec)
	e.log.Error("flow panic",
		zap.String("flow", name),
		zap.Any("recovered", recovered),
		zap.ByteString("stack", stack),
	)
}

func (e *ZapExtension) Dispose(ctx context.Context, scope *dagrun.Scope) error {
	return e.log.Sync()
}
