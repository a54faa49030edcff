package dagrunext

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dagrun/dagrun"
	"github.com/m1gwings/treedrawer/tree"
)

// GraphDebugExtension builds a failure report correlating two things a
// plain stack trace never shows together: the reactive blast radius a
// failed atom would have pushed invalidation into, and what the scope's
// execution tree (dagrun's exectree.go) was actually running at the
// moment of the failure. The teacher's extensions/graph_debug.go only
// had the former to work with — dagrun's execution tree has no
// equivalent in the teacher's executor model, so this is where the
// two diagnostics meet.
type GraphDebugExtension struct {
	dagrun.BaseExtension

	mu       sync.Mutex
	resolved map[dagrun.AnyAtom]bool
	failed   map[dagrun.AnyAtom]error

	recentWindow int
	logger       *slog.Logger
}

// NewGraphDebugExtension creates a new graph debug extension. recentWindow
// caps how many execution-tree records the failure report lists; 0 uses
// a default of 8.
func NewGraphDebugExtension(logHandler slog.Handler, recentWindow int) *GraphDebugExtension {
	if recentWindow <= 0 {
		recentWindow = 8
	}
	return &GraphDebugExtension{
		BaseExtension: dagrun.BaseExtension{ExtName: "graph-debug"},
		resolved:      make(map[dagrun.AnyAtom]bool),
		failed:        make(map[dagrun.AnyAtom]error),
		recentWindow:  recentWindow,
		logger:        slog.New(logHandler),
	}
}

// WrapResolve tracks per-atom outcomes and attaches a failure report
// whenever a resolution fails.
func (e *GraphDebugExtension) WrapResolve(next dagrun.ResolveFunc, ev dagrun.ResolveEvent) dagrun.ResolveFunc {
	return func() (any, error) {
		result, err := next()

		e.mu.Lock()
		if err == nil {
			e.resolved[ev.Atom] = true
		} else {
			e.failed[ev.Atom] = err
		}
		e.mu.Unlock()

		if err != nil {
			e.logger.Error("atom resolution failed",
				"atom", ev.AtomName,
				"error", err.Error(),
				"report", e.buildFailureReport(ev.Scope, ev.Atom, err),
			)
		}
		return result, err
	}
}

// OnFlowPanic logs context when a flow panics, including whatever the
// scope's execution tree was doing in the same window.
func (e *GraphDebugExtension) OnFlowPanic(ec *dagrun.ExecutionContext, recovered any, stack []byte) {
	attrs := []any{
		"panic", fmt.Sprintf("%v", recovered),
		"stack_trace", string(stack),
	}
	if name, ok := dagrun.FlowNameOf(ec); ok {
		attrs = append(attrs, "flow", name)
	}
	if scope := ec.Scope(); scope != nil {
		attrs = append(attrs, "timeline", e.renderTimeline(scope))
	}
	e.logger.Error("flow panicked", attrs...)
}

func (e *GraphDebugExtension) name(a dagrun.AnyAtom) string {
	return dagrun.AtomName(a)
}

// buildFailureReport assembles three sections: what the failed atom
// statically depends on, the reactive subtree of atoms it would have
// invalidated had it succeeded and changed, and the execution tree's
// most recent activity, so the two independent pieces of state dagrun
// tracks (the atom graph, the exec tree) can be read side by side.
func (e *GraphDebugExtension) buildFailureReport(scope *dagrun.Scope, failed dagrun.AnyAtom, failedErr error) string {
	var sb strings.Builder

	sb.WriteString("\nStatic dependencies:\n")
	deps := dagrun.AtomStaticDependencyNames(failed)
	if len(deps) == 0 {
		sb.WriteString("  (none)\n")
	} else {
		for _, d := range deps {
			sb.WriteString(fmt.Sprintf("  - %s\n", d))
		}
	}

	sb.WriteString("\nReactive blast radius (atoms invalidated if this atom changes):\n")
	sb.WriteString(e.renderBlastRadius(scope, failed))

	sb.WriteString("\nExecution tree activity:\n")
	sb.WriteString(e.renderTimeline(scope))

	sb.WriteString(fmt.Sprintf("\nFailed atom: %s\nCause: %v\n", e.name(failed), failedErr))
	return sb.String()
}

// renderBlastRadius walks scope's reactive downstream edges out from
// failed, marking each node with its last known resolution outcome.
// Unlike the teacher's whole-forest render, this only descends from
// the atom that actually failed — the question an operator has is
// "what does THIS failure reach", not "what does the whole graph look
// like".
func (e *GraphDebugExtension) renderBlastRadius(scope *dagrun.Scope, failed dagrun.AnyAtom) string {
	graph := scope.ExportReactiveGraph()
	if len(graph[failed]) == 0 {
		return "  (none - no reactive dependents)\n"
	}

	root := e.atomNode(failed, true)
	e.growBlastRadius(root, failed, graph, map[dagrun.AnyAtom]bool{failed: true})
	return root.String() + "\n"
}

func (e *GraphDebugExtension) growBlastRadius(node *tree.Tree, atom dagrun.AnyAtom, graph map[dagrun.AnyAtom][]dagrun.AnyAtom, visited map[dagrun.AnyAtom]bool) {
	children := append([]dagrun.AnyAtom{}, graph[atom]...)
	sort.Slice(children, func(i, j int) bool { return e.name(children[i]) < e.name(children[j]) })
	for _, child := range children {
		if visited[child] {
			continue
		}
		visited[child] = true
		childNode := node.AddChild(e.atomNode(child, false).Val())
		e.growBlastRadius(childNode, child, graph, visited)
	}
}

func (e *GraphDebugExtension) atomNode(atom dagrun.AnyAtom, isFailed bool) *tree.Tree {
	label := e.name(atom)
	e.mu.Lock()
	switch {
	case isFailed:
		label += " [FAILED]"
	case e.failed[atom] != nil:
		label += " [errored]"
	case e.resolved[atom]:
		label += " [ok]"
	default:
		label += " [pending]"
	}
	e.mu.Unlock()
	return tree.NewTree(tree.NodeString(label))
}

// renderTimeline lists the scope's most recent execution-tree records
// (newest first, bounded to recentWindow), with durations - data the
// teacher's extension has no source for at all.
func (e *GraphDebugExtension) renderTimeline(scope *dagrun.Scope) string {
	records := scope.ExecutionSnapshot()
	if len(records) == 0 {
		return "  (no retained executions)\n"
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Start.After(records[j].Start) })
	if len(records) > e.recentWindow {
		records = records[:e.recentWindow]
	}

	var sb strings.Builder
	for _, r := range records {
		status := "ok"
		if r.Err != nil {
			status = fmt.Sprintf("error: %v", r.Err)
		} else if r.End.IsZero() {
			status = "in-flight"
		}
		dur := r.Duration()
		if dur == 0 {
			sb.WriteString(fmt.Sprintf("  %-24s %s (running)\n", r.Name, status))
			continue
		}
		sb.WriteString(fmt.Sprintf("  %-24s %s in %s\n", r.Name, status, dur.Round(time.Microsecond)))
	}
	return sb.String()
}

// SilentHandler is a slog.Handler that discards all log output, useful
// for tests that want the extension wired but quiet.
type SilentHandler struct{}

func NewSilentHandler() *SilentHandler { return &SilentHandler{} }

func (h *SilentHandler) Enabled(ctx context.Context, level slog.Level) bool    { return false }
func (h *SilentHandler) Handle(ctx context.Context, record slog.Record) error { return nil }
func (h *SilentHandler) WithAttrs(attrs []slog.Attr) slog.Handler              { return h }
func (h *SilentHandler) WithGroup(name string) slog.Handler                   { return h }

// HumanHandler is a slog.Handler that formats graph-debug output with
// line breaks suitable for a terminal instead of single-line JSON.
type HumanHandler struct {
	writer io.Writer
	level  slog.Level
}

func NewHumanHandler(writer io.Writer, level slog.Level) *HumanHandler {
	return &HumanHandler{writer: writer, level: level}
}

func (h *HumanHandler) Enabled(ctx context.Context, level slog.Level) bool { return level >= h.level }

func (h *HumanHandler) Handle(ctx context.Context, record slog.Record) error {
	switch record.Message {
	case "atom resolution failed":
		return h.handleResolutionFailure(record)
	case "flow panicked":
		return h.handleFlowPanic(record)
	}
	if _, err := fmt.Fprintf(h.writer, "[%s] %s\n", record.Level, record.Message); err != nil {
		return err
	}
	var writeErr error
	record.Attrs(func(a slog.Attr) bool {
		if _, err := fmt.Fprintf(h.writer, "  %s: %v\n", a.Key, a.Value); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	return writeErr
}

func (h *HumanHandler) handleResolutionFailure(record slog.Record) error {
	var atom, errMsg, report string
	record.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "atom":
			atom = a.Value.String()
		case "error":
			errMsg = a.Value.String()
		case "report":
			report = a.Value.String()
		}
		return true
	})

	fmt.Fprintln(h.writer)
	fmt.Fprintln(h.writer, strings.Repeat("-", 72))
	fmt.Fprintf(h.writer, "resolution failed: %s\n", atom)
	fmt.Fprintln(h.writer, strings.Repeat("-", 72))
	fmt.Fprintf(h.writer, "cause: %s\n", errMsg)
	fmt.Fprint(h.writer, report)
	fmt.Fprintln(h.writer, strings.Repeat("-", 72))
	return nil
}

func (h *HumanHandler) handleFlowPanic(record slog.Record) error {
	var panicMsg, stackTrace, flow, timeline string
	var hasFlow bool
	record.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "panic":
			panicMsg = a.Value.String()
		case "stack_trace":
			stackTrace = a.Value.String()
		case "flow":
			flow = a.Value.String()
			hasFlow = true
		case "timeline":
			timeline = a.Value.String()
		}
		return true
	})

	fmt.Fprintln(h.writer)
	fmt.Fprintln(h.writer, strings.Repeat("-", 72))
	fmt.Fprint(h.writer, "flow panicked")
	if hasFlow {
		fmt.Fprintf(h.writer, ": %s", flow)
	}
	fmt.Fprintln(h.writer)
	fmt.Fprintln(h.writer, strings.Repeat("-", 72))
	fmt.Fprintf(h.writer, "panic: %s\n", panicMsg)
	if timeline != "" {
		fmt.Fprint(h.writer, "timeline:\n", timeline)
	}
	fmt.Fprintf(h.writer, "stack:\n%s\n", stackTrace)
	fmt.Fprintln(h.writer, strings.Repeat("-", 72))
	return nil
}

func (h *HumanHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *HumanHandler) WithGroup(name string) slog.Handler       { return h }
