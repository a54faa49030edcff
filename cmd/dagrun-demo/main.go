// Command dagrun-demo exercises the dagrun package end to end: a
// cobra CLI with a "run" subcommand (flow execution over a scope
// wired from TOML config), a "graph" subcommand (dependency-graph
// tree rendering on a deliberately failing atom), and a "watch"
// subcommand (fsnotify-driven reactive config reload). Grounded on
// the teacher's examples/ CLI entrypoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dagrun/dagrun"
	"github.com/dagrun/dagrun/dagrunext"
	"github.com/dagrun/dagrun/examples/healthmonitor"
	"github.com/dagrun/dagrun/examples/reactive"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "dagrun-demo",
		Short: "Demonstrates dagrun scopes, atoms, flows, and extensions",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML scope config")
	root.AddCommand(newRunCmd(), newGraphCmd(), newWatchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Build a scope, run a health check flow, and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadScopeConfig(configPath)
			if err != nil {
				return err
			}

			scope := buildScope(cfg)
			defer scope.Dispose(context.Background())

			dbAtom := healthmonitor.NewDatabaseAtom(cfg.DatabasePath)
			check := healthmonitor.CheckFlow(dbAtom, func() bool { return true })

			ec := scope.CreateContext()
			defer ec.Close()

			healthy, err := dagrun.ExecFlow(ec, check, "demo-check")
			if err != nil {
				return err
			}
			fmt.Printf("%s: check healthy=%v\n", cfg.Greeting, healthy)
			return nil
		},
	}
}

func newGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Deliberately fail an atom to demonstrate dependency-graph rendering",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadScopeConfig(configPath)
			if err != nil {
				return err
			}

			debugExt := dagrunext.NewGraphDebugExtension(dagrunext.NewHumanHandler(os.Stdout, slog.LevelError), 0)
			scope := dagrun.NewScope(
				dagrun.WithGCGrace(cfg.gcGrace()),
				dagrun.WithExecutionTreeSize(cfg.ExecutionTreeSize),
				dagrun.WithExtension(debugExt),
			)
			defer scope.Dispose(context.Background())

			base := dagrun.Provide(
				func(rc *dagrun.ResolveCtx) (int, error) { return 0, errors.New("graph: base failed") },
				dagrun.WithAtomName("graph.base"),
			)
			derived := dagrun.Derive1(
				base.Static(),
				func(rc *dagrun.ResolveCtx, v int) (int, error) { return v + 1, nil },
				dagrun.WithAtomName("graph.derived"),
			)

			_, err = dagrun.Resolve(context.Background(), scope, derived)
			if err == nil {
				return errors.New("graph: expected failure, got none")
			}
			fmt.Println("resolution failed as expected; dependency graph printed above")
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <config-file>",
		Short: "Watch a TOML config file and reactively reload a greeting atom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			cfg, err := loadScopeConfig(configPath)
			if err != nil {
				return err
			}

			scope := buildScope(cfg)
			defer scope.Dispose(context.Background())

			configAtom := reactive.NewConfigAtom(reactive.Config{Greeting: cfg.Greeting})
			greetingAtom := reactive.NewGreetingAtom(configAtom)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			watcher, err := reactive.Watch(ctx, scope, configAtom, path)
			if err != nil {
				return err
			}
			defer watcher.Close()

			ctrl := dagrun.NewController(scope, greetingAtom)
			unsubscribe := ctrl.On(func(g string) { fmt.Println("greeting updated:", g) })
			defer unsubscribe()

			greeting, err := dagrun.Resolve(ctx, scope, greetingAtom)
			if err != nil {
				return err
			}
			fmt.Println("initial greeting:", greeting)
			fmt.Println("watching", path, "for changes; ctrl-c to stop")

			<-ctx.Done()
			return nil
		},
	}
}

func buildScope(cfg scopeConfig) *dagrun.Scope {
	opts := []dagrun.ScopeOption{
		dagrun.WithGCGrace(cfg.gcGrace()),
		dagrun.WithExecutionTreeSize(cfg.ExecutionTreeSize),
	}
	if cfg.EnableGraphDebug {
		opts = append(opts, dagrun.WithExtension(dagrunext.NewGraphDebugExtension(dagrunext.NewHumanHandler(os.Stderr, slog.LevelWarn), 0)))
	}
	if cfg.EnableZapLogging {
		logger, _ := zap.NewProduction()
		opts = append(opts, dagrun.WithExtension(dagrunext.NewZapExtension(logger)))
	}
	return dagrun.NewScope(opts...)
}
