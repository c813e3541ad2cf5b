package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/geotask/pkg/audit"
	"github.com/wilhg/geotask/pkg/catalog/sqlcatalog"
	"github.com/wilhg/geotask/pkg/config"
	"github.com/wilhg/geotask/pkg/mcpserver"
	"github.com/wilhg/geotask/pkg/observability"
	gotel "github.com/wilhg/geotask/pkg/otel"
	"github.com/wilhg/geotask/pkg/sqldb"
	"github.com/wilhg/geotask/pkg/store/sqlstore"
	"github.com/wilhg/geotask/pkg/taskq"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "geotask",
		Short:         "Geospatial task worker: raster tiling and KML style extraction",
		Version:       fmt.Sprintf("%s (commit=%s, date=%s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(serveCmd(&configPath), runCmd(&configPath), mcpCmd(&configPath), auditCmd(&configPath),
		migrateCmd(&configPath), versionCmd())
	return root
}

// setup loads config and builds the logger and tracer.
func setup(ctx context.Context, configPath string, adjust ...func(*config.Config)) (*config.Config, *zap.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, fn := range adjust {
		fn(cfg)
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	shutdown, err := gotel.Init(ctx, gotel.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		UseStdout:      cfg.Tracing.Stdout,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
		_ = logger.Sync()
	}
	return cfg, logger, cleanup, nil
}

func serveCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task workers and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg, logger, cleanup, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "http listen address (overrides http.addr)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	mcpSrv := mcpserver.New(a.runtime, version, mcpserver.WithLogger(a.logger))
	server := &http.Server{Addr: a.cfg.HTTP.Addr, Handler: buildMux(a.runtime, mcpSrv.Handler()), ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runtime.Run(gctx) })
	g.Go(func() error {
		a.logger.Info("http listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})
	return g.Wait()
}

func runCmd(configPath *string) *cobra.Command {
	var argsJSON, argsFile string
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Execute one task and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(argsJSON)
			if argsFile != "" {
				b, err := os.ReadFile(argsFile)
				if err != nil {
					return err
				}
				raw = b
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg, logger, cleanup, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()
			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return runOnce(ctx, a, args[0], raw, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "{}", "task arguments as JSON")
	cmd.Flags().StringVar(&argsFile, "args-file", "", "read task arguments from a JSON file")
	return cmd
}

func runOnce(ctx context.Context, a *app, task string, args []byte, out io.Writer) error {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.runtime.Run(rctx) }()
	defer func() { cancel(); <-done }()

	h, err := a.runtime.Submit(ctx, task, args)
	if err != nil {
		return err
	}
	p, runErr := h.Await(ctx)
	status := color.New(color.FgGreen).Sprint("succeeded")
	if runErr != nil {
		status = color.New(color.FgRed).Sprint("failed")
	}
	fmt.Fprintf(out, "run %s %s\n", h.RunID, status)
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return err
	}
	return runErr
}

func mcpCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tasks as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			// stdout carries the protocol
			cfg, logger, cleanup, err := setup(ctx, *configPath, func(c *config.Config) {
				for i, out := range c.Log.Outputs {
					if out == "stdout" {
						c.Log.Outputs[i] = "stderr"
					}
				}
				c.Tracing.Stdout = false
			})
			if err != nil {
				return err
			}
			defer cleanup()
			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			rctx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- a.runtime.Run(rctx) }()
			defer func() { cancel(); <-done }()
			return mcpserver.New(a.runtime, version, mcpserver.WithLogger(logger)).RunStdio(ctx)
		},
	}
}

func auditCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <run-id>",
		Short: "Replay a run journal and list artifacts left behind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, cleanup, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()
			db, err := sqldb.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			rt := taskq.New(taskq.WithStore(sqlstore.New(db)), taskq.WithLogger(logger))
			rep, err := auditRun(ctx, rt, args[0])
			if err != nil {
				return err
			}
			return printAudit(cmd.OutOrStdout(), rep)
		},
	}
}

func printAudit(out io.Writer, rep audit.Report) error {
	fmt.Fprintf(out, "run %s %s\n", rep.RunID, rep.Status)
	for _, e := range rep.Effects {
		state := e.State
		switch e.State {
		case audit.Failed, audit.Pending:
			state = color.New(color.FgRed).Sprint(e.State)
		case audit.Compensated:
			state = color.New(color.FgYellow).Sprint(e.State)
		case audit.Kept:
			state = color.New(color.FgGreen).Sprint(e.State)
		}
		fmt.Fprintf(out, "  %-22s %-20s %s\n", e.Kind, state, e.Target)
	}
	if left := rep.Leftovers(); len(left) > 0 {
		fmt.Fprintf(out, "delete manually: %v\n", left)
	}
	return nil
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the run store and local catalog tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, cleanup, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()
			db, err := sqldb.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			a := &app{db: db, catalog: sqlcatalog.New(db, sqlcatalog.WithLogger(logger)), runs: sqlstore.New(db)}
			if err := a.migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "geotask %s (commit=%s, date=%s)\n", version, commit, date)
		},
	}
}
