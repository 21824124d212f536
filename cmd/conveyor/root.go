package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/dag"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/executor"
	"github.com/conveyorhq/conveyor/internal/orchestrator"
	"github.com/conveyorhq/conveyor/internal/store"
)

var (
	flagLogLevel  string
	flagLogFormat string
	flagConfig    string
	flagDB        string
)

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Dependency-aware pipeline orchestration",
	Long: `Conveyor runs pipelines declared as task DAGs in HCL files: it
schedules runs, executes tasks with bounded concurrency, retries
failures with backoff, and persists every transition so an interrupted
run resumes where it stopped.

Tasks declared with run = [...] execute as subprocesses. Tasks declared
with action = "name" call in-process functions registered by a program
embedding the orchestrator as a library; this CLI registers none, so
such tasks fail at dispatch.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger(flagLogLevel, flagLogFormat)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn or error")
	pf.StringVar(&flagLogFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&flagConfig, "config", "", "project config file (default .conveyor/config.json)")
	pf.StringVar(&flagDB, "db", "", "database path, overrides the configured one")
}

// setupLogger installs the global logger. Human output goes to stdout,
// logs to stderr, so piping one never garbles the other.
func setupLogger(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: want debug, info, warn or error", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q: want text or json", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func loadConfig() (*config.Config, error) {
	globalPath := filepath.Join(xdg.ConfigHome, "conveyor", "config.json")
	projectPath := flagConfig
	if projectPath == "" {
		projectPath = filepath.Join(".conveyor", "config.json")
	}
	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.DatabasePath = flagDB
	}
	return cfg, nil
}

// app bundles the wired service with everything that needs tearing down
// when the command is done.
type app struct {
	cfg   *config.Config
	svc   *orchestrator.Service
	store store.Store
	bus   *events.Bus
	procs *executor.ProcessManager
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	sq, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	st := store.NewResilient(sq, store.DefaultRetryConfig())

	bus := events.NewBus(cfg.EventBufferSize)
	procs := executor.NewProcessManager()
	router := executor.NewRouter()
	router.Register(dag.KindCommand, executor.NewCommand(procs))
	router.Register(dag.KindLocal, executor.NewLocal())

	return &app{
		cfg:   cfg,
		svc:   orchestrator.New(cfg, st, bus, router),
		store: st,
		bus:   bus,
		procs: procs,
	}, nil
}

func (a *app) close() {
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		slog.Error("closing store", "error", err)
	}
}
