package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/run"
)

var (
	flagRunPipeline    string
	flagRunLogicalTime string
)

var runCmd = &cobra.Command{
	Use:   "run <path>",
	Short: "Trigger one run and drive it to completion",
	Long: `Run loads the pipeline definitions at <path>, triggers a run for the
given logical time and executes it to a terminal state. Triggering a
(pipeline, logical time) pair that already has a run resumes that run
instead of creating a duplicate. The exit code is non-zero unless the
run succeeds.

Only run = [...] subprocess tasks execute here; action = "name" tasks
need in-process actions registered by an embedding program and fail at
dispatch under this CLI.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&flagRunPipeline, "pipeline", "", "pipeline to run, required when the path declares several")
	runCmd.Flags().StringVar(&flagRunLogicalTime, "logical-time", "", "logical timestamp, RFC 3339 (default: now)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.svc.LoadPipelines(args[0]); err != nil {
		return err
	}

	name := flagRunPipeline
	if name == "" {
		pipelines := app.svc.Pipelines()
		if len(pipelines) != 1 {
			names := make([]string, len(pipelines))
			for i, p := range pipelines {
				names[i] = p.Name()
			}
			return fmt.Errorf("path declares %d pipelines (%s), pick one with --pipeline",
				len(pipelines), strings.Join(names, ", "))
		}
		name = pipelines[0].Name()
	}

	logicalTime := time.Now().UTC().Truncate(time.Second)
	if flagRunLogicalTime != "" {
		logicalTime, err = time.Parse(time.RFC3339, flagRunLogicalTime)
		if err != nil {
			return fmt.Errorf("invalid --logical-time: %w", err)
		}
	}

	r, created, err := app.svc.TriggerNow(ctx, name, logicalTime)
	if err != nil {
		return err
	}
	if !created {
		slog.Info("window already triggered, resuming existing run", "run", r.ID)
	}

	final, err := app.svc.ExecuteRun(ctx, r.ID)
	// Processes are already dead once ExecuteRun returns; this is the
	// backstop for anything interrupted mid-kill.
	if kerr := app.procs.KillAll(); kerr != nil {
		slog.Warn("killing leftover subprocesses", "error", kerr)
	}
	if err != nil {
		return err
	}

	_, records, err := app.svc.RunStatus(ctx, final.ID)
	if err != nil {
		return err
	}
	printRunDetail(cmd.OutOrStdout(), final, records)

	if final.Status != run.StatusSucceeded {
		return fmt.Errorf("run %s %s", final.ID, strings.ToLower(string(final.Status)))
	}
	return nil
}
