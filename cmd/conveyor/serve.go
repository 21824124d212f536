package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve <path>",
	Short: "Resume interrupted runs and fire schedules until stopped",
	Long: `Serve loads the pipeline definitions at <path>, resumes any runs left
unfinished by a previous process, and then triggers each scheduled
pipeline on its boundaries. It blocks until interrupted; a second
interrupt force-exits.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		err = app.svc.Serve(ctx)

		// Restore default signal handling first so a stuck cleanup can
		// still be interrupted, then make sure no subprocess outlives us.
		stop()
		if kerr := app.procs.KillAll(); kerr != nil {
			slog.Warn("killing leftover subprocesses", "error", kerr)
		}
		slog.Info("shutdown complete")
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
