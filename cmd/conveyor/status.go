package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/run"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run and the state of each of its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.close()

		r, records, err := app.svc.RunStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printRunDetail(cmd.OutOrStdout(), r, records)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func printRunDetail(w io.Writer, r run.Run, records []run.TaskRecord) {
	fmt.Fprintf(w, "run %s  pipeline=%s version=%s logical_time=%s status=%s\n",
		r.ID, r.Pipeline, r.Version, r.LogicalTime.UTC().Format(time.RFC3339), r.Status)
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATE\tATTEMPT\tREASON")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", rec.Task, rec.State, rec.Attempt, rec.Reason)
	}
	tw.Flush()
}
