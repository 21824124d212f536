package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagRunsPipeline string
	flagRunsLimit    int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List a pipeline's runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagRunsPipeline == "" {
			return fmt.Errorf("--pipeline is required")
		}
		app, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.close()

		list, err := app.svc.Runs(cmd.Context(), flagRunsPipeline, flagRunsLimit)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tLOGICAL TIME\tSTATUS\tFINISHED")
		for _, r := range list {
			finished := "-"
			if !r.FinishedAt.IsZero() {
				finished = r.FinishedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				r.ID, r.LogicalTime.UTC().Format(time.RFC3339), r.Status, finished)
		}
		return tw.Flush()
	},
}

func init() {
	runsCmd.Flags().StringVar(&flagRunsPipeline, "pipeline", "", "pipeline name (required)")
	runsCmd.Flags().IntVar(&flagRunsLimit, "limit", 20, "maximum number of runs, 0 for all")
	rootCmd.AddCommand(runsCmd)
}
