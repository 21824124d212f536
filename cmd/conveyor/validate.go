package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/pipeline"
)

var validateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Parse pipeline definitions and print their execution order",
	Long: `Validate loads the pipeline definitions at <path> (a .hcl file or a
directory of them), checks them for cycles, unknown dependencies and
malformed fields, and prints each pipeline's tasks in execution order.
Nothing is triggered or stored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pipelines, err := pipeline.Load(args[0], cfg.Retry.Policy())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, p := range pipelines {
			fmt.Fprintf(out, "pipeline %s version=%s tasks=%d", p.Name(), p.DAG.Version(), p.DAG.Len())
			if !p.Schedule.IsZero() {
				fmt.Fprintf(out, " schedule=%q", p.Schedule)
			}
			fmt.Fprintln(out)
			for i, name := range p.DAG.TopoOrder() {
				task, _ := p.DAG.Task(name)
				deps := "-"
				if len(task.DependsOn) > 0 {
					deps = strings.Join(task.DependsOn, ", ")
				}
				fmt.Fprintf(out, "  %2d. %-24s deps: %s\n", i+1, name, deps)
			}
		}
		fmt.Fprintf(out, "%d pipeline(s) ok\n", len(pipelines))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
