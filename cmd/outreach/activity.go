package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newActivityCmd(opts *rootOptions) *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "activity <run-id>",
		Short: "Print a run's activity log in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.machine.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s  status=%s  step=%d/%d\n",
				run.ID, run.Status, run.CurrentStepIndex, len(run.StepIDs))

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tTIME\tKIND\tSTEP\tPAYLOAD")
			for e, err := range a.machine.ActivityAfter(ctx, run.ID, after) {
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					e.Sequence, e.Timestamp.Format(time.RFC3339), e.Kind, e.StepID, e.Payload)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this sequence number")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.machine.Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, run)
		},
	}
}
