package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/outreach/pkg/schema"
)

func newApprovalsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List and resolve approval requests",
	}
	cmd.AddCommand(newApprovalsListCmd(opts), newApprovalsResolveCmd(opts))
	return cmd
}

func newApprovalsListCmd(opts *rootOptions) *cobra.Command {
	var (
		owner  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			approvals, err := a.machine.ListPendingApprovals(ctx, owner)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, approvals)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRUN\tSTEP\tKIND\tOWNER\tCREATED")
			for _, ap := range approvals {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					ap.ID, ap.RunID, ap.StepID, ap.CheckpointKind, ap.OwnerID, ap.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only approvals of this owner")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON including artifacts")
	return cmd
}

func newApprovalsResolveCmd(opts *rootOptions) *cobra.Command {
	var (
		reject bool
		by     string
		drive  bool
	)
	cmd := &cobra.Command{
		Use:   "resolve <approval-id>",
		Short: "Approve (default) or reject an approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			decision := schema.DecisionApproved
			if reject {
				decision = schema.DecisionRejected
			}
			run, err := a.machine.ResolveApproval(ctx, args[0], decision, by)
			if err != nil {
				return err
			}
			if drive && !run.Status.IsTerminal() {
				if run, err = a.machine.Drive(ctx, run.ID); err != nil {
					return err
				}
			}
			return printJSON(cmd, run)
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVar(&by, "by", "cli", "identity resolving the request")
	cmd.Flags().BoolVar(&drive, "drive", true, "keep driving the run after resolving")
	return cmd
}
