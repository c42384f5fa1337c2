package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/internal/pipeline"
	"github.com/rendis/outreach/pkg/schema"
)

type runOptions struct {
	mission  string
	owner    string
	steps    []string
	set      []string
	approve  bool
	reject   bool
	resolver string
}

func (o runOptions) decision() schema.Decision {
	switch {
	case o.approve:
		return schema.DecisionApproved
	case o.reject:
		return schema.DecisionRejected
	default:
		return ""
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	ro := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a run and drive it locally",
		Long: "Start a run and drive it until it completes, fails or waits for approval.\n" +
			"With --approve or --reject every checkpoint is resolved automatically.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			runCfg, err := parseConfigPairs(ro.set)
			if err != nil {
				return err
			}
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.machine.Start(ctx, engine.StartRequest{
				Mission: ro.mission,
				StepIDs: ro.steps,
				OwnerID: ro.owner,
				Config:  runCfg,
			})
			if err != nil {
				return err
			}

			decision := ro.decision()
			for {
				if run, err = a.machine.Drive(ctx, run.ID); err != nil {
					return err
				}
				if run.Status != schema.RunStatusWaitingApproval || decision == "" {
					break
				}
				if run, err = a.machine.ResolveApproval(ctx, run.PendingApprovalID, decision, ro.resolver); err != nil {
					return err
				}
			}

			if err := printJSON(cmd, run); err != nil {
				return err
			}
			if run.Status == schema.RunStatusWaitingApproval {
				fmt.Fprintf(cmd.ErrOrStderr(), "run %s is waiting for approval %s\n", run.ID, run.PendingApprovalID)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&ro.mission, "mission", "m", "", "objective of the run")
	f.StringVar(&ro.owner, "owner", "local", "owner identity")
	f.StringSliceVar(&ro.steps, "steps", pipeline.DefaultStepIDs, "ordered step ids")
	f.StringArrayVar(&ro.set, "set", nil, "run configuration as key=value (repeatable)")
	f.BoolVar(&ro.approve, "approve", false, "approve every checkpoint")
	f.BoolVar(&ro.reject, "reject", false, "reject every checkpoint")
	f.StringVar(&ro.resolver, "resolver", "cli", "identity recorded on automatic decisions")
	_ = cmd.MarkFlagRequired("mission")
	cmd.MarkFlagsMutuallyExclusive("approve", "reject")
	return cmd
}
