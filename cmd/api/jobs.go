package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/creditledger/internal/credits"
	"github.com/onnwee/creditledger/internal/jobs"
)

func newReplayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Re-run failed webhook deliveries once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), opts, func(a *app) error {
				replayer := a.replayer()
				var report credits.ReplayReport
				err := jobs.RunOnce(cmd.Context(), jobs.JobTypeWebhookReplay, func(ctx context.Context) error {
					var err error
					report, err = replayer.Replay(ctx)
					return err
				}, nil, a.logger)
				if err != nil {
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
			})
		},
	}
}

// errDrift makes the command exit non-zero so schedulers alert on it.
var errDrift = errors.New("balance drift detected")

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compare every balance with the sum of its ledger entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), opts, func(a *app) error {
				reconciler := credits.NewReconciler(a.store, a.logger)
				var found int
				err := jobs.RunOnce(cmd.Context(), jobs.JobTypeBalanceReconcile, func(ctx context.Context) error {
					drifts, err := reconciler.Check(ctx)
					if err != nil {
						return err
					}
					found = len(drifts)
					enc := json.NewEncoder(cmd.OutOrStdout())
					for _, d := range drifts {
						if err := enc.Encode(d); err != nil {
							return err
						}
					}
					return nil
				}, nil, a.logger)
				if err != nil {
					return err
				}
				if found > 0 {
					return fmt.Errorf("%w: %d profiles", errDrift, found)
				}
				return nil
			})
		},
	}
}
