package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/creditledger/internal/db"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the database schema",
	}

	for _, dir := range []db.Direction{db.DirectionUp, db.DirectionDown} {
		direction := dir
		cmd.AddCommand(&cobra.Command{
			Use:   string(direction),
			Short: fmt.Sprintf("Run all %s migrations", direction),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd.Context(), opts, func(a *app) error {
					return db.Migrate(a.db, direction, a.logger)
				})
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), opts, func(a *app) error {
				version, dirty, err := db.Version(a.db)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version: %d dirty: %t\n", version, dirty)
				return nil
			})
		},
	})

	return cmd
}

// withDB runs fn against an app built for an operator command.
func withDB(ctx context.Context, opts *rootOptions, fn func(a *app) error) error {
	a, err := newApp(ctx, opts, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
