package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackmichael/flatlanders-feed/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, a *app, store *storeHandle) error {
				if err := store.migrate(ctx); err != nil {
					return err
				}
				a.logger.Info("migrations applied", "dialect", store.dialect)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, _ *app, store *storeHandle) error {
				v, err := migrate.Version(ctx, store.dialect, store.db)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			})
		},
	})
	return cmd
}

func withStore(ctx context.Context, fn func(context.Context, *app, *storeHandle) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	store, err := openStore(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(ctx, a, store)
}
