package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newIngestCmd() *cobra.Command {
	var metricsPort int

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest Jetstream into the index without serving the feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), metricsPort)
		},
	}
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")
	return cmd
}

func runIngest(ctx context.Context, metricsPort int) error {
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

	feedService, err := a.newFeedService(store)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if metricsPort > 0 {
		g.Go(func() error {
			return a.serveMetrics(gctx, metricsPort)
		})
	}
	g.Go(func() error {
		defer cancel()
		return a.runIngest(gctx, store, feedService)
	})
	return g.Wait()
}
