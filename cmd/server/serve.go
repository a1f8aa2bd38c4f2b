package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blackmichael/flatlanders-feed/internal/httpserver"
)

var errIngestEnded = errors.New("ingestion ended")

func newServeCmd() *cobra.Command {
	var withIngest, autoMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the feed over HTTP and ingest Jetstream in the same process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), withIngest, autoMigrate)
		},
	}
	cmd.Flags().BoolVar(&withIngest, "ingest", true, "run Jetstream ingestion alongside the HTTP server")
	cmd.Flags().BoolVar(&autoMigrate, "migrate", true, "apply pending migrations before starting")
	return cmd
}

func runServe(ctx context.Context, withIngest, autoMigrate bool) error {
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
	a.logger.Info("connected to database", "dialect", store.dialect)

	if autoMigrate {
		if err := store.migrate(ctx); err != nil {
			return err
		}
	}

	feedService, err := a.newFeedService(store)
	if err != nil {
		return err
	}

	server, err := httpserver.NewServer(httpserver.Config{
		Port:       a.cfg.Port,
		ServiceDID: a.cfg.ServiceDID(),
		Hostname:   a.cfg.Hostname,
	}, feedService, a.registry, a.logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if withIngest {
		g.Go(func() error {
			if err := a.runIngest(gctx, store, feedService); err != nil {
				return err
			}
			if gctx.Err() != nil {
				return nil
			}
			// Exit so the process manager restarts both halves.
			return errIngestEnded
		})
	}

	a.logger.Info("server started", "port", a.cfg.Port, "hostname", a.cfg.Hostname, "ingest", withIngest)
	err = g.Wait()
	a.logger.Info("server stopped", "error", err)
	return err
}
