// Package ingest supervises the Jetstream client together with its watchdog
// and any periodic background tasks.
package ingest

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Streamer is a long-running event stream. Start returns nil after a clean
// shutdown.
type Streamer interface {
	Start(ctx context.Context) error
	Stop()
}

// Monitor watches a Streamer and returns an error when it stops making
// progress.
type Monitor interface {
	Run(ctx context.Context) error
}

// Task is an auxiliary background job. It should return nil when ctx is
// cancelled.
type Task func(ctx context.Context) error

// Run starts stream, monitor and tasks and supervises them as one unit. When
// any of them finishes, the rest are cancelled. The first error is returned.
// monitor may be nil.
func Run(ctx context.Context, stream Streamer, monitor Monitor, logger *slog.Logger, tasks ...Task) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		if err := stream.Start(gctx); err != nil {
			logger.Error("stream failed", "error", err)
			return err
		}
		logger.Info("stream finished")
		return nil
	})

	if monitor != nil {
		g.Go(func() error {
			defer cancel()
			if err := monitor.Run(gctx); err != nil {
				logger.Error("monitor tripped, stopping stream", "error", err)
				stream.Stop()
				return err
			}
			return nil
		})
	}

	for _, task := range tasks {
		g.Go(func() error {
			return task(gctx)
		})
	}

	return g.Wait()
}
