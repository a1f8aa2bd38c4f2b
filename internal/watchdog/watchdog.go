// Package watchdog detects a stalled Jetstream subscription.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
)

// DefaultInterval is the sampling interval used when none is configured.
const DefaultInterval = 60 * time.Second

// ErrStalled is returned when the cursor did not advance within one interval.
var ErrStalled = errors.New("watchdog: ingestion stalled")

// Source is the stream being watched.
type Source interface {
	// Cursor returns the position of the last handled event.
	Cursor() int64

	// EventCount returns a monotonically increasing count of received events.
	EventCount() uint64
}

// Watchdog samples a Source at a fixed interval.
type Watchdog struct {
	source   Source
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates a Watchdog. A non-positive interval uses DefaultInterval.
func New(source Source, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Watchdog{
		source:   source,
		interval: interval,
		clock:    clk,
		logger:   logger,
	}
}

// Run samples until ctx is cancelled, returning nil, or until the cursor
// fails to strictly advance between two samples, returning ErrStalled.
func (w *Watchdog) Run(ctx context.Context) error {
	lastCursor := w.source.Cursor()
	lastCount := w.source.EventCount()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(w.interval):
		}

		cursor := w.source.Cursor()
		count := w.source.EventCount()
		rate := float64(count-lastCount) / w.interval.Seconds()

		if cursor <= lastCursor {
			w.logger.Error("ingestion stalled",
				"cursor", cursor,
				"previous_cursor", lastCursor,
				"events_per_second", rate,
			)
			return fmt.Errorf("%w: cursor %d has not advanced in %s", ErrStalled, cursor, w.interval)
		}

		w.logger.Info("ingestion healthy",
			"cursor", cursor,
			"events_per_second", rate,
		)
		lastCursor = cursor
		lastCount = count
	}
}
