// Package sentryutil reports ingestion faults to Sentry.
package sentryutil

import (
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/blackmichael/flatlanders-feed/internal/domain"
)

// Options configures the Sentry client.
type Options struct {
	DSN         string
	Environment string
	Release     string
}

// Init initialises the global Sentry client. It reports false without error
// when no DSN is configured, leaving reporting a no-op.
func Init(opts Options) (bool, error) {
	if opts.DSN == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		AttachStacktrace: true,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Flush waits for buffered events to be sent.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}

// ReportError captures err with the given tags.
func ReportError(err error, tags map[string]string) {
	hub := sentry.CurrentHub()
	if hub.Client() == nil {
		return
	}

	// Use a new scope so tags don't persist beyond this error
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		hub.CaptureException(err)
	})
}

// ReportEventError captures a fault that occurred while handling evt. evt
// may be nil for faults that happen before decoding.
func ReportEventError(evt *domain.Event, err error) {
	if evt == nil {
		ReportError(err, map[string]string{"stage": "decode"})
		return
	}
	tags := map[string]string{
		"stage":      "handle",
		"kind":       string(evt.Kind),
		"operation":  string(evt.Operation),
		"collection": evt.Collection,
		"event":      evt.String(),
		"time_us":    strconv.FormatInt(evt.TimeUS, 10),
	}
	ReportError(err, tags)
}
