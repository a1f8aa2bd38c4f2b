// Package membership keeps the registered-user set in step with the admin
// account's follower list.
package membership

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/blackmichael/flatlanders-feed/internal/bluesky"
)

// maxPages bounds a single sync in case the upstream cursor never ends.
const maxPages = 1000

// FollowerLister pages through an actor's followers.
type FollowerLister interface {
	GetFollowers(ctx context.Context, actor, cursor string, limit int) (*bluesky.FollowersPage, error)
}

// Registrar registers users. domain.UserRepository satisfies it.
type Registrar interface {
	RegisterUser(ctx context.Context, did string, now time.Time) (bool, error)
}

// Result summarises one sync pass.
type Result struct {
	Followers int
	Created   int
}

// Syncer registers every follower of the admin account. It only ever adds or
// re-activates users; expiry is driven by unfollow events.
type Syncer struct {
	lister   FollowerLister
	users    Registrar
	adminDID string
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewSyncer creates a Syncer.
func NewSyncer(
	lister FollowerLister,
	users Registrar,
	adminDID string,
	interval time.Duration,
	clk clock.Clock,
	logger *slog.Logger,
) *Syncer {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Syncer{
		lister:   lister,
		users:    users,
		adminDID: adminDID,
		interval: interval,
		clock:    clk,
		logger:   logger,
	}
}

// SyncOnce walks the whole follower list once.
func (s *Syncer) SyncOnce(ctx context.Context) (Result, error) {
	var (
		res    Result
		cursor string
	)
	for range maxPages {
		page, err := s.lister.GetFollowers(ctx, s.adminDID, cursor, bluesky.MaxFollowersPageSize)
		if err != nil {
			return res, err
		}

		now := s.clock.Now().UTC()
		for _, follower := range page.Followers {
			if follower.DID == "" {
				continue
			}
			created, err := s.users.RegisterUser(ctx, follower.DID, now)
			if err != nil {
				return res, fmt.Errorf("register %s: %w", follower.DID, err)
			}
			res.Followers++
			if created {
				res.Created++
			}
		}

		if page.Cursor == "" || page.Cursor == cursor || len(page.Followers) == 0 {
			return res, nil
		}
		cursor = page.Cursor
	}

	s.logger.Warn("follower sync stopped at page limit", "pages", maxPages)
	return res, nil
}

// Run syncs immediately and then every interval until ctx is cancelled.
// Failed passes are logged and retried on the next tick.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		start := s.clock.Now()
		res, err := s.SyncOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Error("follower sync failed", "error", err)
		} else {
			s.logger.Info("follower sync complete",
				"followers", res.Followers,
				"created", res.Created,
				"duration", s.clock.Now().Sub(start),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.interval):
		}
	}
}
