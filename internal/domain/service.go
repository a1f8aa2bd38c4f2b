package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
)

// DefaultFeedLimit is the page size used when the caller does not ask for one.
const DefaultFeedLimit = 50

// FeedConfig describes the feed served by this generator and the rules that
// decide which events reach its index.
type FeedConfig struct {
	// URI is the AT-URI of the feed generator record.
	URI string

	// AdminDID is the administrative account. Following it registers the
	// follower; unfollowing it expires them.
	AdminDID string

	// Keywords is the policy post text is matched against.
	Keywords *KeywordPolicy
}

// NewFeedURI builds the AT-URI of a feed generator record.
func NewFeedURI(publisherDID, feedName string) string {
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", publisherDID, feedName)
}

// Option configures a FeedService.
type Option func(*FeedService)

// WithClock sets the clock used for indexing and expiry timestamps.
func WithClock(clk clock.Clock) Option {
	return func(s *FeedService) {
		s.clock = clk
	}
}

// FeedService is the core domain service. It owns the business logic for
// classifying incoming events, maintaining the author registration lifecycle,
// and serving feed skeletons.
type FeedService struct {
	feedURI  string
	adminDID string
	keywords *KeywordPolicy
	store    Store
	clock    clock.Clock
	logger   *slog.Logger
}

// NewFeedService creates a FeedService for the given feed configuration.
func NewFeedService(cfg FeedConfig, store Store, logger *slog.Logger, opts ...Option) (*FeedService, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("feed URI is required")
	}
	if cfg.AdminDID == "" {
		return nil, fmt.Errorf("feed %s: admin DID is required", cfg.URI)
	}
	if cfg.Keywords == nil {
		return nil, fmt.Errorf("feed %s: keyword policy is required", cfg.URI)
	}

	s := &FeedService{
		feedURI:  cfg.URI,
		adminDID: cfg.AdminDID,
		keywords: cfg.Keywords,
		store:    store,
		clock:    clock.WallClock,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// FeedURIs returns the AT-URIs of all registered feeds.
func (s *FeedService) FeedURIs() []string {
	return []string{s.feedURI}
}

// DescribeGenerator returns the describeFeedGenerator body for serviceDID.
func (s *FeedService) DescribeGenerator(serviceDID string) GeneratorDescription {
	uris := s.FeedURIs()
	feeds := make([]FeedDescription, len(uris))
	for i, uri := range uris {
		feeds[i] = FeedDescription{URI: uri}
	}
	return GeneratorDescription{DID: serviceDID, Feeds: feeds}
}

// GetCursor retrieves the last-processed firehose cursor for the given service.
func (s *FeedService) GetCursor(ctx context.Context, service string) (int64, error) {
	return s.store.GetCursor(ctx, service)
}

// UpdateCursor persists the firehose cursor for the given service.
func (s *FeedService) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	return s.store.UpdateCursor(ctx, service, cursor)
}

// GetFeedSkeleton returns a page of the feed skeleton for the given feed URI.
// An empty cursor requests the first page. A malformed cursor yields an error
// wrapping ErrMalformedCursor.
func (s *FeedService) GetFeedSkeleton(ctx context.Context, feedURI string, limit int, cursor string) (*FeedSkeleton, error) {
	s.logger.Debug("GetFeedSkeleton called", "feedURI", feedURI, "limit", limit, "cursor", cursor)

	if feedURI != s.feedURI {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, feedURI)
	}
	if limit <= 0 {
		limit = DefaultFeedLimit
	}

	var before *FeedCursor
	if cursor != "" {
		decoded, err := DecodeFeedCursor(cursor)
		if err != nil {
			return nil, err
		}
		before = &decoded
	}

	posts, err := s.store.GetFeedPosts(ctx, limit, before)
	if err != nil {
		s.logger.Error("repository query failed", "feedURI", feedURI, "limit", limit, "cursor", cursor, "error", err)
		return nil, fmt.Errorf("get feed posts: %w", err)
	}

	skeleton := &FeedSkeleton{
		Posts: make([]SkeletonPost, len(posts)),
	}
	for i, p := range posts {
		skeleton.Posts[i] = SkeletonPost{Post: p.URI}
	}
	if len(posts) == limit {
		last := posts[len(posts)-1]
		skeleton.Cursor = EncodeFeedCursor(last.SortTime(), last.CID)
	}

	s.logger.Debug("repository query succeeded", "posts_count", len(posts), "next_cursor", skeleton.Cursor)
	return skeleton, nil
}

// StartCleanupJob runs a background loop that removes posts older than maxAge
// and caps the total at maxRows. It runs immediately on start and then repeats
// at the given interval. It blocks until ctx is cancelled.
func (s *FeedService) StartCleanupJob(ctx context.Context, interval time.Duration, maxAge time.Duration, maxRows int) {
	s.runCleanup(ctx, maxAge, maxRows)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
			s.runCleanup(ctx, maxAge, maxRows)
		}
	}
}

func (s *FeedService) runCleanup(ctx context.Context, maxAge time.Duration, maxRows int) {
	deleted, err := s.store.DeleteOldPosts(ctx, maxAge, maxRows)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("post cleanup failed", "error", err)
		}
	} else if deleted > 0 {
		s.logger.Info("post cleanup complete", "deleted", deleted)
	}
}

func (s *FeedService) now() time.Time {
	return s.clock.Now().UTC()
}
