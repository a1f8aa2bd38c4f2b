package domain

import (
	"context"
	"time"
)

// PostRepository defines persistence operations for indexed posts.
type PostRepository interface {
	// CreatePost inserts a new post. Inserting a URI that already exists is
	// a no-op.
	CreatePost(ctx context.Context, post *Post) error

	// DeletePost removes a post by its AT-URI. Deleting a missing post is a
	// no-op.
	DeletePost(ctx context.Context, uri string) error

	// PostExists reports whether a post with the given AT-URI is indexed.
	PostExists(ctx context.Context, uri string) (bool, error)

	// DeleteOldPosts removes posts older than maxAge and any excess rows beyond
	// maxRows, keeping the most recent posts. Returns the number of rows deleted.
	DeleteOldPosts(ctx context.Context, maxAge time.Duration, maxRows int) (int64, error)

	// GetFeedPosts retrieves up to limit posts ordered by sort time and CID
	// descending. When before is non-nil only posts strictly before it are
	// returned.
	GetFeedPosts(ctx context.Context, limit int, before *FeedCursor) ([]Post, error)
}

// UserRepository defines persistence operations for registered users.
type UserRepository interface {
	// GetUser returns the user with the given DID, or ErrNotFound.
	GetUser(ctx context.Context, did string) (*RegisteredUser, error)

	// EnsureUser creates a permanently active user if none exists. An
	// existing user is left untouched. Returns true if a row was created.
	EnsureUser(ctx context.Context, did string, now time.Time) (bool, error)

	// RegisterUser creates the user or clears the expiry of an existing one.
	// Returns true if a row was created.
	RegisterUser(ctx context.Context, did string, now time.Time) (bool, error)

	// ExpireUser sets the user's expiry. Missing users are ignored.
	ExpireUser(ctx context.Context, did string, expiresAt time.Time) error
}

// FollowRepository defines persistence operations for follow edges.
type FollowRepository interface {
	// CreateFollow inserts a follow edge. Inserting a URI that already exists
	// is a no-op.
	CreateFollow(ctx context.Context, follow *FollowEdge) error

	// GetFollow returns the edge with the given AT-URI, or ErrNotFound.
	GetFollow(ctx context.Context, uri string) (*FollowEdge, error)

	// DeleteFollow removes a follow edge by AT-URI.
	DeleteFollow(ctx context.Context, uri string) error
}

// CursorRepository defines persistence operations for firehose cursors.
type CursorRepository interface {
	// GetCursor retrieves the last-processed firehose cursor for the given
	// service name. Returns 0 if no cursor has been saved.
	GetCursor(ctx context.Context, service string) (int64, error)

	// UpdateCursor persists the firehose cursor so we can resume on restart.
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}

// Store is the full durable index.
type Store interface {
	PostRepository
	UserRepository
	FollowRepository
	CursorRepository
}
