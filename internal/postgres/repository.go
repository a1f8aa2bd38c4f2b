package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/blackmichael/flatlanders-feed/internal/domain"
)

// Repository implements domain.Store using PostgreSQL.
type Repository struct {
	db  *DB
	now func() time.Time
}

var _ domain.Store = (*Repository)(nil)

// NewRepository returns a Repository over db.
func NewRepository(db *DB) *Repository {
	return &Repository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreatePost inserts a new post. Duplicate URIs are ignored.
func (r *Repository) CreatePost(ctx context.Context, post *domain.Post) error {
	const q = `
INSERT INTO posts (uri, cid, author_did, author, text, reply_parent, reply_root, created_at, indexed_at, is_keyword_match)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (uri) DO NOTHING`

	_, err := r.db.Pool.Exec(ctx, q,
		post.URI,
		post.CID,
		post.AuthorDID,
		nullable(post.Author),
		post.Text,
		nullable(post.ReplyParent),
		nullable(post.ReplyRoot),
		post.CreatedAt,
		post.IndexedAt,
		post.IsKeywordMatch,
	)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

// DeletePost removes a post by URI.
func (r *Repository) DeletePost(ctx context.Context, uri string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM posts WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return nil
}

// PostExists reports whether the post is indexed.
func (r *Repository) PostExists(ctx context.Context, uri string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM posts WHERE uri = $1)`, uri).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check post: %w", err)
	}
	return exists, nil
}

const selectPosts = `
SELECT uri, cid, author_did, author, text, reply_parent, reply_root, created_at, indexed_at, is_keyword_match
FROM posts`

// GetFeedPosts retrieves a page of posts ordered by sort time then CID,
// newest first.
func (r *Repository) GetFeedPosts(ctx context.Context, limit int, before *domain.FeedCursor) ([]domain.Post, error) {
	var (
		rows pgx.Rows
		err  error
	)

	if before != nil {
		rows, err = r.db.Pool.Query(ctx, selectPosts+`
WHERE (COALESCE(created_at, indexed_at), cid) < ($1, $2)
ORDER BY COALESCE(created_at, indexed_at) DESC, cid DESC
LIMIT $3`,
			before.Time, before.CID, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("query posts with cursor (time=%v, cid=%s, limit=%d): %w", before.Time, before.CID, limit, err)
		}
	} else {
		rows, err = r.db.Pool.Query(ctx, selectPosts+`
ORDER BY COALESCE(created_at, indexed_at) DESC, cid DESC
LIMIT $1`,
			limit,
		)
		if err != nil {
			return nil, fmt.Errorf("query posts without cursor (limit=%d): %w", limit, err)
		}
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		var (
			p                    domain.Post
			author, parent, root *string
		)
		err := rows.Scan(
			&p.URI,
			&p.CID,
			&p.AuthorDID,
			&author,
			&p.Text,
			&parent,
			&root,
			&p.CreatedAt,
			&p.IndexedAt,
			&p.IsKeywordMatch,
		)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.Author = deref(author)
		p.ReplyParent = deref(parent)
		p.ReplyRoot = deref(root)
		posts = append(posts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}

	return posts, nil
}

// DeleteOldPosts removes posts indexed more than maxAge ago and any excess
// rows beyond maxRows. A non-positive limit disables that half.
func (r *Repository) DeleteOldPosts(ctx context.Context, maxAge time.Duration, maxRows int) (deleted int64, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			deleted, err = 0, fmt.Errorf("commit transaction: %w", e)
		}
	}()

	if maxAge > 0 {
		tag, err := tx.Exec(ctx, `DELETE FROM posts WHERE indexed_at < $1`, r.now().Add(-maxAge))
		if err != nil {
			return 0, fmt.Errorf("delete expired posts: %w", err)
		}
		deleted += tag.RowsAffected()
	}

	if maxRows > 0 {
		tag, err := tx.Exec(ctx, `
DELETE FROM posts WHERE uri IN (
	SELECT uri FROM posts
	ORDER BY COALESCE(created_at, indexed_at) DESC, cid DESC
	OFFSET $1
)`, maxRows)
		if err != nil {
			return 0, fmt.Errorf("delete excess posts: %w", err)
		}
		deleted += tag.RowsAffected()
	}

	return deleted, nil
}

// GetCursor retrieves the saved firehose cursor for a service.
func (r *Repository) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT cursor_value FROM cursors WHERE service = $1`, service,
	).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	return cursor, nil
}

// UpdateCursor upserts the firehose cursor for a service.
func (r *Repository) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := r.db.Pool.Exec(ctx, `
INSERT INTO cursors (service, cursor_value, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (service) DO UPDATE SET cursor_value = EXCLUDED.cursor_value, updated_at = EXCLUDED.updated_at`,
		service, cursor, r.now(),
	)
	if err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}
	return nil
}
