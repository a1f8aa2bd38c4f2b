// Package sqlite implements the feed index on SQLite for local development
// and single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/blackmichael/flatlanders-feed/internal/domain"
)

// Open opens the database file at path. SQLite allows a single writer, so
// the pool is limited to one connection.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Repository implements domain.Store on SQLite. Times are stored as unix
// microseconds, matching the feed cursor precision.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

var _ domain.Store = (*Repository)(nil)

// NewRepository returns a Repository over db.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: micros(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMicros(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreatePost inserts a new post. Duplicate URIs are ignored.
func (r *Repository) CreatePost(ctx context.Context, post *domain.Post) error {
	query := `
		INSERT INTO posts (uri, cid, author_did, author, text, reply_parent, reply_root, created_at, indexed_at, is_keyword_match)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uri) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		post.URI,
		post.CID,
		post.AuthorDID,
		nullString(post.Author),
		post.Text,
		nullString(post.ReplyParent),
		nullString(post.ReplyRoot),
		nullMicros(post.CreatedAt),
		micros(post.IndexedAt),
		post.IsKeywordMatch,
	)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

// DeletePost removes a post by URI.
func (r *Repository) DeletePost(ctx context.Context, uri string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return nil
}

// PostExists reports whether the post is indexed.
func (r *Repository) PostExists(ctx context.Context, uri string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM posts WHERE uri = ?)`, uri).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check post: %w", err)
	}
	return exists, nil
}

// GetFeedPosts retrieves a page of posts ordered by sort time then CID,
// newest first.
func (r *Repository) GetFeedPosts(ctx context.Context, limit int, before *domain.FeedCursor) ([]domain.Post, error) {
	const selectPosts = `
		SELECT uri, cid, author_did, author, text, reply_parent, reply_root, created_at, indexed_at, is_keyword_match
		FROM posts`

	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = r.db.QueryContext(ctx, selectPosts+`
			WHERE (COALESCE(created_at, indexed_at), cid) < (?, ?)
			ORDER BY COALESCE(created_at, indexed_at) DESC, cid DESC
			LIMIT ?`,
			micros(before.Time), before.CID, limit,
		)
	} else {
		rows, err = r.db.QueryContext(ctx, selectPosts+`
			ORDER BY COALESCE(created_at, indexed_at) DESC, cid DESC
			LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query posts (limit=%d): %w", limit, err)
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		var (
			p                    domain.Post
			author, parent, root sql.NullString
			createdAt            sql.NullInt64
			indexedAt            int64
		)
		err := rows.Scan(
			&p.URI,
			&p.CID,
			&p.AuthorDID,
			&author,
			&p.Text,
			&parent,
			&root,
			&createdAt,
			&indexedAt,
			&p.IsKeywordMatch,
		)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.Author = author.String
		p.ReplyParent = parent.String
		p.ReplyRoot = root.String
		p.CreatedAt = timePtr(createdAt)
		p.IndexedAt = fromMicros(indexedAt)
		posts = append(posts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

// DeleteOldPosts removes posts indexed more than maxAge ago and any excess
// rows beyond maxRows. A non-positive limit disables that half.
func (r *Repository) DeleteOldPosts(ctx context.Context, maxAge time.Duration, maxRows int) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var deleted int64
	if maxAge > 0 {
		res, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE indexed_at < ?`, micros(r.now().Add(-maxAge)))
		if err != nil {
			return 0, fmt.Errorf("delete expired posts: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}

	if maxRows > 0 {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM posts WHERE uri IN (
				SELECT uri FROM posts
				ORDER BY COALESCE(created_at, indexed_at) DESC, cid DESC
				LIMIT -1 OFFSET ?
			)`, maxRows,
		)
		if err != nil {
			return 0, fmt.Errorf("delete excess posts: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return deleted, nil
}

// GetUser selects a registered user by DID.
func (r *Repository) GetUser(ctx context.Context, did string) (*domain.RegisteredUser, error) {
	var (
		u                     domain.RegisteredUser
		indexedAt, lastUpdate int64
		expiresAt             sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT did, indexed_at, last_updated, expires_at FROM registered_users WHERE did = ?`, did,
	).Scan(&u.DID, &indexedAt, &lastUpdate, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.IndexedAt = fromMicros(indexedAt)
	u.LastUpdated = fromMicros(lastUpdate)
	u.ExpiresAt = timePtr(expiresAt)
	return &u, nil
}

// EnsureUser inserts a permanently active user unless one already exists.
func (r *Repository) EnsureUser(ctx context.Context, did string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO registered_users (did, indexed_at, last_updated, expires_at)
		VALUES (?, ?, ?, NULL)
		ON CONFLICT (did) DO NOTHING`,
		did, micros(now), micros(now),
	)
	if err != nil {
		return false, fmt.Errorf("ensure user: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RegisterUser inserts the user or clears the expiry of an existing one.
func (r *Repository) RegisterUser(ctx context.Context, did string, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE registered_users SET expires_at = NULL, last_updated = ? WHERE did = ?`,
		micros(now), did,
	)
	if err != nil {
		return false, fmt.Errorf("reactivate user: %w", err)
	}
	updated, _ := res.RowsAffected()

	if updated == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO registered_users (did, indexed_at, last_updated, expires_at) VALUES (?, ?, ?, NULL)`,
			did, micros(now), micros(now),
		)
		if err != nil {
			return false, fmt.Errorf("insert user: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return updated == 0, nil
}

// ExpireUser sets the expiry of an existing user.
func (r *Repository) ExpireUser(ctx context.Context, did string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE registered_users SET expires_at = ?, last_updated = ? WHERE did = ?`,
		micros(expiresAt), micros(r.now()), did,
	)
	if err != nil {
		return fmt.Errorf("expire user: %w", err)
	}
	return nil
}

// CreateFollow inserts a follow edge. Duplicate URIs are ignored.
func (r *Repository) CreateFollow(ctx context.Context, follow *domain.FollowEdge) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO follows (uri, cid, subject_did, author_did)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (uri) DO NOTHING`,
		follow.URI, nullString(follow.CID), follow.SubjectDID, follow.AuthorDID,
	)
	if err != nil {
		return fmt.Errorf("insert follow: %w", err)
	}
	return nil
}

// GetFollow selects a follow edge by URI.
func (r *Repository) GetFollow(ctx context.Context, uri string) (*domain.FollowEdge, error) {
	var (
		f   domain.FollowEdge
		cid sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT uri, cid, subject_did, author_did FROM follows WHERE uri = ?`, uri,
	).Scan(&f.URI, &cid, &f.SubjectDID, &f.AuthorDID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get follow: %w", err)
	}
	f.CID = cid.String
	return &f, nil
}

// DeleteFollow removes a follow edge by URI.
func (r *Repository) DeleteFollow(ctx context.Context, uri string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM follows WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	return nil
}

// GetCursor retrieves the saved firehose cursor for a service.
func (r *Repository) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE service = ?`, service,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	return cursor, nil
}

// UpdateCursor upserts the firehose cursor for a service.
func (r *Repository) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service) DO UPDATE SET cursor_value = excluded.cursor_value, updated_at = excluded.updated_at`,
		service, cursor, micros(r.now()),
	)
	if err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}
	return nil
}
