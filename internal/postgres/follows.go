package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/blackmichael/flatlanders-feed/internal/domain"
)

// CreateFollow inserts a follow edge. Duplicate URIs are ignored.
func (r *Repository) CreateFollow(ctx context.Context, follow *domain.FollowEdge) error {
	const q = `
INSERT INTO follows (uri, cid, subject_did, author_did)
VALUES ($1, $2, $3, $4)
ON CONFLICT (uri) DO NOTHING`

	if _, err := r.db.Pool.Exec(ctx, q, follow.URI, nullable(follow.CID), follow.SubjectDID, follow.AuthorDID); err != nil {
		return fmt.Errorf("insert follow: %w", err)
	}
	return nil
}

// GetFollow selects a follow edge by URI.
func (r *Repository) GetFollow(ctx context.Context, uri string) (*domain.FollowEdge, error) {
	const q = `SELECT uri, cid, subject_did, author_did FROM follows WHERE uri = $1`

	var (
		f   domain.FollowEdge
		cid *string
	)
	err := r.db.Pool.QueryRow(ctx, q, uri).Scan(&f.URI, &cid, &f.SubjectDID, &f.AuthorDID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get follow: %w", err)
	}
	f.CID = deref(cid)
	return &f, nil
}

// DeleteFollow removes a follow edge by URI.
func (r *Repository) DeleteFollow(ctx context.Context, uri string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM follows WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	return nil
}
