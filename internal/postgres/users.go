package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/blackmichael/flatlanders-feed/internal/domain"
)

// GetUser selects a registered user by DID.
func (r *Repository) GetUser(ctx context.Context, did string) (*domain.RegisteredUser, error) {
	const q = `
SELECT did, indexed_at, last_updated, expires_at
FROM registered_users WHERE did = $1`

	var u domain.RegisteredUser
	err := r.db.Pool.QueryRow(ctx, q, did).Scan(&u.DID, &u.IndexedAt, &u.LastUpdated, &u.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// EnsureUser inserts a permanently active user unless one already exists.
func (r *Repository) EnsureUser(ctx context.Context, did string, now time.Time) (bool, error) {
	const q = `
INSERT INTO registered_users (did, indexed_at, last_updated, expires_at)
VALUES ($1, $2, $2, NULL)
ON CONFLICT (did) DO NOTHING`

	tag, err := r.db.Pool.Exec(ctx, q, did, now)
	if err != nil {
		return false, fmt.Errorf("ensure user: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RegisterUser inserts the user or clears the expiry of an existing one.
func (r *Repository) RegisterUser(ctx context.Context, did string, now time.Time) (bool, error) {
	const q = `
INSERT INTO registered_users (did, indexed_at, last_updated, expires_at)
VALUES ($1, $2, $2, NULL)
ON CONFLICT (did) DO UPDATE SET expires_at = NULL, last_updated = EXCLUDED.last_updated
RETURNING (xmax = 0)`

	var created bool
	if err := r.db.Pool.QueryRow(ctx, q, did, now).Scan(&created); err != nil {
		return false, fmt.Errorf("register user: %w", err)
	}
	return created, nil
}

// ExpireUser sets the expiry of an existing user.
func (r *Repository) ExpireUser(ctx context.Context, did string, expiresAt time.Time) error {
	const q = `UPDATE registered_users SET expires_at = $2, last_updated = $3 WHERE did = $1`

	if _, err := r.db.Pool.Exec(ctx, q, did, expiresAt, r.now()); err != nil {
		return fmt.Errorf("expire user: %w", err)
	}
	return nil
}
