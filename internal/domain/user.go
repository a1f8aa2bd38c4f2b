package domain

import "time"

// RegisteredUser is an author whose posts are eligible for the feed.
//
// Activity is derived from ExpiresAt alone: nil means permanently active, a
// future time means active until then, a past time means expired.
type RegisteredUser struct {
	DID         string
	IndexedAt   time.Time
	LastUpdated time.Time
	ExpiresAt   *time.Time
}

// IsActive reports whether the user is active at now.
func (u *RegisteredUser) IsActive(now time.Time) bool {
	return u.ExpiresAt == nil || u.ExpiresAt.After(now)
}

// FollowEdge records a follow of the administrative account.
type FollowEdge struct {
	URI        string
	CID        string
	SubjectDID string
	AuthorDID  string
}
