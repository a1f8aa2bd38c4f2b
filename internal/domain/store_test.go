package domain

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store used by the domain tests.
type memStore struct {
	mu      sync.Mutex
	posts   map[string]Post
	users   map[string]RegisteredUser
	follows map[string]FollowEdge
	cursors map[string]int64

	// failGetUser makes GetUser return this error when set.
	failGetUser error
}

func newMemStore() *memStore {
	return &memStore{
		posts:   make(map[string]Post),
		users:   make(map[string]RegisteredUser),
		follows: make(map[string]FollowEdge),
		cursors: make(map[string]int64),
	}
}

func (m *memStore) CreatePost(_ context.Context, post *Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[post.URI]; !ok {
		m.posts[post.URI] = *post
	}
	return nil
}

func (m *memStore) DeletePost(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.posts, uri)
	return nil
}

func (m *memStore) PostExists(_ context.Context, uri string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.posts[uri]
	return ok, nil
}

func (m *memStore) DeleteOldPosts(_ context.Context, maxAge time.Duration, _ int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	cutoff := time.Now().Add(-maxAge)
	for uri, p := range m.posts {
		if p.IndexedAt.Before(cutoff) {
			delete(m.posts, uri)
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetFeedPosts(_ context.Context, limit int, before *FeedCursor) ([]Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	posts := make([]Post, 0, len(m.posts))
	for _, p := range m.posts {
		if before != nil && !postBefore(p, before.Time, before.CID) {
			continue
		}
		posts = append(posts, p)
	}
	sort.Slice(posts, func(i, j int) bool {
		ti, tj := posts[i].SortTime(), posts[j].SortTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return posts[i].CID > posts[j].CID
	})
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func postBefore(p Post, t time.Time, cid string) bool {
	st := p.SortTime().Truncate(time.Microsecond)
	if st.Equal(t) {
		return p.CID < cid
	}
	return st.Before(t)
}

func (m *memStore) GetUser(_ context.Context, did string) (*RegisteredUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGetUser != nil {
		return nil, m.failGetUser
	}
	u, ok := m.users[did]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *memStore) EnsureUser(_ context.Context, did string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[did]; ok {
		return false, nil
	}
	m.users[did] = RegisteredUser{DID: did, IndexedAt: now, LastUpdated: now}
	return true, nil
}

func (m *memStore) RegisterUser(_ context.Context, did string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[did]
	if !ok {
		m.users[did] = RegisteredUser{DID: did, IndexedAt: now, LastUpdated: now}
		return true, nil
	}
	u.ExpiresAt = nil
	u.LastUpdated = now
	m.users[did] = u
	return false, nil
}

func (m *memStore) ExpireUser(_ context.Context, did string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[did]
	if !ok {
		return nil
	}
	u.ExpiresAt = &expiresAt
	m.users[did] = u
	return nil
}

func (m *memStore) CreateFollow(_ context.Context, follow *FollowEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.follows[follow.URI]; !ok {
		m.follows[follow.URI] = *follow
	}
	return nil
}

func (m *memStore) GetFollow(_ context.Context, uri string) (*FollowEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.follows[uri]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (m *memStore) DeleteFollow(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.follows, uri)
	return nil
}

func (m *memStore) GetCursor(_ context.Context, service string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[service], nil
}

func (m *memStore) UpdateCursor(_ context.Context, service string, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[service] = cursor
	return nil
}

var errStoreDown = errors.New("store down")
