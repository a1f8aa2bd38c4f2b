package domain

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdminDID = "did:plc:admin"
	testFeedURI  = "at://did:plc:publisher/app.bsky.feed.generator/flatlanders"
)

var testNow = time.Date(2024, 11, 14, 22, 25, 0, 0, time.UTC)

func newTestService(t *testing.T) (*FeedService, *memStore) {
	t.Helper()
	policy, err := NewKeywordPolicy(DefaultKeywords)
	require.NoError(t, err)

	store := newMemStore()
	svc, err := NewFeedService(
		FeedConfig{URI: testFeedURI, AdminDID: testAdminDID, Keywords: policy},
		store,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(testclock.NewClock(testNow)),
	)
	require.NoError(t, err)
	return svc, store
}

func postEvent(author, rkey, text string) *Event {
	createdAt := testNow.Add(-time.Minute)
	return &Event{
		Author:     author,
		Kind:       KindCommit,
		Operation:  OpCreate,
		Collection: CollectionPost,
		RKey:       rkey,
		CID:        "cid-" + rkey,
		TimeUS:     testNow.UnixMicro(),
		Record: &Record{
			Type:      CollectionPost,
			Text:      text,
			CreatedAt: &createdAt,
		},
	}
}

func replyEvent(author, rkey, text, parent string) *Event {
	evt := postEvent(author, rkey, text)
	evt.Record.ReplyParent = parent
	evt.Record.ReplyRoot = parent
	return evt
}

func deletePostEvent(author, rkey string) *Event {
	return &Event{
		Author:     author,
		Kind:       KindCommit,
		Operation:  OpDelete,
		Collection: CollectionPost,
		RKey:       rkey,
		TimeUS:     testNow.UnixMicro(),
	}
}

func followEvent(author, rkey, subject string) *Event {
	return &Event{
		Author:     author,
		Kind:       KindCommit,
		Operation:  OpCreate,
		Collection: CollectionFollow,
		RKey:       rkey,
		CID:        "cid-" + rkey,
		TimeUS:     testNow.UnixMicro(),
		Record:     &Record{Type: CollectionFollow, Subject: subject},
	}
}

func unfollowEvent(author, rkey string) *Event {
	return &Event{
		Author:     author,
		Kind:       KindCommit,
		Operation:  OpDelete,
		Collection: CollectionFollow,
		RKey:       rkey,
		TimeUS:     testNow.UnixMicro(),
	}
}

func uriOf(t *testing.T, evt *Event) string {
	t.Helper()
	uri, ok := evt.URI()
	require.True(t, ok)
	return uri
}

func TestProcessEvent_KeywordPostFromUnknownAuthor(t *testing.T) {
	svc, store := newTestService(t)
	evt := postEvent("did:A", "3lawvqfat362m", "Saskatchewan road trip")

	require.NoError(t, svc.ProcessEvent(context.Background(), evt))

	user, ok := store.users["did:A"]
	require.True(t, ok)
	assert.Nil(t, user.ExpiresAt)

	require.Len(t, store.posts, 1)
	post := store.posts[uriOf(t, evt)]
	assert.True(t, post.IsKeywordMatch)
	assert.Equal(t, "did:A", post.AuthorDID)
	assert.Equal(t, "Saskatchewan road trip", post.Text)
	require.NotNil(t, post.CreatedAt)
	assert.Equal(t, testNow.Add(-time.Minute), *post.CreatedAt)
	assert.Equal(t, testNow, post.IndexedAt)
}

func TestProcessEvent_KeywordPostIndexedRegardlessOfRegistration(t *testing.T) {
	past := testNow.Add(-time.Hour)

	tests := []struct {
		name  string
		prior *RegisteredUser
	}{
		{name: "unregistered"},
		{name: "active", prior: &RegisteredUser{DID: "did:A"}},
		{name: "expired", prior: &RegisteredUser{DID: "did:A", ExpiresAt: &past}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t)
			if tt.prior != nil {
				store.users[tt.prior.DID] = *tt.prior
			}

			evt := postEvent("did:A", "rk1", "heading to Regina tomorrow")
			require.NoError(t, svc.ProcessEvent(context.Background(), evt))

			_, ok := store.users["did:A"]
			assert.True(t, ok)
			post, ok := store.posts[uriOf(t, evt)]
			require.True(t, ok)
			assert.True(t, post.IsKeywordMatch)
		})
	}
}

func TestProcessEvent_KeywordMatchDoesNotReactivateExpiredUser(t *testing.T) {
	svc, store := newTestService(t)
	past := testNow.Add(-time.Hour)
	store.users["did:A"] = RegisteredUser{DID: "did:A", ExpiresAt: &past}

	require.NoError(t, svc.ProcessEvent(context.Background(), postEvent("did:A", "rk1", "saskatoon")))

	require.NotNil(t, store.users["did:A"].ExpiresAt)
	assert.Equal(t, past, *store.users["did:A"].ExpiresAt)
}

func TestProcessEvent_NonKeywordPost(t *testing.T) {
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)

	tests := []struct {
		name        string
		prior       *RegisteredUser
		wantIndexed bool
	}{
		{name: "unregistered author is dropped"},
		{name: "permanently active author is indexed", prior: &RegisteredUser{DID: "did:B"}, wantIndexed: true},
		{name: "temporarily active author is indexed", prior: &RegisteredUser{DID: "did:B", ExpiresAt: &future}, wantIndexed: true},
		{name: "expired author is dropped", prior: &RegisteredUser{DID: "did:B", ExpiresAt: &past}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t)
			if tt.prior != nil {
				store.users[tt.prior.DID] = *tt.prior
			}

			evt := postEvent("did:B", "rk1", "Far too qualified and intelligent")
			require.NoError(t, svc.ProcessEvent(context.Background(), evt))

			post, ok := store.posts[uriOf(t, evt)]
			assert.Equal(t, tt.wantIndexed, ok)
			if ok {
				assert.False(t, post.IsKeywordMatch)
				assert.Equal(t, "did:B", post.Author)
			}
			if tt.prior == nil {
				assert.NotContains(t, store.users, "did:B")
			}
		})
	}
}

func TestProcessEvent_ReplyGating(t *testing.T) {
	parent := "at://did:plc:other/app.bsky.feed.post/parent"

	t.Run("reply to unindexed parent from unregistered author", func(t *testing.T) {
		svc, store := newTestService(t)
		evt := replyEvent("did:C", "rk1", "Far too qualified and intelligent", parent)

		require.NoError(t, svc.ProcessEvent(context.Background(), evt))
		assert.Empty(t, store.posts)
	})

	t.Run("reply to unindexed parent from active author", func(t *testing.T) {
		svc, store := newTestService(t)
		store.users["did:C"] = RegisteredUser{DID: "did:C"}
		evt := replyEvent("did:C", "rk1", "agreed", parent)

		require.NoError(t, svc.ProcessEvent(context.Background(), evt))
		assert.Empty(t, store.posts)
	})

	t.Run("reply to indexed parent from active author", func(t *testing.T) {
		svc, store := newTestService(t)
		store.users["did:C"] = RegisteredUser{DID: "did:C"}
		store.posts[parent] = Post{URI: parent, CID: "parent-cid", IndexedAt: testNow}
		evt := replyEvent("did:C", "rk1", "agreed", parent)

		require.NoError(t, svc.ProcessEvent(context.Background(), evt))
		post, ok := store.posts[uriOf(t, evt)]
		require.True(t, ok)
		assert.Equal(t, parent, post.ReplyParent)
		assert.Equal(t, parent, post.ReplyRoot)
	})

	t.Run("keyword reply to unindexed parent is indexed", func(t *testing.T) {
		svc, store := newTestService(t)
		evt := replyEvent("did:C", "rk1", "go riders", parent)
		evt.Record.Text = "rider nation forever"

		require.NoError(t, svc.ProcessEvent(context.Background(), evt))
		assert.Contains(t, store.posts, uriOf(t, evt))
	})
}

func TestProcessEvent_DuplicateCreateIsIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	evt := postEvent("did:A", "rk1", "Saskatchewan")

	require.NoError(t, svc.ProcessEvent(context.Background(), evt))
	require.NoError(t, svc.ProcessEvent(context.Background(), evt))

	assert.Len(t, store.posts, 1)
	assert.Len(t, store.users, 1)
}

func TestProcessEvent_DeletePost(t *testing.T) {
	svc, store := newTestService(t)
	create := postEvent("did:A", "rk1", "Saskatchewan")
	require.NoError(t, svc.ProcessEvent(context.Background(), create))
	require.Len(t, store.posts, 1)

	del := deletePostEvent("did:A", "rk1")
	require.NoError(t, svc.ProcessEvent(context.Background(), del))
	require.NoError(t, svc.ProcessEvent(context.Background(), del))

	assert.NotContains(t, store.posts, uriOf(t, create))
	// Deleting a post never touches the author.
	assert.Contains(t, store.users, "did:A")
}

func TestProcessEvent_FollowAdmin(t *testing.T) {
	past := testNow.Add(-time.Hour)

	tests := []struct {
		name  string
		prior *RegisteredUser
	}{
		{name: "new user"},
		{name: "expired user is re-registered", prior: &RegisteredUser{DID: "did:F", ExpiresAt: &past}},
		{name: "active user stays active", prior: &RegisteredUser{DID: "did:F"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t)
			if tt.prior != nil {
				store.users[tt.prior.DID] = *tt.prior
			}

			evt := followEvent("did:F", "follow1", testAdminDID)
			require.NoError(t, svc.ProcessEvent(context.Background(), evt))
			require.NoError(t, svc.ProcessEvent(context.Background(), evt))

			user, ok := store.users["did:F"]
			require.True(t, ok)
			assert.Nil(t, user.ExpiresAt)

			edge, ok := store.follows[uriOf(t, evt)]
			require.True(t, ok)
			assert.Equal(t, testAdminDID, edge.SubjectDID)
			assert.Equal(t, "did:F", edge.AuthorDID)
			assert.Equal(t, "cid-follow1", edge.CID)
		})
	}
}

func TestProcessEvent_FollowOtherAccountIgnored(t *testing.T) {
	svc, store := newTestService(t)

	require.NoError(t, svc.ProcessEvent(context.Background(), followEvent("did:F", "follow1", "did:plc:someoneelse")))

	assert.Empty(t, store.follows)
	assert.Empty(t, store.users)
}

func TestProcessEvent_UnfollowAdminExpiresUser(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	follow := followEvent("did:F", "follow1", testAdminDID)
	require.NoError(t, svc.ProcessEvent(ctx, follow))
	require.NoError(t, svc.ProcessEvent(ctx, postEvent("did:F", "before", "plain post")))
	require.Len(t, store.posts, 1)

	require.NoError(t, svc.ProcessEvent(ctx, unfollowEvent("did:F", "follow1")))

	assert.NotContains(t, store.follows, uriOf(t, follow))
	user, ok := store.users["did:F"]
	require.True(t, ok, "unfollow must not delete the user row")
	require.NotNil(t, user.ExpiresAt)
	assert.True(t, user.ExpiresAt.Before(testNow))
	assert.False(t, user.IsActive(testNow))

	// Plain posts are no longer indexed, keyword posts still are.
	require.NoError(t, svc.ProcessEvent(ctx, postEvent("did:F", "after", "plain post")))
	assert.Len(t, store.posts, 1)
	require.NoError(t, svc.ProcessEvent(ctx, postEvent("did:F", "kw", "back in Saskatoon")))
	assert.Len(t, store.posts, 2)

	// Re-following reactivates.
	require.NoError(t, svc.ProcessEvent(ctx, followEvent("did:F", "follow2", testAdminDID)))
	assert.Nil(t, store.users["did:F"].ExpiresAt)
}

func TestProcessEvent_UnfollowUnknownEdgeIsNoop(t *testing.T) {
	svc, store := newTestService(t)
	store.users["did:F"] = RegisteredUser{DID: "did:F"}

	require.NoError(t, svc.ProcessEvent(context.Background(), unfollowEvent("did:F", "missing")))

	assert.Nil(t, store.users["did:F"].ExpiresAt)
}

func TestProcessEvent_UnfollowNonAdminEdgeKeepsUserActive(t *testing.T) {
	svc, store := newTestService(t)
	store.users["did:F"] = RegisteredUser{DID: "did:F"}
	evt := unfollowEvent("did:F", "follow1")
	uri := uriOf(t, evt)
	store.follows[uri] = FollowEdge{URI: uri, SubjectDID: "did:plc:someoneelse", AuthorDID: "did:F"}

	require.NoError(t, svc.ProcessEvent(context.Background(), evt))

	assert.NotContains(t, store.follows, uri)
	assert.Nil(t, store.users["did:F"].ExpiresAt)
}

func TestProcessEvent_IgnoredEvents(t *testing.T) {
	tests := []struct {
		name string
		evt  *Event
	}{
		{name: "identity", evt: &Event{Author: "did:A", Kind: KindIdentity, TimeUS: 1}},
		{name: "account", evt: &Event{Author: "did:A", Kind: KindAccount, TimeUS: 1}},
		{name: "like", evt: &Event{
			Author: "did:A", Kind: KindCommit, Operation: OpCreate,
			Collection: "app.bsky.feed.like", RKey: "rk", Record: &Record{Text: "Saskatchewan"},
		}},
		{name: "post update", evt: func() *Event {
			e := postEvent("did:A", "rk", "Saskatchewan")
			e.Operation = OpUpdate
			return e
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t)
			require.NoError(t, svc.ProcessEvent(context.Background(), tt.evt))
			assert.Empty(t, store.posts)
			assert.Empty(t, store.users)
		})
	}
}

func TestProcessEvent_StoreFailureIsReturned(t *testing.T) {
	svc, store := newTestService(t)
	store.failGetUser = errStoreDown

	evt := postEvent("did:A", "rk1", "Saskatchewan")
	err := svc.ProcessEvent(context.Background(), evt)

	require.ErrorIs(t, err, errStoreDown)
	assert.Contains(t, err.Error(), uriOf(t, evt))
	assert.Empty(t, store.posts)
}
