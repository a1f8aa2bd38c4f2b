package domain

import "time"

// Post represents an indexed BlueSky post stored in our database.
type Post struct {
	// URI is the AT-URI of the post (e.g. at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b).
	URI string

	// CID is the content identifier of the record.
	CID string

	// AuthorDID is the DID of the post's author.
	AuthorDID string

	// Author is the DID of the RegisteredUser the post was indexed under.
	// Empty when the post is not linked to a registered user.
	Author string

	// Text is the post body.
	Text string

	// CreatedAt is the time embedded in the record, if any.
	CreatedAt *time.Time

	// IndexedAt is when we indexed this post.
	IndexedAt time.Time

	ReplyParent string
	ReplyRoot   string

	// IsKeywordMatch is set when the post was indexed because its text
	// matched the keyword policy.
	IsKeywordMatch bool
}

// SortTime is the time the post is ordered by in the feed: the record's own
// creation time, falling back to when it was indexed.
func (p *Post) SortTime() time.Time {
	if p.CreatedAt != nil {
		return *p.CreatedAt
	}
	return p.IndexedAt
}

// newPostFromEvent builds the Post row for a create event.
func newPostFromEvent(evt *Event, author string, keywordMatch bool, now time.Time) *Post {
	uri, _ := evt.URI()
	post := &Post{
		URI:            uri,
		CID:            evt.CID,
		AuthorDID:      evt.Author,
		Author:         author,
		Text:           evt.Text(),
		IndexedAt:      now,
		IsKeywordMatch: keywordMatch,
	}
	if t, ok := evt.CreatedAt(); ok {
		post.CreatedAt = &t
	}
	post.ReplyParent, _ = evt.ReplyParentURI()
	post.ReplyRoot, _ = evt.ReplyRootURI()
	return post
}
