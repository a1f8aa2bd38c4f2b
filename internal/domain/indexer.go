package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// unfollowExpiry is how far in the past an unfollowing user's expiry is set.
const unfollowExpiry = 24 * time.Hour

// ProcessEvent decides whether an event mutates the index and applies the
// mutation. Only post and follow commits are handled; everything else is
// ignored. Every mutation is idempotent so redelivered events are harmless.
func (s *FeedService) ProcessEvent(ctx context.Context, evt *Event) error {
	if !evt.IsCommit() {
		return nil
	}

	switch evt.Collection {
	case CollectionPost:
		switch evt.Operation {
		case OpCreate:
			return s.processCreatedPost(ctx, evt)
		case OpDelete:
			return s.processDeletedPost(ctx, evt)
		}
	case CollectionFollow:
		switch evt.Operation {
		case OpCreate:
			return s.processCreatedFollow(ctx, evt)
		case OpDelete:
			return s.processDeletedFollow(ctx, evt)
		}
	}
	return nil
}

func (s *FeedService) processCreatedPost(ctx context.Context, evt *Event) error {
	uri, ok := evt.URI()
	if !ok || evt.Record == nil {
		return nil
	}

	author, err := s.store.GetUser(ctx, evt.Author)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("post %s: get author: %w", uri, err)
		}
		author = nil
	}

	keywordMatch := s.keywords.Match(evt.Text())
	if author == nil && !keywordMatch {
		return nil
	}

	now := s.now()

	if keywordMatch {
		if author == nil {
			created, err := s.store.EnsureUser(ctx, evt.Author, now)
			if err != nil {
				return fmt.Errorf("post %s: register author: %w", uri, err)
			}
			if created {
				s.logger.Info("new author registered", "did", evt.Author)
			}
		}
		s.logger.Info("indexing post from keyword match", "uri", uri)
		return s.indexPost(ctx, newPostFromEvent(evt, evt.Author, true, now))
	}

	if !author.IsActive(now) {
		return nil
	}

	// Replies are only indexed when their parent already is.
	if parent, ok := evt.ReplyParentURI(); ok {
		exists, err := s.store.PostExists(ctx, parent)
		if err != nil {
			return fmt.Errorf("post %s: check reply parent: %w", uri, err)
		}
		if !exists {
			s.logger.Debug("dropping reply to unindexed post", "uri", uri, "parent", parent)
			return nil
		}
	}

	s.logger.Info("indexing post from registered author", "uri", uri, "did", evt.Author)
	return s.indexPost(ctx, newPostFromEvent(evt, author.DID, false, now))
}

func (s *FeedService) indexPost(ctx context.Context, post *Post) error {
	if err := s.store.CreatePost(ctx, post); err != nil {
		return fmt.Errorf("post %s: create post: %w", post.URI, err)
	}
	return nil
}

func (s *FeedService) processDeletedPost(ctx context.Context, evt *Event) error {
	uri, ok := evt.URI()
	if !ok {
		return nil
	}
	if err := s.store.DeletePost(ctx, uri); err != nil {
		return fmt.Errorf("post %s: delete post: %w", uri, err)
	}
	return nil
}

func (s *FeedService) processCreatedFollow(ctx context.Context, evt *Event) error {
	subject, ok := evt.SubjectURI()
	if !ok || subject != s.adminDID {
		return nil
	}
	uri, ok := evt.URI()
	if !ok {
		return nil
	}

	s.logger.Info("user followed feed admin", "did", evt.Author)

	follow := &FollowEdge{
		URI:        uri,
		CID:        evt.CID,
		SubjectDID: subject,
		AuthorDID:  evt.Author,
	}
	if err := s.store.CreateFollow(ctx, follow); err != nil {
		return fmt.Errorf("follow %s: create follow: %w", uri, err)
	}

	created, err := s.store.RegisterUser(ctx, evt.Author, s.now())
	if err != nil {
		return fmt.Errorf("follow %s: register user: %w", uri, err)
	}
	if created {
		s.logger.Info("new user registered", "did", evt.Author)
	} else {
		s.logger.Info("user re-registered", "did", evt.Author)
	}
	return nil
}

func (s *FeedService) processDeletedFollow(ctx context.Context, evt *Event) error {
	uri, ok := evt.URI()
	if !ok {
		return nil
	}

	follow, err := s.store.GetFollow(ctx, uri)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("follow %s: get follow: %w", uri, err)
	}

	if err := s.store.DeleteFollow(ctx, uri); err != nil {
		return fmt.Errorf("follow %s: delete follow: %w", uri, err)
	}

	if follow.SubjectDID != s.adminDID {
		return nil
	}
	if err := s.store.ExpireUser(ctx, follow.AuthorDID, s.now().Add(-unfollowExpiry)); err != nil {
		return fmt.Errorf("follow %s: expire user: %w", uri, err)
	}
	s.logger.Info("user expired via unfollow", "did", follow.AuthorDID)
	return nil
}
