package domain

import (
	"fmt"
	"time"
)

// AT Proto collection NSIDs handled by the indexer.
const (
	CollectionPost   = "app.bsky.feed.post"
	CollectionFollow = "app.bsky.graph.follow"
)

// EventKind is the top-level kind of a Jetstream event.
type EventKind string

const (
	KindCommit   EventKind = "commit"
	KindIdentity EventKind = "identity"
	KindAccount  EventKind = "account"
	KindUnknown  EventKind = "unknown"
)

// ParseEventKind maps a wire value to an EventKind. Unrecognised values map
// to KindUnknown.
func ParseEventKind(s string) EventKind {
	switch k := EventKind(s); k {
	case KindCommit, KindIdentity, KindAccount:
		return k
	default:
		return KindUnknown
	}
}

// Operation is the repository operation carried by a commit event.
type Operation string

const (
	OpCreate  Operation = "create"
	OpUpdate  Operation = "update"
	OpDelete  Operation = "delete"
	OpUnknown Operation = "unknown"
)

// ParseOperation maps a wire value to an Operation. Unrecognised values map
// to OpUnknown.
func ParseOperation(s string) Operation {
	switch op := Operation(s); op {
	case OpCreate, OpUpdate, OpDelete:
		return op
	default:
		return OpUnknown
	}
}

// Event is a single decoded event from the stream. Only the handful of record
// fields the indexer consults are carried; everything else is dropped during
// decoding.
type Event struct {
	// Author is the DID of the repository the event belongs to.
	Author string

	Kind EventKind

	// Operation is only meaningful for KindCommit.
	Operation Operation

	Collection string
	RKey       string
	CID        string

	// TimeUS is the upstream timestamp in microseconds. It doubles as the
	// resume cursor.
	TimeUS int64

	// Record is nil for deletes and non-commit events.
	Record *Record
}

// Record holds the consulted fields of a post or follow record.
type Record struct {
	Type        string
	Text        string
	CreatedAt   *time.Time
	Langs       []string
	ReplyParent string
	ReplyRoot   string

	// Subject is the DID (follows) or AT-URI (likes, reposts) the record
	// points at.
	Subject string
}

// RecordURI builds an AT-URI from its parts.
func RecordURI(did, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}

// IsCommit reports whether the event is a repository commit.
func (e *Event) IsCommit() bool {
	return e.Kind == KindCommit
}

// URI returns the AT-URI of the affected record. Only commit events have one.
func (e *Event) URI() (string, bool) {
	if !e.IsCommit() || e.Collection == "" || e.RKey == "" {
		return "", false
	}
	return RecordURI(e.Author, e.Collection, e.RKey), true
}

// Text returns the record text, or "" when there is none.
func (e *Event) Text() string {
	if e.Record == nil {
		return ""
	}
	return e.Record.Text
}

// CreatedAt returns the wall-clock time embedded in the record.
func (e *Event) CreatedAt() (time.Time, bool) {
	if e.Record == nil || e.Record.CreatedAt == nil {
		return time.Time{}, false
	}
	return *e.Record.CreatedAt, true
}

// ReplyParentURI returns the AT-URI of the post being replied to.
func (e *Event) ReplyParentURI() (string, bool) {
	if e.Record == nil || e.Record.ReplyParent == "" {
		return "", false
	}
	return e.Record.ReplyParent, true
}

// ReplyRootURI returns the AT-URI of the thread root.
func (e *Event) ReplyRootURI() (string, bool) {
	if e.Record == nil || e.Record.ReplyRoot == "" {
		return "", false
	}
	return e.Record.ReplyRoot, true
}

// SubjectURI returns the follow target.
func (e *Event) SubjectURI() (string, bool) {
	if e.Record == nil || e.Record.Subject == "" {
		return "", false
	}
	return e.Record.Subject, true
}

// IsReply reports whether the record is a reply to another post.
func (e *Event) IsReply() bool {
	_, ok := e.ReplyParentURI()
	return ok
}

func (e *Event) String() string {
	return fmt.Sprintf("%d-%s-%s-%s", e.TimeUS, e.Author, e.Kind, e.Operation)
}
