package jetstream

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/blackmichael/flatlanders-feed/internal/domain"
)

// ErrDecode is wrapped by every error returned from Decode. Decode faults
// affect a single message only.
var ErrDecode = errors.New("decode event")

// Decode turns one raw Jetstream message into a domain event. Unknown kinds
// and operations decode to their Unknown values rather than failing.
func Decode(data []byte) (*domain.Event, error) {
	var raw jetstreamEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: unmarshal event: %w", ErrDecode, err)
	}
	if raw.DID == "" || raw.TimeUS <= 0 {
		return nil, fmt.Errorf("%w: missing did or time_us", ErrDecode)
	}

	evt := &domain.Event{
		Author:    raw.DID,
		Kind:      domain.ParseEventKind(raw.Kind),
		Operation: domain.OpUnknown,
		TimeUS:    raw.TimeUS,
	}
	if evt.Kind != domain.KindCommit {
		return evt, nil
	}

	if raw.Commit == nil {
		return nil, fmt.Errorf("%w: commit event %d without commit body", ErrDecode, raw.TimeUS)
	}
	commit := raw.Commit
	evt.Operation = domain.ParseOperation(commit.Operation)
	evt.Collection = commit.Collection
	evt.RKey = commit.RKey
	evt.CID = commit.CID

	if hasRecord(commit.Record) {
		record, err := decodeRecord(commit.Record)
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s record: %w", ErrDecode, commit.Collection, commit.RKey, err)
		}
		evt.Record = record
	}

	return evt, nil
}

func hasRecord(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func decodeRecord(raw json.RawMessage) (*domain.Record, error) {
	var fields recordFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	record := &domain.Record{
		Type:  fields.Type,
		Text:  fields.Text,
		Langs: fields.Langs,
	}
	if t, ok := parseCreatedAt(fields.CreatedAt); ok {
		record.CreatedAt = &t
	}
	if fields.Reply != nil {
		record.ReplyParent = fields.Reply.Parent.URI
		record.ReplyRoot = fields.Reply.Root.URI
	}
	record.Subject = decodeSubject(fields.Subject)

	return record, nil
}

// parseCreatedAt parses a record timestamp. Clients write these, so a bad
// value is treated as absent.
func parseCreatedAt(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// decodeSubject handles both follow subjects (a bare DID string) and
// like/repost subjects (a strong ref).
func decodeSubject(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var did string
		if err := json.Unmarshal(raw, &did); err == nil {
			return did
		}
	case '{':
		var ref strongRef
		if err := json.Unmarshal(raw, &ref); err == nil {
			return ref.URI
		}
	}
	return ""
}
