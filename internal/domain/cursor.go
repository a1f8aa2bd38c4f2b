package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const cursorSeparator = "::"

// FeedCursor is the decoded position of the last item of a feed page.
type FeedCursor struct {
	Time time.Time
	CID  string
}

// EncodeFeedCursor renders a cursor as "<epochSeconds>::<cid>". Seconds carry
// a six digit fractional part so that posts within the same second page
// correctly.
func EncodeFeedCursor(t time.Time, cid string) string {
	return fmt.Sprintf("%d.%06d%s%s", t.Unix(), t.Nanosecond()/1000, cursorSeparator, cid)
}

// String implements fmt.Stringer using the wire encoding.
func (c FeedCursor) String() string {
	return EncodeFeedCursor(c.Time, c.CID)
}

// DecodeFeedCursor parses a cursor produced by EncodeFeedCursor. Integer
// seconds and fractional seconds of any precision are accepted; precision
// beyond microseconds is truncated.
func DecodeFeedCursor(s string) (FeedCursor, error) {
	ts, cid, ok := strings.Cut(s, cursorSeparator)
	if !ok {
		return FeedCursor{}, fmt.Errorf("%w: %q: missing %q separator", ErrMalformedCursor, s, cursorSeparator)
	}
	if ts == "" || cid == "" {
		return FeedCursor{}, fmt.Errorf("%w: %q: empty timestamp or cid", ErrMalformedCursor, s)
	}

	secPart, fracPart, hasFrac := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return FeedCursor{}, fmt.Errorf("%w: %q: invalid seconds: %v", ErrMalformedCursor, s, err)
	}

	var usec int64
	if hasFrac {
		if fracPart == "" || !isDigits(fracPart) {
			return FeedCursor{}, fmt.Errorf("%w: %q: invalid fractional seconds", ErrMalformedCursor, s)
		}
		if len(fracPart) > 6 {
			fracPart = fracPart[:6]
		}
		fracPart += strings.Repeat("0", 6-len(fracPart))
		usec, _ = strconv.ParseInt(fracPart, 10, 64)
	}

	return FeedCursor{
		Time: time.Unix(sec, usec*int64(time.Microsecond)).UTC(),
		CID:  cid,
	}, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
