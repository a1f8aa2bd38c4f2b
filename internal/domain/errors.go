package domain

import "errors"

var (
	// ErrNotFound is returned by repositories when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMalformedCursor is returned when a client-supplied feed cursor
	// cannot be parsed.
	ErrMalformedCursor = errors.New("malformed cursor")

	// ErrUnknownFeed is returned when a feed URI is not served here.
	ErrUnknownFeed = errors.New("unknown feed")
)
