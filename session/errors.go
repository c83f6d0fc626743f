package session

import "errors"

// Sentinel errors for store lookups.
var (
	ErrNotFound = errors.New("session not found")
	ErrClosed   = errors.New("store is closed")
)
