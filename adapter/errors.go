package adapter

import "errors"

// ErrSessionBusy is returned by Prompt when the session already has a turn
// in flight. Concurrent turns on one session are rejected, not queued.
var ErrSessionBusy = errors.New("session has a turn in flight")
