package control

import "errors"

// Sentinel errors for the registry.
var (
	ErrRequestNotFound  = errors.New("control request not found")
	ErrDuplicateRequest = errors.New("control request id already registered")
)
