package persistence

import "errors"

var (
	ErrInvalidSessionExpiryInterval = errors.New("session expiry interval out of range")
	ErrInvalidCursor                = errors.New("invalid chunk cursor")
	ErrInvalidChunkSize             = errors.New("chunk size must be positive")
)
