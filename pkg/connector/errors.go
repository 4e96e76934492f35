// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrStaleConnection    = errors.New("connection stale (read deadline expired)")
	ErrMissingCredentials = errors.New("app id and app secret are required")
	ErrQueueFull          = errors.New("dispatch queue full")
)

// APIError is a non-zero result code reported by the Feishu open platform.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("feishu api error code %d", e.Code)
	}
	return e.Msg
}
