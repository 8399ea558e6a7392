package repository

import "errors"

// ErrSessionClosed is returned when a write targets a session that is no longer open.
var ErrSessionClosed = errors.New("session closed")
