package errors

import "errors"

// Sync errors. Both are fatal: the client stops instead of continuing
// with an unusable timestamp oracle or a suspected feedback loop.
var (
	ErrMissingLastModified = errors.New("remote objects missing last modified time")
	ErrRunaway             = errors.New("runaway operation loop detected")
)

// Notification errors.
var (
	ErrMalformedMessage = errors.New("malformed notification message")
	ErrUnknownEvent     = errors.New("unknown notification event")
)

// Process and transport errors.
var (
	ErrDirectoryLocked = errors.New("sync directory is locked by another client")
	ErrUnauthorized    = errors.New("unauthorized")
)
