package sync

import "errors"

// Transport error classes. Transports wrap one of these around every
// failure so the engine can pick between retry and terminal failure.
var (
	// ErrTransient marks failures worth retrying: timeouts, connection
	// resets, server-side errors.
	ErrTransient = errors.New("transient sync error")
	// ErrPermanent marks failures that will never succeed unchanged:
	// malformed or rejected events.
	ErrPermanent = errors.New("permanent sync error")
	// ErrUnauthorized marks credential failures. Events are kept
	// retryable since fixing credentials fixes every pending event.
	ErrUnauthorized = errors.New("unauthorized")
)

// ErrSyncInProgress is returned when a sync pass is requested while
// another is already running.
var ErrSyncInProgress = errors.New("sync already in progress")
