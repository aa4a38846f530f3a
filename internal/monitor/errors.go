package monitor

import "errors"

// Error taxonomy of the read API. All failures are returned as values; no
// path through this package panics.
var (
	// ErrNotIndexedYet means the requested lines exist beyond the index's
	// current watermark. Recoverable: retry after the next change
	// notification.
	ErrNotIndexedYet = errors.New("lines not indexed yet")

	// ErrOutOfRange means the requested line number is at or beyond the
	// current line count. A caller bug, not a transient state.
	ErrOutOfRange = errors.New("line range out of bounds")

	// ErrFileMissing means the watched path currently has no backing file.
	// The watch stays armed and recovers when a file reappears.
	ErrFileMissing = errors.New("watched file is missing")

	// ErrWatchUnavailable means the notification mechanism failed for the
	// path. Fatal to this watch only; the caller must Watch again.
	ErrWatchUnavailable = errors.New("watch unavailable")

	// ErrUnknownHandle means the handle does not refer to an active watch.
	ErrUnknownHandle = errors.New("unknown watch handle")
)
