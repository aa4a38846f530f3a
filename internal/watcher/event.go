// Package watcher turns raw filesystem notifications into a small closed set
// of semantic change events per watched path.
//
// Raw events from fsnotify are noisy and may be coalesced or dropped, so they
// are treated as advisory: the adapter debounces a burst, re-stats the file,
// and classifies the net state change against the previously observed state.
// A poll ticker runs the same stat/classify cycle as a safety net for
// notifications that never arrive.
package watcher

import "fmt"

// Op is the semantic kind of a change event.
type Op uint8

const (
	// OpAppended means bytes were added at the end; Size carries the new length.
	OpAppended Op = iota + 1
	// OpTruncated means the file shrank in place; Size carries the new length.
	OpTruncated
	// OpRemoved means the watched path currently has no backing file. It is
	// also the terminal event when the watch itself fails unrecoverably, in
	// which case the stream closes right after it.
	OpRemoved
	// OpReplaced means a different file now backs the path; Identity and Size
	// describe the new file. Covers rename-based rotation.
	OpReplaced
)

// String returns the op name for logging.
func (o Op) String() string {
	switch o {
	case OpAppended:
		return "appended"
	case OpTruncated:
		return "truncated"
	case OpRemoved:
		return "removed"
	case OpReplaced:
		return "replaced"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Event is one semantic filesystem transition for a watched path. Events for
// one path are delivered in order and consumed exactly once.
type Event struct {
	Op       Op
	Size     int64       // new byte length; valid for Appended, Truncated, Replaced
	Identity Fingerprint // new identity; valid for Replaced
}

// Observation is the stat-derived state of a watched path at one instant.
// Classification compares two consecutive observations.
type Observation struct {
	Present  bool
	Identity Fingerprint
	Size     int64
}
