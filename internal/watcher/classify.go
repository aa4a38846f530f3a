package watcher

import "hash/fnv"

// classify computes the net semantic event between two consecutive
// observations of the same path. The second result is false when nothing
// actionable changed.
//
// Ambiguity is resolved conservatively: whenever the new state cannot be
// explained as a pure append to the previously seen bytes, the event forces a
// full re-scan (Truncated or Replaced) rather than risking stale offsets.
func classify(prev, cur Observation) (Event, bool) {
	switch {
	case !prev.Present && !cur.Present:
		return Event{}, false

	case prev.Present && !cur.Present:
		return Event{Op: OpRemoved}, true

	case !prev.Present && cur.Present:
		// The path became visible (again). Even if the fingerprint matches
		// the one seen before the gap, the history is unknown.
		return Event{Op: OpReplaced, Identity: cur.Identity, Size: cur.Size}, true
	}

	if cur.Identity != prev.Identity {
		return Event{Op: OpReplaced, Identity: cur.Identity, Size: cur.Size}, true
	}
	if cur.Size > prev.Size {
		return Event{Op: OpAppended, Size: cur.Size}, true
	}
	if cur.Size < prev.Size {
		return Event{Op: OpTruncated, Size: cur.Size}, true
	}

	// Same identity and size. An in-place rewrite of equal length is not
	// detectable from stat alone; the coordinator's tail verification catches
	// the cases that matter for line boundaries.
	return Event{}, false
}

// fallbackFingerprint derives a stable token from the path itself.
func fallbackFingerprint(path string) Fingerprint {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return Fingerprint{Dev: 0, Ino: h.Sum64()}
}
