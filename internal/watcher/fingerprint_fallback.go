//go:build !unix

package watcher

import "os"

// fingerprintOf on platforms without stable inode numbers uses a path-derived
// token. The identity then never changes for a given path, so rotation is
// detected only through size decreases; ambiguous cases classify as Replaced,
// which costs a full re-scan but never serves stale offsets.
func fingerprintOf(path string, _ os.FileInfo) Fingerprint {
	return fallbackFingerprint(path)
}
