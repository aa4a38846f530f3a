package watcher

import (
	"fmt"
	"os"
)

// Fingerprint identifies the file behind a path independent of its name, so
// that rename-based rotation is detected even when a new file reappears at
// the same path. On unix it is the device and inode pair; elsewhere a
// path-derived token is used and rotation detection falls back to size
// heuristics (see fingerprint_fallback.go).
type Fingerprint struct {
	Dev uint64
	Ino uint64
}

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f.Dev == 0 && f.Ino == 0
}

// String renders the fingerprint as a stable token usable as a cache key part.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%x:%x", f.Dev, f.Ino)
}

// Observe stats the path and returns its current observation. A missing file
// is not an error; it is an observation with Present == false.
func Observe(path string) (Observation, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Observation{}, nil
		}
		return Observation{}, fmt.Errorf("stat %s failed: %w", path, err)
	}
	if info.IsDir() {
		return Observation{}, fmt.Errorf("stat %s: is a directory", path)
	}
	return Observation{
		Present:  true,
		Identity: fingerprintOf(path, info),
		Size:     info.Size(),
	}, nil
}
