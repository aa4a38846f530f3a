//go:build unix

package watcher

import (
	"os"
	"syscall"
)

// fingerprintOf derives the identity from the device and inode numbers.
func fingerprintOf(path string, info os.FileInfo) Fingerprint {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return Fingerprint{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}
	}
	return fallbackFingerprint(path)
}
