// Package lineindex maintains a byte-offset table of line boundaries for a
// single file that grows while it is being read.
//
// The index is written by exactly one goroutine (the owning file coordinator)
// and read by any number of concurrent consumers. Readers take a Snapshot,
// which is an immutable view published with an atomic pointer swap, so a
// reader never observes a half-applied update.
package lineindex

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
)

const scanChunkSize = 64 * 1024

var (
	// ErrWatermarkMismatch reports an incremental append whose base offset
	// disagrees with the bytes the index has already scanned.
	ErrWatermarkMismatch = errors.New("append base does not match index watermark")

	// ErrOutOfRange reports a line number outside the indexed line count.
	ErrOutOfRange = errors.New("line number out of range")
)

// Index is the mutable handle. All mutating methods must be called from a
// single goroutine; read methods are safe from any goroutine.
type Index struct {
	snap atomic.Pointer[Snapshot]
}

// Snapshot is an immutable view of the index at one point in time.
type Snapshot struct {
	// starts[i] is the byte offset of the first byte of line i. A trailing
	// entry may belong to a partial line whose terminator has not been seen
	// yet; such a line is not counted by complete.
	starts    []int64
	complete  int
	watermark int64
}

// New creates an empty index.
func New() *Index {
	ix := &Index{}
	ix.snap.Store(&Snapshot{})
	return ix
}

// Snapshot returns the current immutable view.
func (ix *Index) Snapshot() *Snapshot {
	return ix.snap.Load()
}

// LineCount returns the number of complete lines currently indexed.
func (ix *Index) LineCount() int {
	return ix.snap.Load().complete
}

// Watermark returns the byte length up to which the file has been scanned.
func (ix *Index) Watermark() int64 {
	return ix.snap.Load().watermark
}

// AppendScan scans bytes newly appended at base (which must equal the current
// watermark) and records every line boundary found. It returns the offsets of
// line starts discovered by this call.
//
// The tail does not have to end on a line boundary: an unterminated trailing
// line is kept as pending state and completed by a later call. Scanning the
// same byte stream in any chunking yields the same index.
func (ix *Index) AppendScan(tail []byte, base int64) ([]int64, error) {
	cur := ix.snap.Load()
	if base != cur.watermark {
		return nil, fmt.Errorf("%w: base %d, watermark %d", ErrWatermarkMismatch, base, cur.watermark)
	}

	// Appending to the shared slice is safe: published snapshots bound
	// readers by their own length, and there is a single writer.
	starts := cur.starts
	complete := cur.complete
	midLine := len(starts) > complete

	var added []int64
	pos := base
	for _, b := range tail {
		if !midLine {
			starts = append(starts, pos)
			added = append(added, pos)
			midLine = true
		}
		if b == '\n' {
			complete++
			midLine = false
		}
		pos++
	}

	ix.snap.Store(&Snapshot{starts: starts, complete: complete, watermark: pos})
	return added, nil
}

// Reset clears all offsets and pending-partial state. It returns the line
// count that was dropped so the caller can invalidate dependent state.
func (ix *Index) Reset() int {
	prev := ix.snap.Swap(&Snapshot{})
	return prev.complete
}

// FullRescan rebuilds the index from scratch over the given reader. It is the
// recovery path when an append event disagrees with the watermark and the
// incremental history can no longer be trusted.
func (ix *Index) FullRescan(r io.Reader) (int, error) {
	ix.Reset()
	buf := make([]byte, scanChunkSize)
	var base int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, serr := ix.AppendScan(buf[:n], base); serr != nil {
				return 0, serr
			}
			base += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("rescan read failed: %w", err)
		}
	}
	return ix.LineCount(), nil
}

// LineCount returns the number of complete lines in the snapshot. A trailing
// partial line without a terminator is not counted.
func (s *Snapshot) LineCount() int {
	return s.complete
}

// Watermark returns the scanned byte length of the snapshot.
func (s *Snapshot) Watermark() int64 {
	return s.watermark
}

// LineRange returns the byte range [start, end) of complete line i, including
// its terminator bytes. Line numbers at or beyond LineCount are an error so
// the caller can distinguish "not yet indexed" from "does not exist".
func (s *Snapshot) LineRange(i int) (start, end int64, err error) {
	if i < 0 || i >= s.complete {
		return 0, 0, fmt.Errorf("%w: line %d, count %d", ErrOutOfRange, i, s.complete)
	}
	start = s.starts[i]
	if i+1 < len(s.starts) {
		end = s.starts[i+1]
	} else {
		end = s.watermark
	}
	return start, end, nil
}

// LineAt returns the number of the line containing byte position pos, using
// binary search over the recorded starts. The second result is false when pos
// lies outside the scanned range.
func (s *Snapshot) LineAt(pos int64) (int, bool) {
	if pos < 0 || pos >= s.watermark || len(s.starts) == 0 {
		return 0, false
	}
	// First start greater than pos; the line begins one entry earlier.
	i := sort.Search(len(s.starts), func(i int) bool { return s.starts[i] > pos })
	return i - 1, true
}

// pendingPartial reports whether the snapshot ends in an unterminated line.
func (s *Snapshot) pendingPartial() bool {
	return len(s.starts) > s.complete
}

// VerifyTail checks that the byte immediately before the watermark is
// consistent with the index's pending-partial state: if the index believes
// the last scanned byte completed a line, that byte must be a terminator.
// Cheap consistency probe run before trusting an incremental append.
func (s *Snapshot) VerifyTail(r io.ReaderAt) (bool, error) {
	if s.watermark == 0 {
		return true, nil
	}
	var b [1]byte
	if _, err := r.ReadAt(b[:], s.watermark-1); err != nil {
		return false, fmt.Errorf("verify read failed: %w", err)
	}
	if s.pendingPartial() {
		return b[0] != '\n', nil
	}
	return b[0] == '\n', nil
}

// Verify checks every recorded boundary against the file: each line start
// after the first must be preceded by a terminator byte. It returns the index
// of the first inconsistent boundary, or -1 when the index is consistent.
func (s *Snapshot) Verify(r io.ReaderAt) (int, error) {
	var b [1]byte
	for i, start := range s.starts {
		if i == 0 {
			if start != 0 {
				return 0, nil
			}
			continue
		}
		if _, err := r.ReadAt(b[:], start-1); err != nil {
			return i, fmt.Errorf("verify read failed: %w", err)
		}
		if b[0] != '\n' {
			return i, nil
		}
	}
	return -1, nil
}
