package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/AKhranovskiy/logquery/internal/linecache"
	"github.com/AKhranovskiy/logquery/internal/lineindex"
	"github.com/AKhranovskiy/logquery/internal/retry"
	"github.com/AKhranovskiy/logquery/internal/watcher"
)

const (
	scanChunkSize = 64 * 1024

	// prefetchCap bounds how many lines past a requested range a read warms
	// into the cache.
	prefetchCap = 256
)

// Status of a watched file.
type Status uint8

const (
	// StatusActive: the path has a backing file and an index over it.
	StatusActive Status = iota + 1
	// StatusMissing: the path currently has no backing file.
	StatusMissing
)

// String returns the status name for logging.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// view is the read-side state of a watched file, published atomically so
// readers always see a consistent (status, identity, epoch, length) tuple.
type view struct {
	status   Status
	identity watcher.Fingerprint
	epoch    uint64
	length   int64 // last known file length
}

// watchGen hands out a unique generation number per coordinator, so cache
// namespaces never collide across Watch/Unwatch cycles of the same file.
var watchGen atomic.Uint64

// coordinator is the single-writer actor owning one file's index and epoch.
// It drains the file's classified event stream strictly in order; it is the
// only goroutine that mutates the index or bumps the epoch, which is what
// makes the cache's epoch keying race-free for concurrent readers.
type coordinator struct {
	path  string
	gen   uint64
	cache *linecache.Cache
	index *lineindex.Index
	view  atomic.Pointer[view]

	events <-chan watcher.Event
	done   chan struct{}

	subMu   sync.Mutex
	subs    map[uint64]chan Notification
	nextSub uint64
	subsEnd bool
}

// newCoordinator builds the initial state from the track's first observation
// (scanning the file synchronously when it exists) and starts the event loop.
func newCoordinator(path string, cache *linecache.Cache, initial watcher.Observation, events <-chan watcher.Event) *coordinator {
	c := &coordinator{
		path:   path,
		gen:    watchGen.Add(1),
		cache:  cache,
		index:  lineindex.New(),
		events: events,
		done:   make(chan struct{}),
		subs:   make(map[uint64]chan Notification),
	}

	if initial.Present {
		c.view.Store(&view{status: StatusActive, identity: initial.Identity, epoch: 1, length: initial.Size})
		c.scan()
	} else {
		c.view.Store(&view{status: StatusMissing})
	}

	go c.run()
	return c
}

func (c *coordinator) run() {
	for ev := range c.events {
		c.apply(ev)
	}
	close(c.done)
	c.closeSubs()

	if v := c.view.Load(); !v.identity.IsZero() {
		c.cache.Forget(c.cacheFile(v.identity))
	}
}

// cacheFile is the cache namespace for the file's lines. It includes the
// watch generation: epochs restart per coordinator, so the identity alone
// would let a re-watch of the same inode resolve keys cached by an earlier,
// already torn down watch.
func (c *coordinator) cacheFile(id watcher.Fingerprint) string {
	return fmt.Sprintf("%d@%s", c.gen, id)
}

// apply processes one semantic change event. Events arrive strictly in order
// for this file; cross-file ordering does not exist and is not needed.
func (c *coordinator) apply(ev watcher.Event) {
	v := c.view.Load()

	log.Debug().
		Str("path", c.path).
		Stringer("op", ev.Op).
		Uint64("epoch", v.epoch).
		Msg("Applying change event")

	switch ev.Op {
	case watcher.OpAppended:
		if v.status != StatusActive {
			// An append on a file we believe missing means events were lost;
			// rebuild from scratch rather than trusting either side.
			c.reset(v.identity, ev.Size)
			return
		}
		c.grow(ev.Size)

	case watcher.OpTruncated:
		c.reset(v.identity, ev.Size)

	case watcher.OpRemoved:
		if v.status == StatusMissing {
			return
		}
		c.view.Store(&view{status: StatusMissing, identity: v.identity, epoch: v.epoch})
		c.notify(Notification{Kind: NotifyFileMissing, Epoch: v.epoch})

	case watcher.OpReplaced:
		c.reset(ev.Identity, ev.Size)
	}
}

// grow extends the index over bytes appended since the watermark. Any
// disagreement between the event, the index and the file is healed by a full
// re-scan under a new epoch instead of being surfaced as an error.
func (c *coordinator) grow(newLength int64) {
	v := c.view.Load()
	snap := c.index.Snapshot()
	watermark := snap.Watermark()

	if newLength < watermark {
		c.reset(v.identity, newLength)
		return
	}

	f, err := c.open()
	if err != nil {
		log.Warn().Err(err).Str("path", c.path).Msg("Failed to open file for append scan")
		return
	}
	defer f.Close()

	// Cheap probe: if the byte before the watermark no longer agrees with
	// the index, the prefix was rewritten in place.
	if ok, verr := snap.VerifyTail(f); verr != nil || !ok {
		firstBad := -1
		if verr == nil {
			// Full boundary audit, to record where the file diverged.
			firstBad, _ = snap.Verify(f)
		}
		log.Info().
			Str("path", c.path).
			Int64("watermark", watermark).
			Int("first_bad_boundary", firstBad).
			Msg("Index tail no longer matches file, rebuilding")
		c.reset(v.identity, newLength)
		return
	}

	before := snap.LineCount()
	if err := c.scanFrom(f, watermark, newLength); err != nil {
		if errors.Is(err, lineindex.ErrWatermarkMismatch) {
			c.reset(v.identity, newLength)
			return
		}
		log.Warn().Err(err).Str("path", c.path).Msg("Append scan failed")
		return
	}

	c.view.Store(&view{status: StatusActive, identity: v.identity, epoch: v.epoch, length: newLength})

	if after := c.index.LineCount(); after != before {
		c.notify(Notification{Kind: NotifyCountChanged, LineCount: after, Epoch: v.epoch})
	}
}

// reset starts a new epoch: the file's history is no longer an append of
// previously seen bytes. The new view is published before scanning, so
// concurrent readers immediately stop resolving lines under the old epoch.
func (c *coordinator) reset(identity watcher.Fingerprint, length int64) {
	old := c.view.Load()
	next := &view{status: StatusActive, identity: identity, epoch: old.epoch + 1, length: length}

	c.index.Reset()
	c.view.Store(next)
	c.cache.Invalidate(c.cacheFile(identity), next.epoch)
	if old.identity != identity && !old.identity.IsZero() {
		c.cache.Forget(c.cacheFile(old.identity))
	}

	log.Info().
		Str("path", c.path).
		Uint64("epoch", next.epoch).
		Str("identity", identity.String()).
		Msg("File reset, new epoch")

	c.scan()
	c.notify(Notification{Kind: NotifyEpochChanged, LineCount: c.index.LineCount(), Epoch: next.epoch})
}

// scan rebuilds the whole index from the file's current content.
func (c *coordinator) scan() {
	v := c.view.Load()

	f, err := c.open()
	if err != nil {
		log.Warn().Err(err).Str("path", c.path).Msg("Failed to open file for scan")
		c.view.Store(&view{status: StatusMissing, identity: v.identity, epoch: v.epoch})
		return
	}
	defer f.Close()

	n, err := c.index.FullRescan(f)
	if err != nil {
		log.Warn().Err(err).Str("path", c.path).Msg("Full scan failed")
		return
	}

	watermark := c.index.Watermark()
	length := v.length
	if watermark > length {
		length = watermark
	}
	c.view.Store(&view{status: StatusActive, identity: v.identity, epoch: v.epoch, length: length})

	log.Debug().
		Str("path", c.path).
		Int("lines", n).
		Int64("bytes", watermark).
		Msg("Scanned file")
}

// scanFrom feeds the bytes in [from, to) to the index incrementally.
func (c *coordinator) scanFrom(f *os.File, from, to int64) error {
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return fmt.Errorf("seek to %d failed: %w", from, err)
	}

	r := io.LimitReader(f, to-from)
	buf := make([]byte, scanChunkSize)
	base := from
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, serr := c.index.AppendScan(buf[:n], base); serr != nil {
				return serr
			}
			base += int64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("append read failed: %w", err)
		}
	}
}

// open opens the watched file, retrying the brief window during rotation when
// the path has no backing file.
func (c *coordinator) open() (*os.File, error) {
	var f *os.File
	err := retry.Do(context.Background(), retry.DefaultConfig(), func() error {
		var oerr error
		f, oerr = os.Open(c.path)
		return oerr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", c.path, err)
	}
	return f, nil
}

// lines returns decoded text for the line range [from, to).
func (c *coordinator) lines(ctx context.Context, from, to int) ([]string, error) {
	v := c.view.Load()
	if v.status == StatusMissing {
		return nil, fmt.Errorf("%w: %s", ErrFileMissing, c.path)
	}
	if from < 0 || to < from {
		return nil, fmt.Errorf("%w: invalid range [%d,%d)", ErrOutOfRange, from, to)
	}

	snap := c.index.Snapshot()
	count := snap.LineCount()
	if to > count {
		if snap.Watermark() < v.length {
			return nil, fmt.Errorf("%w: requested up to line %d, indexed %d of %d bytes",
				ErrNotIndexedYet, to, snap.Watermark(), v.length)
		}
		return nil, fmt.Errorf("%w: requested up to line %d, count %d", ErrOutOfRange, to, count)
	}

	var f *os.File
	defer func() {
		if f != nil {
			f.Close()
		}
	}()
	file := func() (*os.File, error) {
		if f != nil {
			return f, nil
		}
		var err error
		if f, err = c.open(); err != nil {
			return nil, err
		}
		return f, nil
	}

	loader := func(line int) linecache.Loader {
		return func(context.Context) (string, error) {
			return c.loadLine(snap, file, line)
		}
	}

	out := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		key := linecache.Key{File: c.cacheFile(v.identity), Epoch: v.epoch, Line: i}
		text, err := c.cache.GetOrLoad(ctx, key, loader(i))
		if err != nil {
			if errors.Is(err, linecache.ErrStaleEpoch) {
				// The epoch moved while we were reading; the caller will get
				// a change notification and should retry.
				return nil, fmt.Errorf("%w: epoch changed during read", ErrNotIndexedYet)
			}
			return nil, err
		}
		out = append(out, text)
	}

	c.prefetch(v, snap, file, to, to-from)
	return out, nil
}

// prefetch warms the cache for a bounded window past the served range, so
// scrolling forward rarely waits on disk. Best effort: any failure stops it.
func (c *coordinator) prefetch(v *view, snap *lineindex.Snapshot, file func() (*os.File, error), start, span int) {
	if span <= 0 {
		span = 1
	}
	window := span * 4
	if window > prefetchCap {
		window = prefetchCap
	}
	end := start + window
	if count := snap.LineCount(); end > count {
		end = count
	}

	for i := start; i < end; i++ {
		key := linecache.Key{File: c.cacheFile(v.identity), Epoch: v.epoch, Line: i}
		if _, ok := c.cache.Get(key); ok {
			continue
		}
		text, err := c.loadLine(snap, file, i)
		if err != nil {
			return
		}
		c.cache.Put(key, text)
	}
}

// loadLine reads and decodes one line's bytes per the snapshot's offsets.
func (c *coordinator) loadLine(snap *lineindex.Snapshot, file func() (*os.File, error), line int) (string, error) {
	start, end, err := snap.LineRange(line)
	if err != nil {
		return "", fmt.Errorf("%w: line %d", ErrOutOfRange, line)
	}

	f, err := file()
	if err != nil {
		return "", err
	}

	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, start); err != nil {
		// Short read: the file shrank under this snapshot. The truncation
		// event is in flight; report the line as not available yet.
		return "", fmt.Errorf("%w: line %d read failed: %v", ErrNotIndexedYet, line, err)
	}
	return decodeLine(buf), nil
}

// cachedLines returns only what the cache already holds for [from, to),
// without touching the disk. For render paths that must not block.
func (c *coordinator) cachedLines(from, to int) ([]CachedLine, error) {
	v := c.view.Load()
	if v.status == StatusMissing {
		return nil, fmt.Errorf("%w: %s", ErrFileMissing, c.path)
	}
	if from < 0 || to < from {
		return nil, fmt.Errorf("%w: invalid range [%d,%d)", ErrOutOfRange, from, to)
	}

	out := make([]CachedLine, 0, to-from)
	for i := from; i < to; i++ {
		key := linecache.Key{File: c.cacheFile(v.identity), Epoch: v.epoch, Line: i}
		text, ok := c.cache.Get(key)
		out = append(out, CachedLine{Text: text, Cached: ok})
	}
	return out, nil
}

func (c *coordinator) lineCount() (int, error) {
	if c.view.Load().status == StatusMissing {
		return 0, fmt.Errorf("%w: %s", ErrFileMissing, c.path)
	}
	return c.index.LineCount(), nil
}

func (c *coordinator) identityAndEpoch() (watcher.Fingerprint, uint64) {
	v := c.view.Load()
	return v.identity, v.epoch
}

func (c *coordinator) status() Status {
	return c.view.Load().status
}

// subscribe returns a channel of change hints, closed when ctx is cancelled
// or the watch is torn down. Cancellation is immediate and side-effect-free.
func (c *coordinator) subscribe(ctx context.Context) <-chan Notification {
	ch := make(chan Notification, 16)

	c.subMu.Lock()
	if c.subsEnd {
		c.subMu.Unlock()
		close(ch)
		return ch
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
			return // closeSubs owns the channel now
		}
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}()

	return ch
}

// notify fans a hint out to subscribers. Sends never block: a subscriber that
// fell behind misses hints, not correctness, since hints only prompt a
// re-query.
func (c *coordinator) notify(n Notification) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

func (c *coordinator) closeSubs() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subsEnd = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

// decodeLine turns raw line bytes into text: terminator stripped, invalid
// UTF-8 replaced with U+FFFD per invalid run rather than failing the line.
func decodeLine(buf []byte) string {
	s := string(buf)
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	return strings.ToValidUTF8(s, "�")
}
