// Package monitor is the data plane of the log viewer: it watches files,
// maintains their line indexes and epochs, and answers line queries through a
// shared bounded content cache.
//
// Each watched file is owned by a single-writer coordinator goroutine fed by
// that file's ordered event stream, while any number of reader goroutines
// query concurrently against snapshot-consistent state. No cross-file locks
// are ever held.
package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/AKhranovskiy/logquery/internal/config"
	"github.com/AKhranovskiy/logquery/internal/linecache"
	"github.com/AKhranovskiy/logquery/internal/watcher"
)

// Handle identifies one active watch.
type Handle struct {
	id uuid.UUID
}

// String returns the handle's identifier.
func (h Handle) String() string {
	return h.id.String()
}

// CachedLine is one element of a non-blocking CachedLines query.
type CachedLine struct {
	Text   string
	Cached bool
}

// Monitor owns the watcher source, the shared content cache and one
// coordinator per watched file.
type Monitor struct {
	cache  *linecache.Cache
	source *watcher.Source

	mu      sync.Mutex
	watches map[uuid.UUID]*fileWatch
	closed  bool
}

type fileWatch struct {
	path  string
	track *watcher.Track
	coord *coordinator
}

// New creates a monitor from the given configuration.
func New(cfg *config.Config) (*Monitor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	source, err := watcher.NewSource(cfg.DebounceWindow, cfg.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatchUnavailable, err)
	}

	return &Monitor{
		cache:   linecache.New(cfg.CacheBudgetBytes, cfg.CacheIdleTTL),
		source:  source,
		watches: make(map[uuid.UUID]*fileWatch),
	}, nil
}

// Watch starts watching the file at path and returns a handle for queries.
// The file does not have to exist yet; it is reported as missing until it
// appears.
func (m *Monitor) Watch(path string) (Handle, error) {
	track, err := m.source.Track(path)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrWatchUnavailable, err)
	}

	coord := newCoordinator(path, m.cache, track.Initial, track.Events)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.source.Untrack(track)
		return Handle{}, fmt.Errorf("%w: monitor is closed", ErrWatchUnavailable)
	}
	id := uuid.New()
	m.watches[id] = &fileWatch{path: path, track: track, coord: coord}
	m.mu.Unlock()

	log.Info().
		Str("path", path).
		Str("handle", id.String()).
		Msg("Watching file")

	return Handle{id: id}, nil
}

// Unwatch stops the watch. The coordinator drains and tears down
// asynchronously; in-flight reads complete against their snapshots.
func (m *Monitor) Unwatch(h Handle) error {
	m.mu.Lock()
	w, ok := m.watches[h.id]
	if ok {
		delete(m.watches, h.id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h.id)
	}

	m.source.Untrack(w.track)

	log.Info().
		Str("path", w.path).
		Str("handle", h.String()).
		Msg("Stopped watching file")

	return nil
}

// Close tears down all watches and the underlying notification source.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.watches = make(map[uuid.UUID]*fileWatch)
	m.mu.Unlock()

	return m.source.Close()
}

// LineCount returns the current number of complete lines in the watched file.
func (m *Monitor) LineCount(h Handle) (int, error) {
	w, err := m.lookup(h)
	if err != nil {
		return 0, err
	}
	return w.coord.lineCount()
}

// Lines returns decoded text for the contiguous line range [from, to). A
// range beyond the current line count reports ErrOutOfRange, or
// ErrNotIndexedYet when indexing is known to be behind the file.
func (m *Monitor) Lines(ctx context.Context, h Handle, from, to int) ([]string, error) {
	w, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	return w.coord.lines(ctx, from, to)
}

// CachedLines returns whatever the cache already holds for [from, to) without
// reading the file. Lines not cached come back with Cached == false.
func (m *Monitor) CachedLines(h Handle, from, to int) ([]CachedLine, error) {
	w, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	return w.coord.cachedLines(from, to)
}

// Subscribe returns a stream of change hints for the watched file, closed
// when ctx is cancelled or the watch is torn down.
func (m *Monitor) Subscribe(ctx context.Context, h Handle) (<-chan Notification, error) {
	w, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	return w.coord.subscribe(ctx), nil
}

// IdentityAndEpoch exposes the file's identity fingerprint and epoch, for
// consumers that want to detect rotation explicitly.
func (m *Monitor) IdentityAndEpoch(h Handle) (watcher.Fingerprint, uint64, error) {
	w, err := m.lookup(h)
	if err != nil {
		return watcher.Fingerprint{}, 0, err
	}
	identity, epoch := w.coord.identityAndEpoch()
	return identity, epoch, nil
}

// Status reports whether the watched path currently has a backing file.
func (m *Monitor) Status(h Handle) (Status, error) {
	w, err := m.lookup(h)
	if err != nil {
		return 0, err
	}
	return w.coord.status(), nil
}

// CacheWeight returns the total decoded bytes currently cached, for
// diagnostics.
func (m *Monitor) CacheWeight() int64 {
	return m.cache.Weight()
}

func (m *Monitor) lookup(h Handle) (*fileWatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[h.id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h.id)
	}
	return w, nil
}
