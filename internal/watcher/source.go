package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const eventBufferSize = 16

// Source owns one fsnotify watcher and fans its raw events out into per-path
// tracks. It watches parent directories rather than the files themselves so
// that removal, rename and re-creation of a tracked path are all visible.
type Source struct {
	fsn      *fsnotify.Watcher
	debounce time.Duration
	poll     time.Duration

	mu      sync.Mutex
	tracks  map[string]*Track
	dirRefs map[string]int
	closed  bool
}

// Track is one tracked path's classified event stream.
type Track struct {
	// Events delivers semantic change events in order until Untrack or the
	// source is closed, after which the channel is closed.
	Events <-chan Event
	// Initial is the state observed when tracking started. The caller seeds
	// its own file state from it, so the first event is always a true delta.
	Initial Observation

	path   string
	kick   chan struct{}
	stop   chan struct{}
	fail   chan struct{}
	events chan Event
}

// NewSource creates a source with the given debounce window and poll
// fallback interval.
func NewSource(debounce, poll time.Duration) (*Source, error) {
	fsn, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	s := &Source{
		fsn:      fsn,
		debounce: debounce,
		poll:     poll,
		tracks:   make(map[string]*Track),
		dirRefs:  make(map[string]int),
	}
	go s.dispatch()
	return s, nil
}

// Track starts watching the given path and returns its event stream. The
// path does not have to exist yet; a later appearance is reported as a
// Replaced event.
func (s *Source) Track(path string) (*Track, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	abs = filepath.Clean(abs)

	initial, err := Observe(abs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("source is closed")
	}
	if _, ok := s.tracks[abs]; ok {
		return nil, fmt.Errorf("path %s is already tracked", abs)
	}

	dir := filepath.Dir(abs)
	if s.dirRefs[dir] == 0 {
		if err := s.fsn.Add(dir); err != nil {
			return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
	}
	s.dirRefs[dir]++

	events := make(chan Event, eventBufferSize)
	t := &Track{
		Events:  events,
		Initial: initial,
		path:    abs,
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		fail:    make(chan struct{}),
		events:  events,
	}
	s.tracks[abs] = t
	go t.run(s.debounce, s.poll)

	log.Debug().
		Str("path", abs).
		Bool("present", initial.Present).
		Msg("Tracking path")

	return t, nil
}

// Untrack stops watching the track's path and closes its event stream.
func (s *Source) Untrack(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tracks[t.path]; !ok {
		return
	}
	delete(s.tracks, t.path)
	close(t.stop)

	dir := filepath.Dir(t.path)
	s.dirRefs[dir]--
	if s.dirRefs[dir] <= 0 {
		delete(s.dirRefs, dir)
		if err := s.fsn.Remove(dir); err != nil {
			log.Debug().Err(err).Str("dir", dir).Msg("Failed to remove directory watch")
		}
	}
}

// Close stops all tracks and releases the underlying watcher.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tracks := make([]*Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.tracks = make(map[string]*Track)
	s.dirRefs = make(map[string]int)
	s.mu.Unlock()

	for _, t := range tracks {
		close(t.stop)
	}
	return s.fsn.Close()
}

// dispatch routes raw fsnotify events to their tracks. A raw event is only a
// wake-up signal; the track re-stats the file to decide what actually
// happened. An unexpected end of either fsnotify channel means the backend
// died and every track must be failed terminally.
func (s *Source) dispatch() {
	for {
		select {
		case ev, ok := <-s.fsn.Events:
			if !ok {
				s.failAll()
				return
			}
			name := filepath.Clean(ev.Name)
			s.mu.Lock()
			t := s.tracks[name]
			s.mu.Unlock()
			if t != nil {
				select {
				case t.kick <- struct{}{}:
				default: // a wake-up is already pending
				}
			}
		case err, ok := <-s.fsn.Errors:
			if !ok {
				s.failAll()
				return
			}
			// Errors like event-queue overflow are recoverable: the tracks
			// re-stat on wake-up anyway, so prod them all instead of guessing
			// which paths were affected.
			log.Warn().Err(err).Msg("Filesystem watcher error, re-checking tracked paths")
			s.kickAll()
		}
	}
}

// kickAll wakes every track for a fresh observation.
func (s *Source) kickAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		select {
		case t.kick <- struct{}{}:
		default:
		}
	}
}

// failAll ends every track after the notification backend died unexpectedly.
// Each track emits a final Removed event and closes its stream, telling the
// consumer the path is no longer observed until it re-arms a watch.
func (s *Source) failAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return // normal Close, tracks are stopped through their stop channels
	}
	s.closed = true

	log.Error().Msg("Filesystem watcher backend failed, ending all tracks")

	for _, t := range s.tracks {
		close(t.fail)
	}
	s.tracks = make(map[string]*Track)
	s.dirRefs = make(map[string]int)
}

// run is the per-track loop: debounce raw wake-ups, then stat and classify.
func (t *Track) run(debounce, poll time.Duration) {
	last := t.Initial

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			close(t.events)
			return

		case <-t.fail:
			t.terminate()
			return

		case <-t.kick:
			// Let the burst settle; wake-ups arriving inside the window are
			// absorbed so the whole burst yields one observation. The window
			// is not extended on new wake-ups, which bounds latency.
			timer := time.NewTimer(debounce)
			for settling := true; settling; {
				select {
				case <-t.kick:
				case <-timer.C:
					settling = false
				case <-t.stop:
					timer.Stop()
					close(t.events)
					return
				case <-t.fail:
					timer.Stop()
					t.terminate()
					return
				}
			}
			if !t.observe(&last) {
				return
			}

		case <-ticker.C:
			if !t.observe(&last) {
				return
			}
		}
	}
}

// terminate delivers the terminal Removed event and ends the stream. Run when
// the watch itself became unrecoverable, not when the file changed.
func (t *Track) terminate() {
	select {
	case t.events <- Event{Op: OpRemoved}:
	case <-t.stop:
	}
	close(t.events)
}

// observe stats the path, classifies the delta against the previous state and
// emits the resulting event, if any. Returns false when the track stopped.
func (t *Track) observe(last *Observation) bool {
	cur, err := Observe(t.path)
	if err != nil {
		log.Warn().Err(err).Str("path", t.path).Msg("Failed to observe tracked path")
		return true
	}

	ev, ok := classify(*last, cur)
	*last = cur
	if !ok {
		return true
	}

	log.Debug().
		Str("path", t.path).
		Stringer("op", ev.Op).
		Int64("size", ev.Size).
		Msg("Classified change event")

	select {
	case t.events <- ev:
		return true
	case <-t.stop:
		close(t.events)
		return false
	case <-t.fail:
		t.terminate()
		return false
	}
}
