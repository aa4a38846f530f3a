// Package linecache is a bounded, weight-based cache of decoded line text
// shared across all watched files.
//
// Entries are keyed by (file identity, epoch, line number). Invalidating a
// file after truncation or rotation is a pure key-space change: the owner
// bumps the epoch, old-epoch entries become unreachable and are reclaimed by
// normal eviction pressure. No sweep over the cache is ever needed.
package linecache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrStaleEpoch reports a lookup for an epoch the owner has already
// invalidated. The caller should re-read the file's current epoch and retry.
var ErrStaleEpoch = errors.New("cache epoch is stale")

// Key addresses one cached line.
type Key struct {
	File  string // owner-issued file namespace token, unique per watch
	Epoch uint64
	Line  int
}

// String renders the key for singleflight grouping.
func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d", k.File, k.Epoch, k.Line)
}

// Loader produces the text of a line on a cache miss.
type Loader func(ctx context.Context) (string, error)

type entry struct {
	key        Key
	text       string
	weight     int64
	lastAccess time.Time
}

// Cache is safe for concurrent use. The weight budget is global across all
// files; least-recently-used entries are evicted first regardless of which
// file they belong to.
type Cache struct {
	budget  int64
	idleTTL time.Duration // zero disables idle expiry

	group singleflight.Group

	mu       sync.Mutex
	elems    map[Key]*list.Element
	order    *list.List // front is most recently used
	weight   int64
	minEpoch map[string]uint64
}

// New creates a cache with the given weight budget in bytes. idleTTL, when
// positive, expires entries untouched for that long.
func New(budget int64, idleTTL time.Duration) *Cache {
	return &Cache{
		budget:   budget,
		idleTTL:  idleTTL,
		elems:    make(map[Key]*list.Element),
		order:    list.New(),
		minEpoch: make(map[string]uint64),
	}
}

// Get returns the cached text for the key, if present and still valid.
func (c *Cache) Get(key Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key.Epoch < c.minEpoch[key.File] {
		return "", false
	}
	el, ok := c.elems[key]
	if !ok {
		return "", false
	}
	e := el.Value.(*entry)
	now := time.Now()
	if c.idleTTL > 0 && now.Sub(e.lastAccess) > c.idleTTL {
		c.removeLocked(el)
		return "", false
	}
	e.lastAccess = now
	c.order.MoveToFront(el)
	return e.text, true
}

// GetOrLoad returns the cached text or invokes the loader exactly once per
// concurrent miss of the same key. A key whose epoch has been invalidated is
// rejected with ErrStaleEpoch instead of being loaded, so a reader racing an
// epoch bump can never pin content under a dead epoch.
func (c *Cache) GetOrLoad(ctx context.Context, key Key, load Loader) (string, error) {
	if text, ok := c.Get(key); ok {
		return text, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		if text, ok := c.Get(key); ok {
			return text, nil
		}
		if c.stale(key) {
			return "", fmt.Errorf("%w: %s epoch %d", ErrStaleEpoch, key.File, key.Epoch)
		}
		text, err := load(ctx)
		if err != nil {
			return "", err
		}
		c.Put(key, text)
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Put stores text under the key and evicts least-recently-used entries until
// the total weight is back under the budget. Entries heavier than the whole
// budget are not stored at all. Keys under an invalidated epoch are dropped.
func (c *Cache) Put(key Key, text string) {
	weight := int64(len(text))
	if weight < 1 {
		weight = 1
	}
	if weight > c.budget {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if key.Epoch < c.minEpoch[key.File] {
		return
	}

	if el, ok := c.elems[key]; ok {
		e := el.Value.(*entry)
		c.weight += weight - e.weight
		e.text = text
		e.weight = weight
		e.lastAccess = time.Now()
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(&entry{key: key, text: text, weight: weight, lastAccess: time.Now()})
		c.elems[key] = el
		c.weight += weight
	}

	c.evictLocked()
}

// Invalidate marks every entry of the file with an epoch below current as
// unreachable. O(1): stale entries are rejected at lookup time and reclaimed
// by eviction, not purged eagerly.
func (c *Cache) Invalidate(file string, current uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current > c.minEpoch[file] {
		c.minEpoch[file] = current
	}
}

// Forget drops the invalidation floor for a file whose watch was torn down.
func (c *Cache) Forget(file string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.minEpoch, file)
}

// Weight returns the current total weight of cached entries.
func (c *Cache) Weight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) stale(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return key.Epoch < c.minEpoch[key.File]
}

// evictLocked drops entries from the LRU tail until the weight budget holds.
// Stale-epoch entries naturally age toward the tail and go first.
func (c *Cache) evictLocked() {
	for c.weight > c.budget {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.removeLocked(back)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.elems, e.key)
	c.weight -= e.weight
}
