// Package seen implements C6: a bounded, per-kind LRU record of which
// message ids this node has already seen, backed by a pluggable
// persistence hook.
package seen

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Kind distinguishes what "seen" means for a given record.
type Kind string

const (
	Delivered Kind = "delivered"
	Read      Kind = "read"
)

// DefaultMaxEntriesPerKind and DefaultCacheTTL match spec.md §6.
const (
	DefaultMaxEntriesPerKind = 10_000
	DefaultCacheTTL          = 5 * time.Minute
)

// Record is the persisted (message_id, kind, seen_at) tuple.
type Record struct {
	MessageID string
	Kind      Kind
	SeenAt    time.Time
}

// Store is the persistence hook backing the in-memory cache: durable
// storage for seen records survives process restart even though the
// bounded LRU cache in front of it does not need to.
type Store interface {
	Persist(r Record) error
	Load() ([]Record, error)
}

// NopStore discards everything; used where no persistence layer is wired.
type NopStore struct{}

func (NopStore) Persist(Record) error    { return nil }
func (NopStore) Load() ([]Record, error) { return nil, nil }

type entry struct {
	seenAt time.Time
}

// Tracker is the in-memory reference implementation of the seen-message
// store: one bounded LRU cache per kind, fronting a Store for durability.
type Tracker struct {
	mu         sync.Mutex
	maxPerKind int
	ttl        time.Duration
	store      Store
	caches     map[Kind]*lru.Cache[string, entry]
}

// NewTracker constructs a Tracker. A nil store disables persistence.
func NewTracker(maxPerKind int, ttl time.Duration, store Store) (*Tracker, error) {
	if maxPerKind <= 0 {
		maxPerKind = DefaultMaxEntriesPerKind
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if store == nil {
		store = NopStore{}
	}
	t := &Tracker{
		maxPerKind: maxPerKind,
		ttl:        ttl,
		store:      store,
		caches:     make(map[Kind]*lru.Cache[string, entry]),
	}

	records, err := store.Load()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		cache, cerr := t.cacheFor(r.Kind)
		if cerr != nil {
			return nil, cerr
		}
		cache.Add(r.MessageID, entry{seenAt: r.SeenAt})
	}
	return t, nil
}

func (t *Tracker) cacheFor(kind Kind) (*lru.Cache[string, entry], error) {
	if c, ok := t.caches[kind]; ok {
		return c, nil
	}
	c, err := lru.New[string, entry](t.maxPerKind)
	if err != nil {
		return nil, err
	}
	t.caches[kind] = c
	return c, nil
}

// Mark records id as seen under kind, moving it to most-recently-used.
func (t *Tracker) Mark(id string, kind Kind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cache, err := t.cacheFor(kind)
	if err != nil {
		return err
	}
	now := time.Now()
	cache.Add(id, entry{seenAt: now})
	return t.store.Persist(Record{MessageID: id, Kind: kind, SeenAt: now})
}

// Has reports whether id has been marked seen under kind and has not yet
// aged out of the cache TTL.
func (t *Tracker) Has(id string, kind Kind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cache, ok := t.caches[kind]
	if !ok {
		return false
	}
	e, ok := cache.Get(id)
	if !ok {
		return false
	}
	if time.Since(e.seenAt) >= t.ttl {
		return false
	}
	return true
}

// Clear empties every in-memory cache. Does not touch the backing store.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.caches {
		c.Purge()
	}
}

// Maintain deletes cache entries older than the TTL. The per-kind LRU cap
// is already enforced on every Add, so this only handles time-based decay.
func (t *Tracker) Maintain() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for _, c := range t.caches {
		for _, id := range c.Keys() {
			e, ok := c.Peek(id)
			if !ok {
				continue
			}
			if now.Sub(e.seenAt) >= t.ttl {
				c.Remove(id)
			}
		}
	}
}
