// Package memory implements the in-process cache store: a url/variant table
// with pluggable eviction and an optional metadata snapshot for cold starts.
package memory

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menchan-Rub/quantum-netcache/internal/cache"
)

// Options configures a memory store.
type Options struct {
	// MaxSize is the payload budget in bytes. Zero means unbounded.
	MaxSize int64
	// MaxEntries caps the number of live entries. Zero means unbounded.
	MaxEntries int
	// DefaultTTL is applied to entries that arrive without an expiry.
	DefaultTTL time.Duration
	// Policy selects the eviction strategy. Defaults to LRU.
	Policy EvictionPolicy
	// SnapshotPath enables Persist/Restore of metadata when non-empty.
	SnapshotPath string
}

type entryKey struct {
	url     string
	variant string
}

type accessRecord struct {
	key entryKey
	gen uint64
}

// Store is the in-memory backend. All state is private and guarded by mu;
// operations never block on I/O except Persist/Restore.
type Store struct {
	mu sync.Mutex

	opts Options

	// entries maps url -> variant -> entry. The entry's embedded metadata
	// doubles as the bookkeeping table.
	entries map[string]map[string]cache.Entry
	count   int
	size    int64

	// recency is an append-only access log compacted when it outgrows the
	// live set. gens holds the current access generation per key; stale
	// records (generation superseded) are skipped during LRU selection.
	recency []accessRecord
	gens    map[entryKey]uint64
	nextGen uint64

	// restored marks snapshot entries, which carry metadata but no payload.
	// They answer Contains/Status but miss on Get until a Put refills them.
	restored map[entryKey]bool

	stats cache.Stats
}

// New builds a memory store from opts. The zero Policy is LRU.
func New(opts Options) *Store {
	return &Store{
		opts:     opts,
		entries:  make(map[string]map[string]cache.Entry),
		gens:     make(map[entryKey]uint64),
		restored: make(map[entryKey]bool),
	}
}

func (s *Store) Get(url, variant string) (cache.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(url, variant)
	if e == nil {
		s.stats.Misses++
		return nil, false
	}
	now := time.Now()
	if !cache.Usable(e.Meta(), now) {
		// Expired with no validator: dead weight, drop it on sight.
		s.removeLocked(url, variant, false)
		s.stats.Misses++
		return nil, false
	}
	if s.restored[entryKey{url, variant}] {
		// Snapshot-restored entries have no payload to serve; a miss lets
		// the caller refill from the next tier or the network.
		s.stats.Misses++
		return nil, false
	}
	s.touchLocked(entryKey{url, variant}, e.Meta(), now)
	s.stats.Hits++
	return e, true
}

func (s *Store) Put(e cache.Entry) bool {
	meta := e.Meta()
	if meta.Policy == cache.NoStore {
		return false
	}
	if meta.Size == 0 {
		meta.Size = cache.EstimateSize(e)
	}
	if s.opts.MaxSize > 0 && meta.Size > s.opts.MaxSize {
		logrus.Debugf("memory: rejecting oversized entry %s (%d bytes)", meta.URL, meta.Size)
		return false
	}

	now := time.Now()
	if meta.Created.IsZero() {
		meta.Created = now
	}
	if meta.LastAccessed.IsZero() {
		meta.LastAccessed = now
	}
	if meta.ExpiresAt.IsZero() && s.opts.DefaultTTL > 0 {
		meta.ExpiresAt = now.Add(s.opts.DefaultTTL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Replacing a key credits the old size back before the new entry is
	// accounted, so eviction only has to cover the delta.
	if old := s.lookup(meta.URL, meta.VariantID); old != nil {
		s.removeLocked(meta.URL, meta.VariantID, false)
	}

	if !s.makeRoomLocked(meta.Size) {
		return false
	}

	variants := s.entries[meta.URL]
	if variants == nil {
		variants = make(map[string]cache.Entry)
		s.entries[meta.URL] = variants
	}
	variants[meta.VariantID] = e
	s.count++
	s.size += meta.Size
	s.stats.Insertions++
	s.touchLocked(entryKey{meta.URL, meta.VariantID}, meta, now)
	return true
}

func (s *Store) Delete(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	variants, ok := s.entries[url]
	if !ok {
		return false
	}
	for variant := range variants {
		s.removeLocked(url, variant, false)
		s.stats.Invalidations++
	}
	return true
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]map[string]cache.Entry)
	s.gens = make(map[entryKey]uint64)
	s.restored = make(map[entryKey]bool)
	s.recency = nil
	s.count = 0
	s.size = 0
}

func (s *Store) Contains(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[url]
	return ok
}

func (s *Store) Touch(url, variant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(url, variant)
	if e == nil {
		return false
	}
	s.touchLocked(entryKey{url, variant}, e.Meta(), time.Now())
	return true
}

func (s *Store) Refresh(url string, e cache.Entry) bool {
	e.Meta().URL = url
	return s.Put(e)
}

func (s *Store) Status(url string) cache.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(url, "")
	if e == nil {
		return cache.StatusInvalid
	}
	return cache.StatusAt(e.Meta(), time.Now())
}

func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for url, variants := range s.entries {
		for variant, e := range variants {
			exp := e.Meta().ExpiresAt
			if !exp.IsZero() && !exp.After(now) {
				s.removeLocked(url, variant, false)
				removed++
			}
		}
	}
	if removed > 0 {
		logrus.Debugf("memory: purged %d expired entries", removed)
	}
	return removed
}

func (s *Store) Stats() cache.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Entries = int64(s.count)
	st.Size = s.size
	st.MaxSize = s.opts.MaxSize
	st.HitRatio = st.Ratio()
	return st
}

// Close persists the metadata snapshot when configured.
func (s *Store) Close() error {
	if s.opts.SnapshotPath != "" {
		s.Persist()
	}
	return nil
}

// lookup returns the live entry or nil. Callers hold mu.
func (s *Store) lookup(url, variant string) cache.Entry {
	if variants, ok := s.entries[url]; ok {
		return variants[variant]
	}
	return nil
}

// removeLocked drops one entry and keeps size accounting in step. The
// eviction flag routes the removal into the evictions counter.
func (s *Store) removeLocked(url, variant string, evicted bool) {
	variants, ok := s.entries[url]
	if !ok {
		return
	}
	e, ok := variants[variant]
	if !ok {
		return
	}
	delete(variants, variant)
	if len(variants) == 0 {
		delete(s.entries, url)
	}
	delete(s.gens, entryKey{url, variant})
	delete(s.restored, entryKey{url, variant})
	s.count--
	s.size -= e.Meta().Size
	if evicted {
		s.stats.Evictions++
	}
}

// touchLocked records an access: metadata bookkeeping plus a fresh recency
// record under a new generation. Compacts the log when it outgrows the live
// set by 2x.
func (s *Store) touchLocked(k entryKey, meta *cache.Metadata, now time.Time) {
	meta.LastAccessed = now
	meta.AccessCount++
	s.nextGen++
	s.gens[k] = s.nextGen
	s.recency = append(s.recency, accessRecord{key: k, gen: s.nextGen})
	if len(s.recency) > 2*s.count && len(s.recency) > compactionFloor {
		s.compactRecencyLocked()
	}
}

const compactionFloor = 64

// compactRecencyLocked rebuilds the access log from live records only,
// preserving generation order.
func (s *Store) compactRecencyLocked() {
	live := s.recency[:0]
	for _, rec := range s.recency {
		if s.gens[rec.key] == rec.gen {
			live = append(live, rec)
		}
	}
	s.recency = live
}
