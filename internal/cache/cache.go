// Package cache defines the entry model and the store contract shared by the
// memory and disk backends of the response cache.
package cache

// Store is the contract every cache backend implements identically, so the
// networking layer stays backend-agnostic.
//
// Failure never propagates as an error: a failed lookup is a miss, a failed
// write is a false return. The cache must never be the reason a fetch fails.
type Store interface {
	// Get returns the live entry for url (and variant, "" for none) if it
	// is present and not expired-and-unusable. Updates access bookkeeping
	// and the hit/miss counters.
	Get(url, variant string) (Entry, bool)

	// Put inserts an entry, evicting as needed. Returns false for NoStore
	// entries, entries larger than the store capacity, or on storage
	// failure. A prior entry under the same key is replaced and its size
	// credited back before the new one is accounted.
	Put(e Entry) bool

	// Delete removes every variant stored under url. False if absent.
	Delete(url string) bool

	// Clear removes all entries and resets size accounting.
	Clear()

	// Contains reports whether any entry exists for url, without touching
	// access bookkeeping.
	Contains(url string) bool

	// Touch bumps recency and access count without returning the payload.
	Touch(url, variant string) bool

	// Refresh replaces the entry for url. Semantically a Put.
	Refresh(url string, e Entry) bool

	// Status derives the freshness state of the variant-less entry at url.
	Status(url string) Status

	// PurgeExpired removes every entry whose expiry has passed and returns
	// the removed count.
	PurgeExpired() int

	// Persist snapshots store state to its configured location. False when
	// persistence is not configured or the write failed.
	Persist() bool

	// Restore reloads store state from its configured location. False when
	// persistence is not configured or nothing could be loaded.
	Restore() bool

	// Stats returns a consistent snapshot of the store counters.
	Stats() Stats

	// Close flushes pending state and stops background work.
	Close() error
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Entries       int64   `json:"entries"`
	Size          int64   `json:"size"`
	MaxSize       int64   `json:"maxSize"`
	Insertions    int64   `json:"insertions"`
	Evictions     int64   `json:"evictions"`
	Invalidations int64   `json:"invalidations"`
	HitRatio      float64 `json:"hitRatio"`
}

// Ratio recomputes HitRatio from the hit and miss counters.
func (s *Stats) Ratio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
