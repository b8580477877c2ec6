package memory

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menchan-Rub/quantum-netcache/internal/cache"
)

// EvictionPolicy selects the victim-picking strategy used when a Put would
// exceed the size or entry budget.
type EvictionPolicy int

const (
	// LRU evicts the least recently accessed entry.
	LRU EvictionPolicy = iota
	// LFU evicts the least accessed entry, ties broken by oldest access.
	LFU
	// FIFO evicts the oldest created entry.
	FIFO
	// Weighted scores entries by recency, priority, remaining TTL and
	// relative size, and evicts ascending by weight.
	Weighted
)

// ParsePolicy maps a config string to an eviction policy.
func ParsePolicy(name string) (EvictionPolicy, error) {
	switch name {
	case "lru", "":
		return LRU, nil
	case "lfu":
		return LFU, nil
	case "fifo":
		return FIFO, nil
	case "weighted":
		return Weighted, nil
	}
	return LRU, fmt.Errorf("unknown eviction policy %q", name)
}

// makeRoomLocked evicts until an entry of `need` bytes fits within both
// budgets. Evicts no more than necessary; false when room cannot be made.
func (s *Store) makeRoomLocked(need int64) bool {
	for {
		overSize := s.opts.MaxSize > 0 && s.size+need > s.opts.MaxSize
		overCount := s.opts.MaxEntries > 0 && s.count+1 > s.opts.MaxEntries
		if !overSize && !overCount {
			return true
		}
		victim, ok := s.selectVictimLocked()
		if !ok {
			return false
		}
		logrus.Debugf("memory: evicting %s (policy=%d)", victim.url, s.opts.Policy)
		s.removeLocked(victim.url, victim.variant, true)
	}
}

func (s *Store) selectVictimLocked() (entryKey, bool) {
	switch s.opts.Policy {
	case LFU:
		return s.selectLFULocked()
	case FIFO:
		return s.selectFIFOLocked()
	case Weighted:
		return s.selectWeightedLocked()
	default:
		return s.selectLRULocked()
	}
}

// selectLRULocked walks the recency log from the oldest generation forward,
// discarding superseded and dead records as it goes. The first record whose
// generation is still current names the least recently used entry.
func (s *Store) selectLRULocked() (entryKey, bool) {
	for len(s.recency) > 0 {
		rec := s.recency[0]
		s.recency = s.recency[1:]
		if gen, ok := s.gens[rec.key]; ok && gen == rec.gen {
			return rec.key, true
		}
	}
	return entryKey{}, false
}

func (s *Store) selectLFULocked() (entryKey, bool) {
	var victim entryKey
	var best *cache.Metadata
	for url, variants := range s.entries {
		for variant, e := range variants {
			m := e.Meta()
			if best == nil ||
				m.AccessCount < best.AccessCount ||
				(m.AccessCount == best.AccessCount && m.LastAccessed.Before(best.LastAccessed)) {
				best = m
				victim = entryKey{url, variant}
			}
		}
	}
	return victim, best != nil
}

func (s *Store) selectFIFOLocked() (entryKey, bool) {
	var victim entryKey
	var best *cache.Metadata
	for url, variants := range s.entries {
		for variant, e := range variants {
			m := e.Meta()
			if best == nil || m.Created.Before(best.Created) {
				best = m
				victim = entryKey{url, variant}
			}
		}
	}
	return victim, best != nil
}

func (s *Store) selectWeightedLocked() (entryKey, bool) {
	now := time.Now()
	var victim entryKey
	found := false
	bestWeight := 0.0
	for url, variants := range s.entries {
		for variant, e := range variants {
			w := evictionWeight(e.Meta(), s.size, now)
			if !found || w < bestWeight {
				found = true
				bestWeight = w
				victim = entryKey{url, variant}
			}
		}
	}
	return victim, found
}

// evictionWeight scores an entry for the weighted policy. Low weight means
// early eviction: stale, low-priority, short-lived and large entries go
// first.
//
//	w = 0.4*recency + 0.3*priority + 0.2*ttl - 0.1*size
func evictionWeight(m *cache.Metadata, totalSize int64, now time.Time) float64 {
	age := now.Sub(m.LastAccessed).Seconds()
	recencyScore := 1 - min(1, age/86400)

	priorityScore := 0.2 * float64(m.Priority+1)

	// No expiry counts as a full remaining TTL.
	ttlScore := 1.0
	if !m.ExpiresAt.IsZero() {
		ttlScore = 0
		if remaining := m.ExpiresAt.Sub(now).Seconds(); remaining > 0 {
			ttlScore = min(1, remaining/3600)
		}
	}

	sizeScore := 0.0
	if totalSize > 0 {
		sizeScore = float64(m.Size) / float64(totalSize)
	}

	return 0.4*recencyScore + 0.3*priorityScore + 0.2*ttlScore - 0.1*sizeScore
}
