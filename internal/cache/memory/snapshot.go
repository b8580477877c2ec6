package memory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menchan-Rub/quantum-netcache/internal/cache"
)

const snapshotVersion = 1

// snapshotFile is the on-disk form of a metadata snapshot. Payload bytes are
// never serialized: a restored store is a cold-start hint, not a backup.
type snapshotFile struct {
	Version int              `json:"version"`
	Saved   int64            `json:"saved"`
	Stats   cache.Stats      `json:"stats"`
	Entries []snapshotRecord `json:"entries"`
}

type snapshotRecord struct {
	URL          string `json:"url"`
	VariantID    string `json:"variantId,omitempty"`
	EntryType    int    `json:"entryType"`
	Created      int64  `json:"created"`
	LastAccessed int64  `json:"lastAccessed"`
	ExpiresAt    int64  `json:"expiresAt"`
	Size         int64  `json:"size"`
	AccessCount  int64  `json:"accessCount"`
	Policy       int    `json:"policy"`
	Priority     int    `json:"priority"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
	Compressed   bool   `json:"compressed,omitempty"`
}

// Persist writes the metadata snapshot. False when no snapshot path is
// configured or the write failed.
func (s *Store) Persist() bool {
	if s.opts.SnapshotPath == "" {
		return false
	}

	s.mu.Lock()
	snap := snapshotFile{
		Version: snapshotVersion,
		Saved:   time.Now().Unix(),
		Stats:   s.stats,
	}
	for url, variants := range s.entries {
		for variant, e := range variants {
			m := e.Meta()
			rec := snapshotRecord{
				URL:          url,
				VariantID:    variant,
				EntryType:    int(e.Type()),
				Created:      m.Created.Unix(),
				LastAccessed: m.LastAccessed.Unix(),
				Size:         m.Size,
				AccessCount:  m.AccessCount,
				Policy:       int(m.Policy),
				Priority:     int(m.Priority),
				Compressed:   m.Compressed,
			}
			if !m.ExpiresAt.IsZero() {
				rec.ExpiresAt = m.ExpiresAt.Unix()
			}
			if m.Validator != nil {
				rec.ETag = m.Validator.ETag
				rec.LastModified = m.Validator.LastModified
			}
			snap.Entries = append(snap.Entries, rec)
		}
	}
	s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		logrus.Errorf("memory: snapshot encode failed: %v", err)
		return false
	}
	tmp := s.opts.SnapshotPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.opts.SnapshotPath), 0755); err != nil {
		logrus.Errorf("memory: snapshot dir create failed: %v", err)
		return false
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logrus.Errorf("memory: snapshot write failed: %v", err)
		return false
	}
	if err := os.Rename(tmp, s.opts.SnapshotPath); err != nil {
		logrus.Errorf("memory: snapshot rename failed: %v", err)
		os.Remove(tmp)
		return false
	}
	logrus.Debugf("memory: snapshot saved (%d entries)", len(snap.Entries))
	return true
}

// Restore rebuilds the metadata table, recency order and counters from the
// snapshot. Restored entries carry no payload, so they answer Contains and
// Status but miss on Get until a Put refills them from disk or network.
func (s *Store) Restore() bool {
	if s.opts.SnapshotPath == "" {
		return false
	}
	data, err := os.ReadFile(s.opts.SnapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.Errorf("memory: snapshot read failed: %v", err)
		}
		return false
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		logrus.Warnf("memory: discarding corrupt snapshot: %v", err)
		return false
	}

	// Replay in access order so the rebuilt recency log is faithful.
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].LastAccessed < snap.Entries[j].LastAccessed
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]map[string]cache.Entry)
	s.gens = make(map[entryKey]uint64)
	s.restored = make(map[entryKey]bool)
	s.recency = nil
	s.count = 0
	s.size = 0
	s.stats = snap.Stats

	for _, rec := range snap.Entries {
		e := emptyEntry(cache.EntryType(rec.EntryType))
		m := e.Meta()
		m.URL = rec.URL
		m.VariantID = rec.VariantID
		m.Created = time.Unix(rec.Created, 0)
		m.LastAccessed = time.Unix(rec.LastAccessed, 0)
		if rec.ExpiresAt != 0 {
			m.ExpiresAt = time.Unix(rec.ExpiresAt, 0)
		}
		m.Size = rec.Size
		m.AccessCount = rec.AccessCount
		m.Policy = cache.Policy(rec.Policy)
		m.Priority = cache.Priority(rec.Priority)
		m.Compressed = rec.Compressed
		if rec.ETag != "" || rec.LastModified != "" {
			m.Validator = &cache.Validator{ETag: rec.ETag, LastModified: rec.LastModified}
		}

		variants := s.entries[rec.URL]
		if variants == nil {
			variants = make(map[string]cache.Entry)
			s.entries[rec.URL] = variants
		}
		variants[rec.VariantID] = e
		s.count++
		s.size += rec.Size
		s.nextGen++
		k := entryKey{rec.URL, rec.VariantID}
		s.gens[k] = s.nextGen
		s.restored[k] = true
		s.recency = append(s.recency, accessRecord{key: k, gen: s.nextGen})
	}
	logrus.Debugf("memory: snapshot restored (%d entries)", s.count)
	return true
}

// emptyEntry builds a payload-less entry of the given variant.
func emptyEntry(t cache.EntryType) cache.Entry {
	switch t {
	case cache.TypeResponse:
		return &cache.Response{}
	case cache.TypeHeader:
		return &cache.Header{}
	case cache.TypePushPromise:
		return &cache.PushPromise{}
	case cache.TypeTransportSession:
		return &cache.TransportSession{}
	default:
		return &cache.Resource{}
	}
}
