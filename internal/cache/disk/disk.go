// Package disk implements the durable cache store: one payload file per
// entry under a sharded directory tree, a JSON index rewritten atomically,
// and a bounded pool of open file handles.
//
// Consistency note: index and metadata mutations are serialized under the
// store mutex, but payload I/O runs outside it. A reader racing a Put on
// the same key can briefly observe the previous file bytes after the index
// already reflects the new metadata. This window is an accepted trade-off
// for not serializing unrelated I/O behind one slow disk operation.
package disk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/menchan-Rub/quantum-netcache/internal/cache"
	"github.com/menchan-Rub/quantum-netcache/internal/codec"
)

const (
	defaultMaxHandles    = 100
	defaultFlushInterval = 5 * time.Minute
	defaultSweepInterval = 10 * time.Minute

	// pruneTargetPercent is the housekeeping prune target relative to the
	// size budget.
	pruneTargetPercent = 80
)

// Options configures a disk store.
type Options struct {
	// Path is the cache root directory. Required.
	Path string
	// MaxSize is the payload budget in bytes. Zero means unbounded.
	MaxSize int64
	// DefaultTTL applies to entries that arrive without an expiry.
	DefaultTTL time.Duration
	// Codec, when set, compresses body segments on the way to disk.
	Codec codec.Codec
	// MaxHandles caps concurrently open payload files. Defaults to 100.
	MaxHandles int
	// FlushInterval bounds how long a dirty index stays unflushed.
	// Defaults to 5 minutes.
	FlushInterval time.Duration
	// SweepInterval is the cadence of the background expiry sweep.
	// Defaults to 10 minutes.
	SweepInterval time.Duration
}

// Store is the disk backend.
type Store struct {
	root          string
	defaultTTL    time.Duration
	codec         codec.Codec
	flushInterval time.Duration
	sweepInterval time.Duration

	mu          sync.Mutex
	maxSize     int64
	index       map[string]*indexEntry
	urls        map[string]int
	size        int64
	dirty       bool
	lastFlush   time.Time
	lastCleanup time.Time
	stats       cache.Stats

	handles *handlePool
	group   singleflight.Group

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New opens (or creates) a disk store rooted at opts.Path and starts its
// maintenance goroutine. A missing or corrupt index is not an error; the
// store starts empty and rebuilds.
func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("disk: cache path required")
	}
	if err := os.MkdirAll(opts.Path, 0755); err != nil {
		return nil, fmt.Errorf("disk: create cache path: %w", err)
	}
	if opts.MaxHandles <= 0 {
		opts.MaxHandles = defaultMaxHandles
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}

	s := &Store{
		root:          opts.Path,
		defaultTTL:    opts.DefaultTTL,
		codec:         opts.Codec,
		flushInterval: opts.FlushInterval,
		sweepInterval: opts.SweepInterval,
		maxSize:       opts.MaxSize,
		index:         make(map[string]*indexEntry),
		urls:          make(map[string]int),
		handles:       newHandlePool(opts.MaxHandles),
		stop:          make(chan struct{}),
	}

	idx := loadIndex(opts.Path)
	for k, ie := range idx.Entries {
		s.index[k] = ie
		s.urls[ie.URL]++
		s.size += ie.Size
	}
	s.stats = idx.Stats
	if idx.LastCleanup != 0 {
		s.lastCleanup = time.Unix(idx.LastCleanup, 0)
	}
	s.lastFlush = time.Now()

	s.wg.Add(1)
	go s.maintain()

	logrus.Debugf("disk: opened store at %s (%d entries, %d bytes)", s.root, len(s.index), s.size)
	return s, nil
}

// shardPath derives the payload file path for a key: sha256, split into a
// two-level 3+3 character prefix and the remainder as the file name. Pure
// function of the key, so re-deriving is idempotent.
func shardPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(h[:3], h[3:6], h[6:])
}

func (s *Store) Get(url, variant string) (cache.Entry, bool) {
	k := cache.Key(url, variant)

	s.mu.Lock()
	ie, ok := s.index[k]
	now := time.Now()
	if !ok {
		s.stats.Misses++
		s.mu.Unlock()
		return nil, false
	}
	meta := ie.meta()
	if !cache.Usable(&meta, now) {
		// Expired with no validator: drop the entry and its file.
		path := s.removeLocked(k)
		s.stats.Misses++
		s.mu.Unlock()
		s.removeFiles([]string{path})
		return nil, false
	}
	snapshot := *ie
	path := filepath.Join(s.root, ie.FilePath)
	s.mu.Unlock()

	// Payload load runs outside the lock; concurrent loads of the same key
	// are collapsed into one read.
	v, err, _ := s.group.Do(k, func() (interface{}, error) {
		return s.loadPayload(path)
	})
	if err != nil {
		logrus.Errorf("disk: payload read for %s failed: %v", url, err)
		s.mu.Lock()
		s.stats.Misses++
		if os.IsNotExist(err) {
			// The index pointed at a file that is gone; self-heal.
			s.removeLocked(k)
		}
		s.mu.Unlock()
		return nil, false
	}

	e, derr := decodePayload(&snapshot, v.([]byte), s.codec)
	if derr != nil {
		logrus.Errorf("disk: payload decode for %s failed: %v", url, derr)
		s.mu.Lock()
		s.stats.Misses++
		s.mu.Unlock()
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Hits++
	if cur, ok := s.index[k]; ok {
		cur.LastAccessed = now.Unix()
		cur.AccessCount++
		s.dirty = true
		m := e.Meta()
		m.LastAccessed = now
		m.AccessCount = cur.AccessCount
	}
	return e, true
}

func (s *Store) Put(e cache.Entry) bool {
	meta := e.Meta()
	if meta.Policy == cache.NoStore {
		return false
	}

	data, compressed, err := encodePayload(e, s.codec)
	if err != nil {
		logrus.Errorf("disk: payload encode for %s failed: %v", meta.URL, err)
		return false
	}
	need := int64(len(data))

	k := cache.Key(meta.URL, meta.VariantID)
	rel := shardPath(k)
	now := time.Now()

	ie := &indexEntry{
		URL:          meta.URL,
		VariantID:    meta.VariantID,
		FilePath:     rel,
		EntryType:    int(e.Type()),
		Created:      now.Unix(),
		LastAccessed: now.Unix(),
		Size:         need,
		AccessCount:  meta.AccessCount,
		Policy:       int(meta.Policy),
		Priority:     int(meta.Priority),
		Compressed:   compressed,
	}
	if !meta.Created.IsZero() {
		ie.Created = meta.Created.Unix()
	}
	if !meta.LastAccessed.IsZero() {
		ie.LastAccessed = meta.LastAccessed.Unix()
	}
	switch {
	case !meta.ExpiresAt.IsZero():
		ie.ExpiresAt = meta.ExpiresAt.Unix()
	case s.defaultTTL > 0:
		ie.ExpiresAt = now.Add(s.defaultTTL).Unix()
	}
	if meta.Validator != nil {
		ie.ETag = meta.Validator.ETag
		ie.LastModified = meta.Validator.LastModified
	}
	if r, ok := e.(*cache.Resource); ok {
		ie.ContentType = r.ContentType
		ie.ContentEncoding = r.ContentEncoding
	}

	s.mu.Lock()
	if s.maxSize > 0 && need > s.maxSize {
		s.mu.Unlock()
		logrus.Debugf("disk: rejecting oversized entry %s (%d bytes)", meta.URL, need)
		return false
	}

	var victims []string
	old := s.index[k]
	oldSize := int64(0)
	if old != nil {
		oldSize = old.Size
	}
	if s.maxSize > 0 && s.size-oldSize+need > s.maxSize {
		// The entry being replaced is credited back before the new one is
		// accounted, so eviction only has to cover the delta.
		victims = s.pruneLocked(s.maxSize-need+oldSize, k)
	}
	if s.maxSize > 0 && s.size-oldSize+need > s.maxSize {
		// Could not free enough; priority entries are not evictable. The
		// existing entry under this key stays untouched.
		s.mu.Unlock()
		s.removeFiles(victims)
		return false
	}
	if old != nil {
		s.size -= oldSize
		s.urls[old.URL]--
		if s.urls[old.URL] == 0 {
			delete(s.urls, old.URL)
		}
	}
	s.index[k] = ie
	s.urls[ie.URL]++
	s.size += need
	s.stats.Insertions++
	s.dirty = true
	s.mu.Unlock()

	s.removeFiles(victims)

	// A replaced entry keeps its path; drop any pooled handle on the old
	// file so readers do not pin the dead inode.
	abs := filepath.Join(s.root, rel)
	s.handles.forget(abs)

	if err := s.writePayload(abs, data); err != nil {
		logrus.Errorf("disk: payload write for %s failed: %v", meta.URL, err)
		s.mu.Lock()
		if s.index[k] == ie {
			s.removeLocked(k)
			// The atomic replace failed, so the previous payload file is
			// still intact; reinstate its index entry.
			if old != nil {
				s.index[k] = old
				s.urls[old.URL]++
				s.size += old.Size
			}
		}
		s.mu.Unlock()
		return false
	}
	return true
}

func (s *Store) Delete(url string) bool {
	s.mu.Lock()
	var paths []string
	for k, ie := range s.index {
		if ie.URL == url {
			paths = append(paths, s.removeLocked(k))
			s.stats.Invalidations++
		}
	}
	s.mu.Unlock()

	s.removeFiles(paths)
	return len(paths) > 0
}

func (s *Store) Clear() {
	s.mu.Lock()
	var paths []string
	for k := range s.index {
		paths = append(paths, s.removeLocked(k))
	}
	s.dirty = true
	s.mu.Unlock()

	s.removeFiles(paths)
}

func (s *Store) Contains(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.urls[url] > 0
}

func (s *Store) Touch(url, variant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ie, ok := s.index[cache.Key(url, variant)]
	if !ok {
		return false
	}
	ie.LastAccessed = time.Now().Unix()
	ie.AccessCount++
	s.dirty = true
	return true
}

func (s *Store) Refresh(url string, e cache.Entry) bool {
	e.Meta().URL = url
	return s.Put(e)
}

func (s *Store) Status(url string) cache.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	ie, ok := s.index[cache.Key(url, "")]
	if !ok {
		return cache.StatusInvalid
	}
	meta := ie.meta()
	return cache.StatusAt(&meta, time.Now())
}

func (s *Store) Stats() cache.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Entries = int64(len(s.index))
	st.Size = s.size
	st.MaxSize = s.maxSize
	st.HitRatio = st.Ratio()
	return st
}

// Persist flushes the index to disk immediately.
func (s *Store) Persist() bool {
	return s.flushIndex(true)
}

// Restore reloads the index from disk, replacing in-memory state. False
// when no index file exists.
func (s *Store) Restore() bool {
	if _, err := os.Stat(filepath.Join(s.root, indexFileName)); err != nil {
		return false
	}
	idx := loadIndex(s.root)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = make(map[string]*indexEntry, len(idx.Entries))
	s.urls = make(map[string]int)
	s.size = 0
	for k, ie := range idx.Entries {
		s.index[k] = ie
		s.urls[ie.URL]++
		s.size += ie.Size
	}
	s.stats = idx.Stats
	if idx.LastCleanup != 0 {
		s.lastCleanup = time.Unix(idx.LastCleanup, 0)
	}
	s.dirty = false
	return true
}

// Close stops background maintenance, flushes the index and releases all
// pooled handles.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.flushIndex(true)
	s.handles.closeAll()
	return nil
}

// removeLocked drops one index entry and returns the absolute path of its
// payload file. Callers hold mu and remove the file after unlocking.
func (s *Store) removeLocked(k string) string {
	ie, ok := s.index[k]
	if !ok {
		return ""
	}
	delete(s.index, k)
	s.urls[ie.URL]--
	if s.urls[ie.URL] == 0 {
		delete(s.urls, ie.URL)
	}
	s.size -= ie.Size
	s.dirty = true
	return filepath.Join(s.root, ie.FilePath)
}

// removeFiles closes pooled handles and deletes payload files. Failures are
// logged only; vacuum reconciles leftovers.
func (s *Store) removeFiles(paths []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		s.handles.forget(p)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logrus.Errorf("disk: removing payload %s: %v", p, err)
		}
	}
}

func (s *Store) loadPayload(path string) ([]byte, error) {
	f, err := s.handles.get(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	if _, err := f.ReadAt(buf, 0); err != nil && info.Size() > 0 {
		return nil, err
	}
	return buf, nil
}

func (s *Store) writePayload(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
