package disk

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menchan-Rub/quantum-netcache/internal/cache"
)

// maintain is the background loop: it flushes a dirty index once it has
// been dirty for the flush interval, and sweeps expired entries on the
// sweep cadence. Stopped by Close.
func (s *Store) maintain() {
	defer s.wg.Done()

	flushTick := time.NewTicker(time.Minute)
	defer flushTick.Stop()
	sweepTick := time.NewTicker(s.sweepInterval)
	defer sweepTick.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-flushTick.C:
			s.mu.Lock()
			stale := s.dirty && time.Since(s.lastFlush) >= s.flushInterval
			s.mu.Unlock()
			if stale {
				s.flushIndex(false)
			}
		case <-sweepTick.C:
			s.PurgeExpired()
		}
	}
}

// flushIndex writes the index if dirty (or unconditionally when forced).
// The entry set is copied under the lock; serialization and the atomic
// replace run outside it.
func (s *Store) flushIndex(force bool) bool {
	s.mu.Lock()
	if !s.dirty && !force {
		s.mu.Unlock()
		return true
	}
	idx := indexFile{
		Version:     indexVersion,
		LastCleanup: s.lastCleanup.Unix(),
		Stats:       s.stats,
		Entries:     make(map[string]*indexEntry, len(s.index)),
	}
	if s.lastCleanup.IsZero() {
		idx.LastCleanup = 0
	}
	for k, ie := range s.index {
		copied := *ie
		idx.Entries[k] = &copied
	}
	s.dirty = false
	s.lastFlush = time.Now()
	s.mu.Unlock()

	if err := writeIndex(s.root, idx); err != nil {
		logrus.Errorf("disk: index flush failed: %v", err)
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return false
	}
	logrus.Debugf("disk: index flushed (%d entries)", len(idx.Entries))
	return true
}

func (s *Store) PurgeExpired() int {
	now := time.Now().Unix()

	s.mu.Lock()
	var paths []string
	for k, ie := range s.index {
		if ie.ExpiresAt != 0 && ie.ExpiresAt <= now {
			paths = append(paths, s.removeLocked(k))
		}
	}
	s.mu.Unlock()

	s.removeFiles(paths)
	if len(paths) > 0 {
		logrus.Debugf("disk: purged %d expired entries", len(paths))
	}
	return len(paths)
}

// Prune evicts least-recently-accessed entries down to the housekeeping
// target (80% of the size budget). High-priority entries are skipped even
// if the target cannot be met.
func (s *Store) Prune() int {
	s.mu.Lock()
	var target int64
	if s.maxSize > 0 {
		target = s.maxSize * pruneTargetPercent / 100
	}
	paths := s.pruneLocked(target, "")
	s.mu.Unlock()

	s.removeFiles(paths)
	return len(paths)
}

// pruneLocked removes entries ascending by last access until size fits
// target, skipping High/Highest priority entries and the key in exclude.
// Returns the payload paths of the victims; callers delete the files after
// unlocking. Falling short of the target is not an error: priority entries
// are only removable by explicit Delete.
func (s *Store) pruneLocked(target int64, exclude string) []string {
	if s.size <= target {
		return nil
	}

	type candidate struct {
		key          string
		lastAccessed int64
	}
	candidates := make([]candidate, 0, len(s.index))
	for k, ie := range s.index {
		if k == exclude {
			continue
		}
		if cache.Priority(ie.Priority) >= cache.PriorityHigh {
			continue
		}
		candidates = append(candidates, candidate{key: k, lastAccessed: ie.LastAccessed})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccessed < candidates[j].lastAccessed
	})

	var paths []string
	for _, c := range candidates {
		if s.size <= target {
			break
		}
		paths = append(paths, s.removeLocked(c.key))
		s.stats.Evictions++
	}
	if s.size > target {
		logrus.Debugf("disk: prune stopped above target (%d > %d), remaining entries are priority-protected", s.size, target)
	}
	return paths
}

// Vacuum reconciles the index with the filesystem in both directions:
// expired entries are purged, index entries whose payload file vanished are
// dropped, and payload files the index does not know about are deleted.
func (s *Store) Vacuum() {
	s.PurgeExpired()

	// Index -> file: drop records pointing at missing files.
	s.mu.Lock()
	known := make(map[string]string, len(s.index))
	for k, ie := range s.index {
		known[ie.FilePath] = k
	}
	s.mu.Unlock()

	var orphaned []string
	for rel, k := range known {
		if _, err := os.Stat(filepath.Join(s.root, rel)); os.IsNotExist(err) {
			orphaned = append(orphaned, k)
		}
	}
	if len(orphaned) > 0 {
		s.mu.Lock()
		for _, k := range orphaned {
			s.removeLocked(k)
		}
		s.mu.Unlock()
		logrus.Warnf("disk: vacuum dropped %d orphaned index entries", len(orphaned))
	}

	// File -> index: collect payload files the index does not reference.
	var unknown []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, rerr := filepath.Rel(s.root, path)
		if rerr != nil {
			return nil
		}
		if rel == indexFileName || rel == indexTempName {
			return nil
		}
		if _, ok := known[rel]; !ok {
			unknown = append(unknown, rel)
		}
		return nil
	})
	if err != nil {
		logrus.Errorf("disk: vacuum walk failed: %v", err)
	}

	// Re-check under the lock: a Put may have claimed a path since the
	// walk snapshot.
	if len(unknown) > 0 {
		s.mu.Lock()
		current := make(map[string]bool, len(s.index))
		for _, ie := range s.index {
			current[ie.FilePath] = true
		}
		var remove []string
		for _, rel := range unknown {
			if !current[rel] {
				remove = append(remove, filepath.Join(s.root, rel))
			}
		}
		s.mu.Unlock()
		s.removeFiles(remove)
		if len(remove) > 0 {
			logrus.Warnf("disk: vacuum removed %d unindexed payload files", len(remove))
		}
	}

	s.mu.Lock()
	s.lastCleanup = time.Now()
	s.dirty = true
	s.mu.Unlock()
}

// Resize changes the size budget. Shrinking below current usage prunes
// immediately before the new limit takes effect; growing is a pure
// metadata update.
func (s *Store) Resize(maxSize int64) {
	s.mu.Lock()
	var paths []string
	if maxSize > 0 && s.size > maxSize {
		paths = s.pruneLocked(maxSize, "")
	}
	s.maxSize = maxSize
	s.dirty = true
	s.mu.Unlock()

	s.removeFiles(paths)
}
