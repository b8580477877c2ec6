package cache

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Tiered layers a fast front store over a durable back store, implementing
// the same contract. Reads that miss the front and hit the back promote the
// entry forward; writes go through to both tiers.
type Tiered struct {
	front Store
	back  Store

	mu     sync.Mutex
	hits   int64
	misses int64
}

// NewTiered builds a hybrid store, conventionally memory over disk.
func NewTiered(front, back Store) *Tiered {
	return &Tiered{front: front, back: back}
}

func (t *Tiered) Get(url, variant string) (Entry, bool) {
	if e, ok := t.front.Get(url, variant); ok {
		t.count(true)
		return e, true
	}
	e, ok := t.back.Get(url, variant)
	if !ok {
		t.count(false)
		return nil, false
	}
	// Promote into the front tier. Best effort: a rejected promotion is
	// still a hit.
	if !t.front.Put(e) {
		logrus.Debugf("cache: promotion of %s rejected by front tier", url)
	}
	t.count(true)
	return e, true
}

func (t *Tiered) Put(e Entry) bool {
	if e.Meta().Policy == NoStore {
		return false
	}
	frontOK := t.front.Put(e)
	backOK := t.back.Put(e)
	return frontOK || backOK
}

func (t *Tiered) Delete(url string) bool {
	frontOK := t.front.Delete(url)
	backOK := t.back.Delete(url)
	return frontOK || backOK
}

func (t *Tiered) Clear() {
	t.front.Clear()
	t.back.Clear()
}

func (t *Tiered) Contains(url string) bool {
	return t.front.Contains(url) || t.back.Contains(url)
}

func (t *Tiered) Touch(url, variant string) bool {
	frontOK := t.front.Touch(url, variant)
	backOK := t.back.Touch(url, variant)
	return frontOK || backOK
}

func (t *Tiered) Refresh(url string, e Entry) bool {
	e.Meta().URL = url
	return t.Put(e)
}

func (t *Tiered) Status(url string) Status {
	if st := t.front.Status(url); st != StatusInvalid {
		return st
	}
	return t.back.Status(url)
}

func (t *Tiered) PurgeExpired() int {
	return t.front.PurgeExpired() + t.back.PurgeExpired()
}

func (t *Tiered) Persist() bool {
	frontOK := t.front.Persist()
	backOK := t.back.Persist()
	return frontOK || backOK
}

func (t *Tiered) Restore() bool {
	frontOK := t.front.Restore()
	backOK := t.back.Restore()
	return frontOK || backOK
}

// Stats aggregates both tiers. Hit/miss counters are the tiered view (one
// lookup, one outcome); volume counters are summed across tiers.
func (t *Tiered) Stats() Stats {
	f := t.front.Stats()
	b := t.back.Stats()

	t.mu.Lock()
	st := Stats{
		Hits:          t.hits,
		Misses:        t.misses,
		Entries:       f.Entries + b.Entries,
		Size:          f.Size + b.Size,
		MaxSize:       f.MaxSize + b.MaxSize,
		Insertions:    f.Insertions + b.Insertions,
		Evictions:     f.Evictions + b.Evictions,
		Invalidations: f.Invalidations + b.Invalidations,
	}
	t.mu.Unlock()
	st.HitRatio = st.Ratio()
	return st
}

func (t *Tiered) Close() error {
	frontErr := t.front.Close()
	backErr := t.back.Close()
	if frontErr != nil {
		return frontErr
	}
	return backErr
}

func (t *Tiered) count(hit bool) {
	t.mu.Lock()
	if hit {
		t.hits++
	} else {
		t.misses++
	}
	t.mu.Unlock()
}
