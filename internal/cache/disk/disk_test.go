package disk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menchan-Rub/quantum-netcache/internal/cache"
	"github.com/menchan-Rub/quantum-netcache/internal/codec"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Path == "" {
		opts.Path = t.TempDir()
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testResource(url string, data []byte) *cache.Resource {
	return &cache.Resource{
		Metadata: cache.Metadata{
			URL:       url,
			Policy:    cache.Public,
			ExpiresAt: time.Now().Add(time.Hour),
		},
		ContentType: "text/javascript",
		Data:        data,
	}
}

func TestResourceRoundTrip(t *testing.T) {
	s := newTestStore(t, Options{MaxSize: 1 << 20})

	e := testResource("https://example.com/app.js", []byte("console.log(1)"))
	e.Validator = &cache.Validator{ETag: `"abc"`}
	require.True(t, s.Put(e))

	got, ok := s.Get("https://example.com/app.js", "")
	require.True(t, ok)
	res, ok := got.(*cache.Resource)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/app.js", res.URL)
	assert.Equal(t, []byte("console.log(1)"), res.Data)
	assert.Equal(t, "text/javascript", res.ContentType)
	assert.Equal(t, int64(len(res.Data)), res.Size)
	require.NotNil(t, res.Validator)
	assert.Equal(t, `"abc"`, res.Validator.ETag)
}

func TestResponseRoundTrip(t *testing.T) {
	s := newTestStore(t, Options{MaxSize: 1 << 20})

	e := &cache.Response{
		Metadata: cache.Metadata{
			URL:       "https://example.com/",
			Policy:    cache.Private,
			ExpiresAt: time.Now().Add(time.Hour),
		},
		StatusCode: 203,
		Headers: []cache.HeaderField{
			{Name: "Content-Type", Value: "text/html"},
			{Name: "Set-Cookie", Value: "a=1"},
			{Name: "Set-Cookie", Value: "b=2"},
		},
		Body: []byte("<html>\nbody with a newline\n</html>"),
	}
	require.True(t, s.Put(e))

	got, ok := s.Get("https://example.com/", "")
	require.True(t, ok)
	resp, ok := got.(*cache.Response)
	require.True(t, ok)
	assert.Equal(t, 203, resp.StatusCode)
	assert.Equal(t, e.Headers, resp.Headers)
	assert.Equal(t, e.Body, resp.Body)
}

func TestOtherVariantsRoundTrip(t *testing.T) {
	s := newTestStore(t, Options{MaxSize: 1 << 20})

	hdr := &cache.Header{
		Metadata: cache.Metadata{URL: "https://example.com/h", Policy: cache.Public},
		Fields:   []cache.HeaderField{{Name: "Link", Value: "</style.css>; rel=preload"}},
	}
	require.True(t, s.Put(hdr))

	push := &cache.PushPromise{
		Metadata: cache.Metadata{URL: "https://example.com/p", Policy: cache.Public},
		Fields:   []cache.HeaderField{{Name: ":path", Value: "/style.css"}},
		Referrer: "https://example.com/",
	}
	require.True(t, s.Put(push))

	sess := cache.NewTransportSession("https://example.com/s", []byte{0x01, 0x02, 0x00, 0xff})
	sess.Policy = cache.Private
	require.True(t, s.Put(sess))

	got, ok := s.Get("https://example.com/h", "")
	require.True(t, ok)
	assert.Equal(t, hdr.Fields, got.(*cache.Header).Fields)

	got, ok = s.Get("https://example.com/p", "")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/", got.(*cache.PushPromise).Referrer)

	got, ok = s.Get("https://example.com/s", "")
	require.True(t, ok)
	restored := got.(*cache.TransportSession)
	assert.Equal(t, sess.SessionID, restored.SessionID)
	assert.Equal(t, []byte{0x01, 0x02, 0x00, 0xff}, restored.Ticket)
}

func TestNoStoreNeverHitsDisk(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Options{Path: dir, MaxSize: 1 << 20})

	e := testResource("https://example.com/secret", []byte("token"))
	e.Policy = cache.NoStore
	assert.False(t, s.Put(e))

	_, ok := s.Get("https://example.com/secret", "")
	assert.False(t, ok)

	// Nothing but the (not yet written) index may exist under the root.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, de := range entries {
		assert.Contains(t, []string{indexFileName}, de.Name())
	}
}

func TestVariantIsolation(t *testing.T) {
	s := newTestStore(t, Options{MaxSize: 1 << 20})

	en := testResource("https://example.com/page", []byte("hello"))
	en.VariantID = "en-US"
	require.True(t, s.Put(en))

	ja := testResource("https://example.com/page", []byte("konnichiwa"))
	ja.VariantID = "ja"
	require.True(t, s.Put(ja))

	got, ok := s.Get("https://example.com/page", "en-US")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got.(*cache.Resource).Data)

	got, ok = s.Get("https://example.com/page", "ja")
	require.True(t, ok)
	assert.Equal(t, []byte("konnichiwa"), got.(*cache.Resource).Data)

	_, ok = s.Get("https://example.com/page", "")
	assert.False(t, ok, "variant-less get must not return a variant body")

	assert.True(t, s.Delete("https://example.com/page"))
	assert.False(t, s.Contains("https://example.com/page"))
}

func TestIndexDurability(t *testing.T) {
	dir := t.TempDir()

	s := newTestStore(t, Options{Path: dir, MaxSize: 1 << 20})
	require.True(t, s.Put(testResource("https://example.com/durable", []byte("payload"))))
	require.True(t, s.Persist())
	require.NoError(t, s.Close())

	// The temp file never survives an atomic replace.
	_, err := os.Stat(filepath.Join(dir, indexTempName))
	assert.True(t, os.IsNotExist(err))

	reopened := newTestStore(t, Options{Path: dir, MaxSize: 1 << 20})
	got, ok := reopened.Get("https://example.com/durable", "")
	require.True(t, ok, "reopened store must see the persisted entry")
	assert.Equal(t, []byte("payload"), got.(*cache.Resource).Data)
}

func TestCorruptIndexStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, indexFileName), []byte("{truncated"), 0644))

	s := newTestStore(t, Options{Path: dir, MaxSize: 1 << 20})
	assert.Equal(t, int64(0), s.Stats().Entries)
	assert.True(t, s.Put(testResource("https://example.com/fresh", []byte("x"))))
}

func TestPurgeExpired(t *testing.T) {
	s := newTestStore(t, Options{MaxSize: 1 << 20})

	dead := testResource("https://example.com/dead", []byte("old"))
	dead.ExpiresAt = time.Now().Add(-time.Minute)
	require.True(t, s.Put(dead))
	live := testResource("https://example.com/live", []byte("new"))
	require.True(t, s.Put(live))

	assert.Equal(t, 2, int(s.Stats().Entries))
	assert.Equal(t, 1, s.PurgeExpired())
	assert.False(t, s.Contains("https://example.com/dead"))
	assert.True(t, s.Contains("https://example.com/live"))
}

func TestExpiredWithValidatorStaysUsable(t *testing.T) {
	s := newTestStore(t, Options{MaxSize: 1 << 20})

	e := testResource("https://example.com/stale", []byte("old"))
	e.ExpiresAt = time.Now().Add(-time.Minute)
	e.Validator = &cache.Validator{LastModified: "Mon, 02 Jan 2006 15:04:05 GMT"}
	require.True(t, s.Put(e))

	got, ok := s.Get("https://example.com/stale", "")
	require.True(t, ok, "stale-but-validatable entries remain retrievable")
	assert.Equal(t, cache.StatusStale, cache.StatusAt(got.Meta(), time.Now()))

	dead := testResource("https://example.com/gone", []byte("old"))
	dead.ExpiresAt = time.Now().Add(-time.Minute)
	require.True(t, s.Put(dead))
	_, ok = s.Get("https://example.com/gone", "")
	assert.False(t, ok, "expired entry without validator is a miss")
}

func TestPruneSkipsPriorityEntries(t *testing.T) {
	s := newTestStore(t, Options{MaxSize: 300})

	pinned := testResource("https://example.com/pinned", make([]byte, 120))
	pinned.Priority = cache.PriorityHigh
	pinned.LastAccessed = time.Now().Add(-time.Hour)
	require.True(t, s.Put(pinned))

	old := testResource("https://example.com/old", make([]byte, 120))
	old.LastAccessed = time.Now().Add(-30 * time.Minute)
	require.True(t, s.Put(old))

	// Needs 120 more bytes: the LRU victim by age would be pinned, but
	// priority protects it, so the unpinned entry goes instead.
	require.True(t, s.Put(testResource("https://example.com/new", make([]byte, 120))))
	assert.True(t, s.Contains("https://example.com/pinned"))
	assert.False(t, s.Contains("https://example.com/old"))

	// With only priority entries left, an insert that cannot fit fails
	// rather than evicting them.
	pinned2 := testResource("https://example.com/pinned2", make([]byte, 120))
	pinned2.Priority = cache.PriorityHighest
	require.True(t, s.Put(pinned2))
	assert.False(t, s.Put(testResource("https://example.com/wontfit", make([]byte, 200))))
	assert.True(t, s.Contains("https://example.com/pinned"))
	assert.True(t, s.Contains("https://example.com/pinned2"))
}

func TestReplaceEvictsOnlyDelta(t *testing.T) {
	s := newTestStore(t, Options{MaxSize: 1000})

	require.True(t, s.Put(testResource("https://example.com/k", make([]byte, 500))))
	require.True(t, s.Put(testResource("https://example.com/b", make([]byte, 300))))
	require.True(t, s.Put(testResource("https://example.com/c", make([]byte, 150))))

	// Replacing k credits its 500 bytes back before the 600-byte body is
	// accounted, so one eviction suffices; the other neighbor stays.
	require.True(t, s.Put(testResource("https://example.com/k", make([]byte, 600))))

	survivors := 0
	for _, u := range []string{"https://example.com/b", "https://example.com/c"} {
		if s.Contains(u) {
			survivors++
		}
	}
	assert.Equal(t, 1, survivors, "replacement must not evict more than necessary")
	assert.Equal(t, int64(1), s.Stats().Evictions)

	got, ok := s.Get("https://example.com/k", "")
	require.True(t, ok)
	assert.Len(t, got.(*cache.Resource).Data, 600)
}

func TestRejectedReplaceKeepsOldEntry(t *testing.T) {
	s := newTestStore(t, Options{MaxSize: 300})

	pinned := testResource("https://example.com/pinned", make([]byte, 120))
	pinned.Priority = cache.PriorityHigh
	require.True(t, s.Put(pinned))
	require.True(t, s.Put(testResource("https://example.com/k", []byte("original!!"))))

	// The pinned entry is not evictable and 120+250 cannot fit, so the
	// replacement is rejected. The entry it would have replaced survives.
	assert.False(t, s.Put(testResource("https://example.com/k", make([]byte, 250))))

	got, ok := s.Get("https://example.com/k", "")
	require.True(t, ok, "rejected replacement must not destroy the old entry")
	assert.Equal(t, []byte("original!!"), got.(*cache.Resource).Data)
	assert.True(t, s.Contains("https://example.com/pinned"))
}

func TestVacuumReconcilesBothDirections(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Options{Path: dir, MaxSize: 1 << 20})

	require.True(t, s.Put(testResource("https://example.com/kept", []byte("kept"))))
	require.True(t, s.Put(testResource("https://example.com/lost", []byte("lost"))))

	// Simulate a payload lost behind the index's back.
	s.mu.Lock()
	lost := s.index[cache.Key("https://example.com/lost", "")]
	s.mu.Unlock()
	require.NoError(t, os.Remove(filepath.Join(dir, lost.FilePath)))

	// And a stray file the index knows nothing about.
	strayDir := filepath.Join(dir, "abc", "def")
	require.NoError(t, os.MkdirAll(strayDir, 0755))
	stray := filepath.Join(strayDir, "0123456789")
	require.NoError(t, os.WriteFile(stray, []byte("stray"), 0644))

	s.Vacuum()

	assert.False(t, s.Contains("https://example.com/lost"), "orphaned index entry must be dropped")
	assert.True(t, s.Contains("https://example.com/kept"))
	_, err := os.Stat(stray)
	assert.True(t, os.IsNotExist(err), "unindexed payload file must be removed")
}

func TestResize(t *testing.T) {
	s := newTestStore(t, Options{MaxSize: 1000})

	require.True(t, s.Put(testResource("https://example.com/a", make([]byte, 400))))
	time.Sleep(1100 * time.Millisecond) // distinct lastAccessed seconds
	require.True(t, s.Put(testResource("https://example.com/b", make([]byte, 400))))

	s.Resize(500)
	st := s.Stats()
	assert.LessOrEqual(t, st.Size, int64(500))
	assert.Equal(t, int64(500), st.MaxSize)
	assert.False(t, s.Contains("https://example.com/a"), "older entry pruned on shrink")
	assert.True(t, s.Contains("https://example.com/b"))

	s.Resize(2000)
	assert.Equal(t, int64(2000), s.Stats().MaxSize)
}

func TestCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Options{Path: dir, MaxSize: 1 << 20, Codec: codec.NewGzip()})

	body := make([]byte, 4096) // zeros compress well
	require.True(t, s.Put(testResource("https://example.com/big.js", body)))

	s.mu.Lock()
	ie := s.index[cache.Key("https://example.com/big.js", "")]
	s.mu.Unlock()
	require.NotNil(t, ie)
	assert.True(t, ie.Compressed)
	assert.Less(t, ie.Size, int64(len(body)), "recorded size is the persisted (compressed) size")

	info, err := os.Stat(filepath.Join(dir, ie.FilePath))
	require.NoError(t, err)
	assert.Equal(t, ie.Size, info.Size(), "index size must match the file on disk")

	got, ok := s.Get("https://example.com/big.js", "")
	require.True(t, ok)
	assert.Equal(t, body, got.(*cache.Resource).Data)
	assert.False(t, got.Meta().Compressed)
}

func TestRestoreReloadsIndex(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Options{Path: dir, MaxSize: 1 << 20})

	require.True(t, s.Put(testResource("https://example.com/r", []byte("x"))))
	require.True(t, s.Persist())

	// Lose the in-memory view, then restore from the persisted index.
	s.mu.Lock()
	s.index = make(map[string]*indexEntry)
	s.urls = make(map[string]int)
	s.size = 0
	s.mu.Unlock()
	assert.False(t, s.Contains("https://example.com/r"))

	require.True(t, s.Restore())
	assert.True(t, s.Contains("https://example.com/r"))
}

func TestShardPathShape(t *testing.T) {
	p := shardPath("https://example.com/x")
	parts := []rune(filepath.ToSlash(p))
	assert.Equal(t, '/', parts[3])
	assert.Equal(t, '/', parts[7])
	// Pure function of the key.
	assert.Equal(t, p, shardPath("https://example.com/x"))
	assert.NotEqual(t, p, shardPath("https://example.com/y"))
}

func TestHandlePoolBounded(t *testing.T) {
	dir := t.TempDir()
	pool := newHandlePool(2)
	defer pool.closeAll()

	paths := make([]string, 3)
	for i := range paths {
		paths[i] = filepath.Join(dir, []string{"a", "b", "c"}[i])
		require.NoError(t, os.WriteFile(paths[i], []byte("data"), 0644))
	}

	for _, p := range paths {
		_, err := pool.get(p)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	pool.mu.Lock()
	open := len(pool.open)
	_, oldestStillOpen := pool.open[paths[0]]
	pool.mu.Unlock()
	assert.LessOrEqual(t, open, 2)
	assert.False(t, oldestStillOpen, "the least recently used handle is closed first")
}

func TestHandlePoolForget(t *testing.T) {
	dir := t.TempDir()
	pool := newHandlePool(2)
	defer pool.closeAll()

	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))
	_, err := pool.get(path)
	require.NoError(t, err)

	pool.forget(path)
	pool.mu.Lock()
	_, stillOpen := pool.open[path]
	pool.mu.Unlock()
	assert.False(t, stillOpen)
}
