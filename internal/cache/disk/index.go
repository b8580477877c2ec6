package disk

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menchan-Rub/quantum-netcache/internal/cache"
)

const (
	indexVersion  = 1
	indexFileName = "cache_index.json"
	indexTempName = "cache_index.tmp.json"
)

// indexEntry is the durable metadata of one cached file. FilePath is
// relative to the store root.
type indexEntry struct {
	URL             string `json:"url"`
	VariantID       string `json:"variantId,omitempty"`
	FilePath        string `json:"filePath"`
	EntryType       int    `json:"entryType"`
	Created         int64  `json:"created"`
	LastAccessed    int64  `json:"lastAccessed"`
	ExpiresAt       int64  `json:"expiresAt"`
	Size            int64  `json:"size"`
	AccessCount     int64  `json:"accessCount"`
	Policy          int    `json:"policy"`
	Priority        int    `json:"priority"`
	ContentType     string `json:"contentType,omitempty"`
	ContentEncoding string `json:"contentEncoding,omitempty"`
	ETag            string `json:"etag,omitempty"`
	LastModified    string `json:"lastModified,omitempty"`
	Compressed      bool   `json:"compressed,omitempty"`
}

// indexFile is the JSON document persisted as cache_index.json, keyed by
// the composite url/variant key.
type indexFile struct {
	Version     int                    `json:"version"`
	LastCleanup int64                  `json:"lastCleanup"`
	Stats       cache.Stats            `json:"stats"`
	Entries     map[string]*indexEntry `json:"entries"`
}

// meta reconstructs entry metadata from an index record.
func (ie *indexEntry) meta() cache.Metadata {
	m := cache.Metadata{
		URL:          ie.URL,
		VariantID:    ie.VariantID,
		Created:      time.Unix(ie.Created, 0),
		LastAccessed: time.Unix(ie.LastAccessed, 0),
		Size:         ie.Size,
		AccessCount:  ie.AccessCount,
		Policy:       cache.Policy(ie.Policy),
		Priority:     cache.Priority(ie.Priority),
		Compressed:   ie.Compressed,
	}
	if ie.ExpiresAt != 0 {
		m.ExpiresAt = time.Unix(ie.ExpiresAt, 0)
	}
	if ie.ETag != "" || ie.LastModified != "" {
		m.Validator = &cache.Validator{ETag: ie.ETag, LastModified: ie.LastModified}
	}
	return m
}

// loadIndex reads the index file under root. A missing or corrupt index is
// an empty cache, never a startup failure: the store rebuilds from scratch.
func loadIndex(root string) indexFile {
	empty := indexFile{Version: indexVersion, Entries: make(map[string]*indexEntry)}

	data, err := os.ReadFile(filepath.Join(root, indexFileName))
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.Warnf("disk: could not read index, starting empty: %v", err)
		}
		return empty
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		logrus.Warnf("disk: discarding corrupt index: %v", err)
		return empty
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]*indexEntry)
	}
	idx.Version = indexVersion
	return idx
}

// writeIndex serializes idx to a temp file and atomically replaces the live
// index. A crash mid-write leaves the previous index intact.
func writeIndex(root string, idx indexFile) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	tmp := filepath.Join(root, indexTempName)
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(root, indexFileName)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
