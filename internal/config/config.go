// Package config loads and validates the cache configuration and builds
// the configured store from it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/menchan-Rub/quantum-netcache/internal/cache"
	"github.com/menchan-Rub/quantum-netcache/internal/cache/disk"
	"github.com/menchan-Rub/quantum-netcache/internal/cache/memory"
	"github.com/menchan-Rub/quantum-netcache/internal/codec"
)

// Storage backend selectors.
const (
	StorageMemory = "memory"
	StorageDisk   = "disk"
	StorageHybrid = "hybrid"
)

// Config represents the cache configuration.
type Config struct {
	// StorageType is one of memory, disk or hybrid.
	StorageType string `yaml:"storage_type"`
	// MaxSize is the per-backend payload budget in bytes.
	MaxSize int64 `yaml:"max_size"`
	// MaxEntries caps the memory store's entry count.
	MaxEntries int `yaml:"max_entries"`
	// DefaultTTL is a duration string ("10m", "24h") applied to entries
	// without an explicit expiry.
	DefaultTTL string `yaml:"default_ttl"`
	// EvictionPolicy is one of lru, lfu, fifo, weighted.
	EvictionPolicy string `yaml:"eviction_policy"`
	// CompressionEnabled routes disk payload bodies through the codec.
	CompressionEnabled bool `yaml:"compression_enabled"`
	// PersistenceEnabled turns on snapshot/index persistence.
	PersistenceEnabled bool `yaml:"persistence_enabled"`
	// PersistencePath is the root directory for persisted state.
	PersistencePath string `yaml:"persistence_path"`
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.StorageType == "" {
		c.StorageType = StorageMemory
	}
	if c.MaxSize == 0 {
		c.MaxSize = 64 << 20
	}
	if c.DefaultTTL == "" {
		c.DefaultTTL = "1h"
	}
	if c.EvictionPolicy == "" {
		c.EvictionPolicy = "lru"
	}
}

// GetDefaultTTL parses and returns the default TTL duration.
func (c *Config) GetDefaultTTL() (time.Duration, error) {
	return time.ParseDuration(c.DefaultTTL)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.StorageType {
	case StorageMemory, StorageDisk, StorageHybrid:
	default:
		return fmt.Errorf("storage_type must be memory, disk or hybrid, got: %s", c.StorageType)
	}

	if c.MaxSize < 0 {
		return fmt.Errorf("max_size must not be negative: %d", c.MaxSize)
	}
	if c.MaxEntries < 0 {
		return fmt.Errorf("max_entries must not be negative: %d", c.MaxEntries)
	}

	if _, err := c.GetDefaultTTL(); err != nil {
		return fmt.Errorf("invalid default_ttl format: %w", err)
	}

	if _, err := memory.ParsePolicy(c.EvictionPolicy); err != nil {
		return fmt.Errorf("invalid eviction_policy: %w", err)
	}

	if c.StorageType != StorageMemory && c.PersistencePath == "" {
		return fmt.Errorf("persistence_path is required for %s storage", c.StorageType)
	}
	if c.PersistenceEnabled && c.PersistencePath == "" {
		return fmt.Errorf("persistence_path is required when persistence is enabled")
	}
	return nil
}

// Open builds the store the configuration describes.
func Open(c *Config) (cache.Store, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	ttl, err := c.GetDefaultTTL()
	if err != nil {
		return nil, err
	}
	policy, err := memory.ParsePolicy(c.EvictionPolicy)
	if err != nil {
		return nil, err
	}

	var cdc codec.Codec
	if c.CompressionEnabled {
		cdc = codec.NewGzip()
	}

	newMemory := func() *memory.Store {
		opts := memory.Options{
			MaxSize:    c.MaxSize,
			MaxEntries: c.MaxEntries,
			DefaultTTL: ttl,
			Policy:     policy,
		}
		if c.PersistenceEnabled && c.PersistencePath != "" {
			opts.SnapshotPath = filepath.Join(c.PersistencePath, "memory_snapshot.json")
		}
		return memory.New(opts)
	}
	newDisk := func() (*disk.Store, error) {
		return disk.New(disk.Options{
			Path:       filepath.Join(c.PersistencePath, "entries"),
			MaxSize:    c.MaxSize,
			DefaultTTL: ttl,
			Codec:      cdc,
		})
	}

	switch c.StorageType {
	case StorageMemory:
		return newMemory(), nil
	case StorageDisk:
		return newDisk()
	default:
		d, err := newDisk()
		if err != nil {
			return nil, err
		}
		return cache.NewTiered(newMemory(), d), nil
	}
}
