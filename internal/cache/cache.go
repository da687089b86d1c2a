// Package cache persists computed TDX measurements keyed by a hash of
// the VM configuration that produced them, so repeated verifications of
// the same image/config pair skip the expensive recomputation.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/dstack-tee/dstack-verifier/internal/mrengine"
)

// Version is bumped whenever the on-disk cache entry shape changes; an
// entry written by an older version is treated as a cache miss rather
// than an error.
const Version = 1

// Entry is the on-disk cache record: a version tag plus the measurements
// it was valid for.
type Entry struct {
	Version      int                      `json:"version"`
	Measurements mrengine.TdxMeasurements `json:"measurements"`
}

// Cache reads and writes measurement entries under a directory, one JSON
// file per configuration key.
type Cache struct {
	dir string
}

// New returns a Cache rooted at dir, creating it if it doesn't exist.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Cache{dir: dir}, nil
}

// Key derives the cache key for a VM configuration: the hex-encoded
// SHA-256 of its canonical JSON encoding.
func Key(vmConfig any) (string, error) {
	data, err := json.Marshal(vmConfig)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// Load returns the cached measurements for key, or ok=false if no valid
// entry exists. Any read, parse or version-mismatch error is treated as
// a cache miss and logged rather than propagated — the caller always has
// the option to recompute.
func (c *Cache) Load(key string) (mrengine.TdxMeasurements, bool) {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return mrengine.TdxMeasurements{}, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("measurement cache entry is corrupt, ignoring")
		return mrengine.TdxMeasurements{}, false
	}
	if entry.Version != Version {
		log.Debug().Str("key", key).Int("entry_version", entry.Version).Msg("measurement cache entry is stale, recomputing")
		return mrengine.TdxMeasurements{}, false
	}
	return entry.Measurements, true
}

// Store writes measurements for key, replacing any prior entry. The
// write goes to a temp file in the same directory and is renamed into
// place, so a concurrent Load never observes a partially-written file.
func (c *Cache) Store(key string, measurements mrengine.TdxMeasurements) error {
	entry := Entry{Version: Version, Measurements: measurements}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(c.dir, key+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, c.path(key))
}
