// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Key identifies a firmware image
type Key struct {
	Type    uint16
	Version uint16
}

// String returns "type/version"
func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.Type, k.Version)
}

// Catalog is a read-only (type, version) -> image lookup
type Catalog struct {
	images map[Key]*Image
	failed map[Key]error
}

// NewCatalog creates a catalog from already built images
func NewCatalog(images ...*Image) *Catalog {
	c := &Catalog{
		images: make(map[Key]*Image, len(images)),
		failed: make(map[Key]error),
	}
	for _, img := range images {
		c.images[Key{img.Type, img.Version}] = img
	}
	return c
}

// LoadDir loads every "<type>_<version>.hex" file in dir. Files that fail to
// load are logged and remembered so lookups can report why; they never fail
// the whole catalog. Other file names are ignored.
func LoadDir(dir string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read firmware dir: %w", err)
	}

	c := NewCatalog()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}

		path := filepath.Join(dir, e.Name())
		img, err := Load(path, key.Type, key.Version)
		if err != nil {
			logger.Warn("Failed to load firmware", slog.String("path", path), slog.Any("error", err))
			c.failed[key] = err
			continue
		}

		logger.Info("Loaded firmware",
			slog.String("path", path),
			slog.Int("type", int(img.Type)),
			slog.Int("version", int(img.Version)),
			slog.Int("blocks", int(img.BlockCount())),
			slog.String("crc", fmt.Sprintf("0x%04X", img.CRC)),
		)
		c.images[key] = img
	}

	return c, nil
}

// ParseFileName extracts the image key from "<type>_<version>.hex"
func ParseFileName(name string) (Key, bool) {
	ext := filepath.Ext(name)
	if !strings.EqualFold(ext, ".hex") {
		return Key{}, false
	}

	typ, ver, ok := strings.Cut(strings.TrimSuffix(name, ext), "_")
	if !ok {
		return Key{}, false
	}
	t, err := strconv.ParseUint(typ, 10, 16)
	if err != nil {
		return Key{}, false
	}
	v, err := strconv.ParseUint(ver, 10, 16)
	if err != nil {
		return Key{}, false
	}
	return Key{Type: uint16(t), Version: uint16(v)}, true
}

// Lookup returns the image for (type, version). The error wraps ErrNotFound
// or the load failure recorded for that file.
func (c *Catalog) Lookup(typ, version uint16) (*Image, error) {
	key := Key{typ, version}
	if img, ok := c.images[key]; ok {
		return img, nil
	}
	if err, ok := c.failed[key]; ok {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Keys returns the loaded image keys in order
func (c *Catalog) Keys() []Key {
	keys := make([]Key, 0, len(c.images))
	for k := range c.images {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// Failed returns the keys of files that did not load, in order
func (c *Catalog) Failed() []Key {
	keys := make([]Key, 0, len(c.failed))
	for k := range c.failed {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Version < keys[j].Version
	})
}

// Len returns the number of loaded images
func (c *Catalog) Len() int {
	return len(c.images)
}
