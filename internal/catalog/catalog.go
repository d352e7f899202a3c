// Package catalog keeps the set of terrain textures found in the data
// directory. Each file gets a UUID, is renamed to <uuid>.<ext> and gets a
// <uuid>.json sidecar holding its metadata.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"terratex/internal/texcache"
	"terratex/internal/tilegen"
	"terratex/internal/tqt"
)

type Kind string

const (
	// KindTQT is a prebuilt .tqt texture quad-tree.
	KindTQT Kind = "tqt"
	// KindImage is a large source image tiled on the fly.
	KindImage Kind = "image"
)

type Entry struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Kind             Kind   `json:"kind"`
	Depth            int    `json:"depth"`
	TileSize         int    `json:"tile_size"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bytes            int64  `json:"bytes"`
}

// Provider is an opened texture quad-tree.
type Provider interface {
	texcache.TileProvider
	Depth() int
	TileSize() int
}

type Catalog struct {
	dataDir  string
	tileSize int
	logger   *zap.Logger

	mu        sync.RWMutex
	entries   []Entry
	providers map[string]Provider
}

// New creates a catalog over dataDir. tileSize is used to tile source
// images; .tqt files carry their own.
func New(dataDir string, tileSize int, logger *zap.Logger) *Catalog {
	return &Catalog{
		dataDir:   dataDir,
		tileSize:  tileSize,
		logger:    logger,
		providers: make(map[string]Provider),
	}
}

func kindOf(path string) (Kind, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".tqt":
		return KindTQT, true
	case tilegen.Extensions[ext]:
		return KindImage, true
	}
	return "", false
}

// Scan rereads the data directory. Providers already opened for entries
// that are still present are kept, so tile identities stay stable.
func (c *Catalog) Scan() error {
	if err := c.cleanupOrphanedJSON(); err != nil {
		return err
	}

	dirEntries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	entries := []Entry{}
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}
		path := c.getFilePath(dirEntry.Name())
		kind, ok := kindOf(path)
		if !ok {
			continue
		}

		ext := filepath.Ext(path)
		basename := strings.TrimSuffix(filepath.Base(path), ext)
		jsonPath := c.getFilePath(basename + ".json")

		if _, err := os.Stat(jsonPath); err == nil {
			entry, err := c.loadMetadata(jsonPath)
			if err != nil {
				c.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
			entries = append(entries, *entry)
			continue
		}

		// no metadata yet: move the file under a fresh UUID and describe it
		id := uuid.New().String()
		finalPath := c.getFilePath(id + strings.ToLower(ext))
		if err := os.Rename(path, finalPath); err != nil {
			c.logger.Warn("Failed to rename file", zap.String("old_path", path), zap.String("new_path", finalPath), zap.Error(err))
			continue
		}
		c.logger.Info("Migrated file to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

		entry, err := c.inspect(finalPath, kind)
		if err != nil {
			c.logger.Warn("Failed to inspect texture", zap.String("path", finalPath), zap.Error(err))
			continue
		}
		entry.ID = id
		entry.OriginalFilename = filepath.Base(path)
		entry.CurrentFilename = filepath.Base(finalPath)

		jsonPath = c.getFilePath(id + ".json")
		if err := c.saveMetadata(jsonPath, entry); err != nil {
			c.logger.Warn("Failed to save metadata", zap.String("json_path", jsonPath), zap.Error(err))
		} else {
			c.logger.Info("Created metadata file", zap.String("json_path", jsonPath))
		}
		entries = append(entries, *entry)
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

// cleanupOrphanedJSON removes sidecars that are unreadable, name a
// different UUID than their file name, or whose texture file is gone.
func (c *Catalog) cleanupOrphanedJSON() error {
	dirEntries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}
		path := c.getFilePath(dirEntry.Name())
		if strings.ToLower(filepath.Ext(path)) != ".json" {
			continue
		}
		basename := strings.TrimSuffix(filepath.Base(path), ".json")

		reason := ""
		meta, err := c.loadMetadata(path)
		switch {
		case err != nil:
			reason = "invalid"
		case meta.ID != basename:
			reason = "uuid mismatch"
		default:
			if _, err := os.Stat(c.getFilePath(meta.CurrentFilename)); err != nil {
				reason = "orphaned"
			}
		}
		if reason == "" {
			continue
		}

		if err := os.Remove(path); err != nil {
			c.logger.Warn("Failed to delete JSON", zap.String("path", path), zap.String("reason", reason), zap.Error(err))
		} else {
			c.logger.Info("Deleted JSON file", zap.String("path", path), zap.String("reason", reason))
		}
	}

	return nil
}

func (c *Catalog) inspect(path string, kind Kind) (*Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	entry := &Entry{Kind: kind, Bytes: info.Size()}

	switch kind {
	case KindTQT:
		tree, err := tqt.Open(path)
		if err != nil {
			return nil, err
		}
		defer tree.Close()
		entry.Depth = tree.Depth()
		entry.TileSize = tree.TileSize()
		entry.Width = tree.TileSize() << (tree.Depth() - 1)
		entry.Height = entry.Width
	case KindImage:
		src, err := tilegen.Open(path, c.tileSize)
		if err != nil {
			return nil, err
		}
		entry.Depth = src.Depth()
		entry.TileSize = src.TileSize()
		entry.Width = src.Width()
		entry.Height = src.Height()
	}
	return entry, nil
}

func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entry(nil), c.entries...)
}

func (c *Catalog) Entry(id string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.ID == id {
			return &e
		}
	}
	return nil
}

// Provider returns the opened quad-tree for id. The same Provider value is
// returned for the life of the catalog.
func (c *Catalog) Provider(id string) (Provider, error) {
	entry := c.Entry(id)
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.providers[id]; ok {
		return p, nil
	}

	path := c.getFilePath(entry.CurrentFilename)
	var p Provider
	var err error
	switch entry.Kind {
	case KindTQT:
		p, err = tqt.Open(path)
	case KindImage:
		p, err = tilegen.Open(path, entry.TileSize)
	default:
		err = fmt.Errorf("unknown texture kind %q", entry.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", id, err)
	}
	c.providers[id] = p
	return p, nil
}

// Close closes every opened provider.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for id, p := range c.providers {
		if closer, ok := p.(io.Closer); ok {
			err = multierr.Append(err, closer.Close())
		}
		delete(c.providers, id)
	}
	return err
}

func (c *Catalog) getFilePath(filename string) string {
	return filepath.Join(c.dataDir, filename)
}

func (c *Catalog) loadMetadata(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta Entry
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	return &meta, nil
}

func (c *Catalog) saveMetadata(path string, meta *Entry) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}
