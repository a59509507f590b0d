package toolindex

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const cacheVersion = "1.0"

// cacheEntry is one persisted description keyed by (server, tool).
type cacheEntry struct {
	Description string `json:"description"`
	Hash        string `json:"hash"`
	Path        string `json:"path"`
	Server      string `json:"server"`
	Tool        string `json:"tool"`
}

type cacheFile struct {
	Version string                `json:"version"`
	Tools   map[string]cacheEntry `json:"tools"`
}

// DescriptionCache persists extracted tool descriptions keyed by
// (server, tool) and invalidated by source content hash. Parsing tool files
// is the expensive part of discovery; the cache makes repeat lookups cheap
// across restarts.
type DescriptionCache struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]cacheEntry
	dirty bool
}

// OpenCache loads the cache at path, tolerating a missing or corrupt file.
func OpenCache(path string, logger *slog.Logger) *DescriptionCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &DescriptionCache{
		path:   path,
		logger: logger,
		tools:  make(map[string]cacheEntry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("loading tool cache failed", slog.String("error", err.Error()))
		}
		return c
	}
	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		logger.Warn("discarding corrupt tool cache", slog.String("path", path), slog.String("error", err.Error()))
		return c
	}
	if file.Tools != nil {
		c.tools = file.Tools
	}
	logger.Info("tool cache loaded", slog.String("path", path), slog.Int("entries", len(c.tools)))
	return c
}

// Get returns the cached description for (server, tool) when the source file
// still hashes the same. A modified or missing source is a miss.
func (c *DescriptionCache) Get(server, tool, sourcePath string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.tools[server+"."+tool]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}

	hash, err := fileHash(sourcePath)
	if err != nil || hash != entry.Hash {
		return "", false
	}
	return entry.Description, true
}

// Set records a description for (server, tool) keyed to the current content
// hash of sourcePath.
func (c *DescriptionCache) Set(server, tool, description, sourcePath string) error {
	hash, err := fileHash(sourcePath)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", sourcePath, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[server+"."+tool] = cacheEntry{
		Description: description,
		Hash:        hash,
		Path:        sourcePath,
		Server:      server,
		Tool:        tool,
	}
	c.dirty = true
	return nil
}

// Save writes the cache to disk, but only when entries changed since the
// last save.
func (c *DescriptionCache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}

	data, err := json.MarshalIndent(cacheFile{Version: cacheVersion, Tools: c.tools}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding tool cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0750); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0640); err != nil {
		return fmt.Errorf("writing tool cache: %w", err)
	}
	c.dirty = false
	c.logger.Debug("tool cache saved", slog.Int("entries", len(c.tools)))
	return nil
}

// Clear drops all entries and persists the empty cache.
func (c *DescriptionCache) Clear() error {
	c.mu.Lock()
	c.tools = make(map[string]cacheEntry)
	c.dirty = true
	c.mu.Unlock()
	return c.Save()
}

// Len returns the number of cached entries.
func (c *DescriptionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}

func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
