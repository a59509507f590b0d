package toolindex

import (
	"log/slog"
	"strings"
	"sync/atomic"
)

// Index ties discovery to the description cache.
type Index struct {
	disc   *Discovery
	cache  *DescriptionCache
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewIndex creates an index. The cache may be nil to disable caching.
func NewIndex(disc *Discovery, cache *DescriptionCache, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{disc: disc, cache: cache, logger: logger}
}

// Discovery exposes the underlying directory scanner.
func (ix *Index) Discovery() *Discovery { return ix.disc }

// Describe returns the tool's description, from cache when the source is
// unchanged, otherwise by parsing the source and refreshing the cache.
func (ix *Index) Describe(t Tool) string {
	if ix.cache != nil {
		if desc, ok := ix.cache.Get(t.Server, t.Name, t.Path); ok {
			ix.hits.Add(1)
			return desc
		}
		ix.misses.Add(1)
	}

	source, err := ix.disc.ReadSource(t)
	if err != nil {
		ix.logger.Warn("describing tool failed", slog.String("tool", t.Key()), slog.String("error", err.Error()))
		return ""
	}
	desc := ExtractDescription(string(source))
	if ix.cache != nil && desc != "" {
		if err := ix.cache.Set(t.Server, t.Name, desc, t.Path); err != nil {
			ix.logger.Warn("caching description failed", slog.String("tool", t.Key()), slog.String("error", err.Error()))
		}
	}
	return desc
}

// DescribedTools lists every tool with its description populated.
func (ix *Index) DescribedTools() ([]Tool, error) {
	tools, err := ix.disc.All()
	if err != nil {
		return nil, err
	}
	for i := range tools {
		tools[i].Description = ix.Describe(tools[i])
	}
	return tools, nil
}

// Search returns tools whose name or description contains the query,
// case-insensitively. An empty query matches everything.
func (ix *Index) Search(query string) ([]Tool, error) {
	tools, err := ix.DescribedTools()
	if err != nil {
		return nil, err
	}
	if query == "" {
		return tools, nil
	}
	q := strings.ToLower(query)
	var matched []Tool
	for _, t := range tools {
		if strings.Contains(strings.ToLower(t.Name), q) ||
			strings.Contains(strings.ToLower(t.Server), q) ||
			strings.Contains(strings.ToLower(t.Description), q) {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// Stats reports cache hit and miss counts. Safe for concurrent use.
func (ix *Index) Stats() (hits, misses int64) {
	return ix.hits.Load(), ix.misses.Load()
}

// Flush persists the cache when present.
func (ix *Index) Flush() error {
	if ix.cache == nil {
		return nil
	}
	return ix.cache.Save()
}
