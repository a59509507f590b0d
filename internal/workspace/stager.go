package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// indexFile is the aggregator a server package loads its tools through.
// It imports the sibling tool files, so it must land after them.
const indexFile = "__init__.py"

// Source is one host directory mirrored into the workspace.
type Source struct {
	Dir  string // host directory to mirror
	Dest string // destination subdirectory under the workspace root
}

// Report summarizes one staging pass.
type Report struct {
	Written int
	Skipped int
	Failed  []string // relative paths that could not be staged
}

// Stager mirrors runtime sources into the workspace so sandbox workers see
// them through the mount. Writes are content-hash gated: a pass over
// unchanged sources performs no writes. Individual file failures do not
// abort the pass.
type Stager struct {
	ws      *Workspace
	sources []Source
	logger  *slog.Logger

	mu     sync.Mutex
	hashes map[string]string // workspace-relative path -> staged content hash
	dirty  atomic.Bool

	writes atomic.Int64 // total files written across all passes
}

// NewStager creates a stager mirroring sources into ws.
func NewStager(ws *Workspace, sources []Source, logger *slog.Logger) *Stager {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stager{
		ws:      ws,
		sources: sources,
		logger:  logger,
		hashes:  make(map[string]string),
	}
	s.dirty.Store(true)
	return s
}

// MarkDirty requests a full pass on the next StageIfDirty call.
func (s *Stager) MarkDirty() {
	s.dirty.Store(true)
}

// Writes returns the total number of files written since creation.
func (s *Stager) Writes() int64 {
	return s.writes.Load()
}

// StageIfDirty runs Stage only when sources were marked changed.
func (s *Stager) StageIfDirty(ctx context.Context) (*Report, error) {
	if !s.dirty.Swap(false) {
		return &Report{}, nil
	}
	report, err := s.Stage(ctx)
	if err != nil {
		s.dirty.Store(true)
	}
	return report, err
}

// Stage mirrors every source into the workspace. Directory skeleton goes
// first, then regular files, then index files, so a worker never imports an
// aggregator whose tool files are missing.
func (s *Stager) Stage(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{}
	for _, src := range s.sources {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.stageSource(ctx, src, report); err != nil {
			return report, fmt.Errorf("staging %s: %w", src.Dir, err)
		}
	}

	s.logger.InfoContext(ctx, "workspace staged",
		slog.Int("written", report.Written),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", len(report.Failed)))
	return report, nil
}

func (s *Stager) stageSource(ctx context.Context, src Source, report *Report) error {
	if _, err := os.Stat(src.Dir); os.IsNotExist(err) {
		return nil
	}

	var dirs, files, indexes []string
	err := filepath.WalkDir(src.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(src.Dir, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") || name == "__pycache__" {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		switch {
		case d.IsDir():
			dirs = append(dirs, rel)
		case name == indexFile:
			indexes = append(indexes, rel)
		default:
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking source tree: %w", err)
	}
	sort.Strings(dirs)
	sort.Strings(files)
	sort.Strings(indexes)

	for _, rel := range dirs {
		dest, err := securejoin.SecureJoin(s.ws.Root, filepath.Join(src.Dest, rel))
		if err != nil {
			report.Failed = append(report.Failed, rel)
			continue
		}
		if err := os.MkdirAll(dest, 0750); err != nil {
			s.logger.Warn("staging directory failed", slog.String("path", rel), slog.String("error", err.Error()))
			report.Failed = append(report.Failed, rel)
		}
	}

	for _, group := range [][]string{files, indexes} {
		for _, rel := range group {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.stageFile(src, rel, report)
		}
	}
	return nil
}

// stageFile copies one file into the workspace unless its content already
// matches what was staged before.
func (s *Stager) stageFile(src Source, rel string, report *Report) {
	data, err := os.ReadFile(filepath.Join(src.Dir, rel))
	if err != nil {
		s.logger.Warn("reading source file failed", slog.String("path", rel), slog.String("error", err.Error()))
		report.Failed = append(report.Failed, rel)
		return
	}

	wsRel := filepath.Join(src.Dest, rel)
	sum := hashBytes(data)
	if s.hashes[wsRel] == sum {
		report.Skipped++
		return
	}

	dest, err := securejoin.SecureJoin(s.ws.Root, wsRel)
	if err != nil {
		s.logger.Warn("rejecting unsafe staging path", slog.String("path", wsRel), slog.String("error", err.Error()))
		report.Failed = append(report.Failed, rel)
		return
	}

	// First pass after a restart: trust a matching file already on disk.
	if existing, err := os.ReadFile(dest); err == nil && hashBytes(existing) == sum {
		s.hashes[wsRel] = sum
		report.Skipped++
		return
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		report.Failed = append(report.Failed, rel)
		return
	}
	if err := os.WriteFile(dest, data, 0640); err != nil {
		s.logger.Warn("writing staged file failed", slog.String("path", wsRel), slog.String("error", err.Error()))
		report.Failed = append(report.Failed, rel)
		return
	}

	s.hashes[wsRel] = sum
	s.writes.Add(1)
	report.Written++
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
