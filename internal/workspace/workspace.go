// Package workspace manages the host directory mounted into sandbox workers
// and the staging of runtime sources into it. Everything a sandbox can see
// lives under a single workspace root.
//
// Default workspace: ./workspace (configurable via config or SANDUKU_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// GuestMount is where the workspace root appears inside every worker.
const GuestMount = "/workspace"

// Workspace manages the mounted directory tree and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// --- Top-level directory accessors ---

// ServersDir returns <root>/servers/. Staged tool definition files, one
// subdirectory per server.
func (w *Workspace) ServersDir() string {
	return w.dir("servers")
}

// ClientDir returns <root>/client/. The staged runtime shim imported by
// generated code.
func (w *Workspace) ClientDir() string {
	return w.dir("client")
}

// SkillsDir returns <root>/skills/. Staged reusable skill scripts.
func (w *Workspace) SkillsDir() string {
	return w.dir("skills")
}

// StateDir returns <root>/state/. Files written by executed code that
// persist across executions.
func (w *Workspace) StateDir() string {
	return w.dir("state")
}

// --- State files ---

// StatePath returns <root>/state/<name> with the name sanitized against
// traversal.
func (w *Workspace) StatePath(name string) string {
	return filepath.Join(w.StateDir(), sanitizeName(name))
}

// ListState returns the names of all files under the state directory.
func (w *Workspace) ListState() ([]string, error) {
	entries, err := os.ReadDir(w.StateDir())
	if err != nil {
		return nil, fmt.Errorf("reading state dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// EnsureAll creates all standard workspace directories.
func (w *Workspace) EnsureAll() error {
	for _, d := range []string{w.ServersDir(), w.ClientDir(), w.SkillsDir(), w.StateDir()} {
		if err := w.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
