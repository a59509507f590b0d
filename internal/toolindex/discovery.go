// Package toolindex discovers tool definition files, extracts and caches
// their descriptions, and selects tools relevant to a task.
package toolindex

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Tool is one discovered tool definition.
type Tool struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Key returns the namespaced tool identifier.
func (t Tool) Key() string { return t.Server + "." + t.Name }

// Discovery scans a servers directory laid out as <dir>/<server>/<tool>.py.
type Discovery struct {
	dir string
}

// NewDiscovery creates a discovery over the given servers directory.
func NewDiscovery(dir string) *Discovery {
	return &Discovery{dir: dir}
}

// Servers lists server names, sorted.
func (d *Discovery) Servers() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading servers dir: %w", err)
	}
	var servers []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), "__") && !strings.HasPrefix(entry.Name(), ".") {
			servers = append(servers, entry.Name())
		}
	}
	sort.Strings(servers)
	return servers, nil
}

// Tools lists tool files for one server, sorted by name. Descriptions are
// not populated; see Describer.
func (d *Discovery) Tools(server string) ([]Tool, error) {
	serverDir := filepath.Join(d.dir, filepath.Base(server))
	entries, err := os.ReadDir(serverDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading server %s: %w", server, err)
	}
	var tools []Tool
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".py") || strings.HasPrefix(name, "__") {
			continue
		}
		tools = append(tools, Tool{
			Server: server,
			Name:   strings.TrimSuffix(name, ".py"),
			Path:   filepath.Join(serverDir, name),
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, nil
}

// All lists every tool across every server.
func (d *Discovery) All() ([]Tool, error) {
	servers, err := d.Servers()
	if err != nil {
		return nil, err
	}
	var all []Tool
	for _, server := range servers {
		tools, err := d.Tools(server)
		if err != nil {
			return nil, err
		}
		all = append(all, tools...)
	}
	return all, nil
}

// ReadSource returns the tool's source file content.
func (d *Discovery) ReadSource(t Tool) ([]byte, error) {
	data, err := os.ReadFile(t.Path)
	if err != nil {
		return nil, fmt.Errorf("reading tool %s: %w", t.Key(), err)
	}
	return data, nil
}

var (
	defRe       = regexp.MustCompile(`(?m)^\s*(?:async\s+)?def\s+(\w+)\s*\(([^)]*)\)`)
	docstringRe = regexp.MustCompile(`(?s)^\s*(?:"""(.*?)"""|'''(.*?)''')`)
)

// ExtractDescription pulls the first function docstring out of tool source.
// Without a docstring it falls back to the function signature.
func ExtractDescription(source string) string {
	loc := defRe.FindStringSubmatchIndex(source)
	if loc == nil {
		return ""
	}
	name := source[loc[2]:loc[3]]
	params := source[loc[4]:loc[5]]

	// The docstring, if any, is the first statement after the def line.
	rest := source[loc[1]:]
	if idx := strings.Index(rest, "\n"); idx >= 0 {
		rest = rest[idx+1:]
	}
	if m := docstringRe.FindStringSubmatch(rest); m != nil {
		doc := m[1]
		if doc == "" {
			doc = m[2]
		}
		return strings.TrimSpace(doc)
	}

	var cleaned []string
	for _, p := range strings.Split(params, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		// Drop type annotations and defaults.
		if i := strings.IndexAny(p, ":="); i >= 0 {
			p = strings.TrimSpace(p[:i])
		}
		cleaned = append(cleaned, p)
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(cleaned, ", "))
}
