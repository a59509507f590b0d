// Package codegen builds the sandbox scripts that exercise staged tools.
// Generated code imports tools from the staged workspace tree and wraps
// every import and call so a single failing tool never kills the script.
package codegen

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
)

const defaultHeader = "# Tools are imported from the staged workspace tree."

var callTmpl = template.Must(template.New("call").Parse(`# Using {{.Tool}}
try:
    result = {{.Tool}}()
    print(f"{{.Tool}}() = {result}")
except Exception as e:
    print(f"{{.Tool}}() error: {e}")`))

var bareCallTmpl = template.Must(template.New("bare").Parse(`# Using {{.Tool}}
result = {{.Tool}}()
print(f"{{.Tool}}() = {result}")`))

// Generator produces executable scripts from a tool selection.
type Generator struct {
	// IncludeErrorHandling wraps tool calls in try/except blocks.
	IncludeErrorHandling bool
}

// New creates a generator with error handling enabled.
func New() *Generator {
	return &Generator{IncludeErrorHandling: true}
}

// Imports returns one import statement per server, pulling the selected
// tools from the staged servers package.
func (g *Generator) Imports(required map[string][]string) []string {
	servers := make([]string, 0, len(required))
	for server, tools := range required {
		if len(tools) > 0 {
			servers = append(servers, server)
		}
	}
	sort.Strings(servers)

	imports := make([]string, 0, len(servers))
	for _, server := range servers {
		imports = append(imports, fmt.Sprintf("from servers.%s import %s", server, strings.Join(required[server], ", ")))
	}
	return imports
}

// Complete assembles a full script: header, guarded imports (client shim
// first, since server tools depend on it), then one call block per tool.
// customCalls overrides the generated block for a server.
func (g *Generator) Complete(required map[string][]string, customCalls map[string]string, header string) string {
	if header == "" {
		header = defaultHeader
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n")

	imports := g.Imports(required)
	if len(imports) == 0 {
		b.WriteString("# No tools needed for this task\n")
		return b.String()
	}

	b.WriteString(guardedImport("from client.mcp_client import call_mcp_tool", []string{"call_mcp_tool"}))
	b.WriteString("\n")
	for i, imp := range imports {
		b.WriteString(guardedImport(imp, importedNames(imp)))
		if i < len(imports)-1 {
			b.WriteString("\n")
		}
	}

	b.WriteString("\n# Execute the task using selected tools\n")

	servers := make([]string, 0, len(required))
	for server := range required {
		servers = append(servers, server)
	}
	sort.Strings(servers)

	for _, server := range servers {
		if custom, ok := customCalls[server]; ok {
			b.WriteString(custom)
			b.WriteString("\n")
			continue
		}
		for _, tool := range required[server] {
			b.WriteString(g.callBlock(tool))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (g *Generator) callBlock(tool string) string {
	var b strings.Builder
	tmpl := bareCallTmpl
	if g.IncludeErrorHandling {
		tmpl = callTmpl
	}
	_ = tmpl.Execute(&b, struct{ Tool string }{tool})
	b.WriteString("\n")
	return b.String()
}

// guardedImport wraps an import so a failure prints the cause and leaves
// the imported names as None instead of aborting the script.
func guardedImport(stmt string, names []string) string {
	var b strings.Builder
	b.WriteString("try:\n")
	b.WriteString("    " + stmt + "\n")
	b.WriteString("except Exception as e:\n")
	b.WriteString("    print(f'Import error: {type(e).__name__}: {e}', flush=True)\n")
	for _, name := range names {
		b.WriteString("    " + name + " = None\n")
	}
	return b.String()
}

// importedNames extracts the bound names from a "from X import a, b" statement.
func importedNames(stmt string) []string {
	idx := strings.LastIndex(stmt, "import")
	if idx < 0 {
		return nil
	}
	var names []string
	for _, part := range strings.Split(stmt[idx+len("import"):], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.Index(part, " as "); i >= 0 {
			part = strings.TrimSpace(part[i+4:])
		}
		names = append(names, part)
	}
	return names
}
