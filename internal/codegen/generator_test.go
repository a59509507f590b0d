package codegen

import (
	"strings"
	"testing"
)

func TestImportsSortedByServer(t *testing.T) {
	g := New()
	imports := g.Imports(map[string][]string{
		"weather":    {"get_forecast", "get_alerts"},
		"calculator": {"add"},
		"empty":      {},
	})
	if len(imports) != 2 {
		t.Fatalf("imports = %v", imports)
	}
	if imports[0] != "from servers.calculator import add" {
		t.Errorf("imports[0] = %q", imports[0])
	}
	if imports[1] != "from servers.weather import get_forecast, get_alerts" {
		t.Errorf("imports[1] = %q", imports[1])
	}
}

func TestCompleteGuardsImports(t *testing.T) {
	g := New()
	code := g.Complete(map[string][]string{"weather": {"get_forecast"}}, nil, "")

	// Client shim import comes before server imports.
	clientIdx := strings.Index(code, "from client.mcp_client import call_mcp_tool")
	serverIdx := strings.Index(code, "from servers.weather import get_forecast")
	if clientIdx < 0 || serverIdx < 0 {
		t.Fatalf("missing imports in:\n%s", code)
	}
	if clientIdx > serverIdx {
		t.Error("client shim must be imported before server tools")
	}

	if !strings.Contains(code, "get_forecast = None") {
		t.Error("failed import should bind the tool name to None")
	}
	if !strings.Contains(code, "result = get_forecast()") {
		t.Error("missing call block")
	}
	if !strings.Contains(code, "except Exception as e:") {
		t.Error("call block should be guarded")
	}
}

func TestCompleteCustomCalls(t *testing.T) {
	g := New()
	code := g.Complete(
		map[string][]string{"weather": {"get_forecast"}},
		map[string]string{"weather": "forecast = get_forecast(city='Nairobi')\nprint(forecast)"},
		"",
	)
	if !strings.Contains(code, "city='Nairobi'") {
		t.Errorf("custom call not used:\n%s", code)
	}
	if strings.Contains(code, "result = get_forecast()") {
		t.Error("generic block should be replaced by the custom call")
	}
}

func TestCompleteNoTools(t *testing.T) {
	g := New()
	code := g.Complete(nil, nil, "")
	if !strings.Contains(code, "# No tools needed for this task") {
		t.Errorf("empty selection output:\n%s", code)
	}
}

func TestBareCallsWithoutErrorHandling(t *testing.T) {
	g := &Generator{IncludeErrorHandling: false}
	code := g.Complete(map[string][]string{"calculator": {"add"}}, nil, "")
	if strings.Contains(code, "try:\n    result = add()") {
		t.Errorf("call should not be guarded:\n%s", code)
	}
	if !strings.Contains(code, "result = add()") {
		t.Errorf("missing bare call:\n%s", code)
	}
}

func TestImportedNames(t *testing.T) {
	names := importedNames("from servers.weather import get_forecast, get_alerts as alerts")
	if len(names) != 2 || names[0] != "get_forecast" || names[1] != "alerts" {
		t.Errorf("names = %v", names)
	}
}
