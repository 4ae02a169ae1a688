package mcp

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zorak1103/ha-humidifier/internal/logging"
)

func nopTool(context.Context, map[string]any) (*ToolsCallResult, error) {
	return &ToolsCallResult{}, nil
}

func TestRegistry_Tools(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.RegisterTool(Tool{Name: "turn_on"}, nopTool)
	r.RegisterTool(Tool{Name: "list", Description: "first"}, nopTool)
	r.RegisterTool(Tool{Name: "list", Description: "replaced"}, nopTool)

	if r.ToolCount() != 2 {
		t.Errorf("ToolCount() = %d, want 2", r.ToolCount())
	}
	if diff := cmp.Diff([]Tool{{Name: "list", Description: "replaced"}, {Name: "turn_on"}}, r.ListTools()); diff != "" {
		t.Errorf("ListTools() mismatch (-want +got):\n%s", diff)
	}
	if _, ok := r.GetHandler("list"); !ok {
		t.Error("GetHandler(list) not found")
	}
	if _, ok := r.GetHandler("nope"); ok {
		t.Error("GetHandler(nope) found")
	}
	if tool, ok := r.GetTool("turn_on"); !ok || tool.Name != "turn_on" {
		t.Errorf("GetTool() = %+v, %v", tool, ok)
	}
}

func TestRegistry_ResourceSchemes(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if got := r.ListResources(); got == nil || len(got) != 0 {
		t.Errorf("ListResources() on empty registry = %#v, want empty slice", got)
	}

	current := []Resource{{URI: "humidifier://b"}, {URI: "humidifier://a"}}
	r.RegisterResourceScheme("humidifier", func() []Resource { return current },
		func(_ context.Context, uri string) (*ResourcesReadResult, error) {
			return &ResourcesReadResult{Contents: []ResourceContent{{URI: uri}}}, nil
		})

	if diff := cmp.Diff([]Resource{{URI: "humidifier://a"}, {URI: "humidifier://b"}}, r.ListResources()); diff != "" {
		t.Errorf("ListResources() mismatch (-want +got):\n%s", diff)
	}

	current = current[:1]
	if got := r.ListResources(); len(got) != 1 {
		t.Errorf("ListResources() after change = %v, want one resource", got)
	}

	tests := []struct {
		uri  string
		want bool
	}{
		{uri: "humidifier://living_room", want: true},
		{uri: "humidifier://", want: false},
		{uri: "fan://living_room", want: false},
		{uri: "living_room", want: false},
	}
	for _, tt := range tests {
		if _, ok := r.GetResourceHandler(tt.uri); ok != tt.want {
			t.Errorf("GetResourceHandler(%q) ok = %v, want %v", tt.uri, ok, tt.want)
		}
	}
}

func TestRegistry_LogRegisteredTools(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.RegisterTool(Tool{Name: "get_humidifier", Description: strings.Repeat("x", 100)}, nopTool)
	r.RegisterResourceScheme("humidifier", nil, nil)

	var buf bytes.Buffer
	r.LogRegisteredTools(logging.NewWithWriter(slog.LevelDebug, &buf))
	out := buf.String()
	for _, want := range []string{"get_humidifier", strings.Repeat("x", 77) + "...", "humidifier://"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	r.LogRegisteredTools(logging.NewWithWriter(slog.LevelInfo, &buf))
	r.LogRegisteredTools(nil)
	if buf.Len() != 0 {
		t.Errorf("logged at info level:\n%s", buf.String())
	}
}
