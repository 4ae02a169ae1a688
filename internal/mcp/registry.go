package mcp

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/zorak1103/ha-humidifier/internal/logging"
)

// ToolHandler handles a tool call.
type ToolHandler func(ctx context.Context, args map[string]any) (*ToolsCallResult, error)

// ResourceHandler reads the resource at uri.
type ResourceHandler func(ctx context.Context, uri string) (*ResourcesReadResult, error)

// ResourceLister enumerates the resources of a scheme at call time.
type ResourceLister func() []Resource

type toolEntry struct {
	tool    Tool
	handler ToolHandler
}

// schemeEntry serves every URI of the form scheme://...
type schemeEntry struct {
	list    ResourceLister
	handler ResourceHandler
}

// Registry manages MCP tools and resource schemes.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	schemes map[string]schemeEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]toolEntry),
		schemes: make(map[string]schemeEntry),
	}
}

// RegisterTool registers a tool with its handler.
func (r *Registry) RegisterTool(tool Tool, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = toolEntry{tool: tool, handler: handler}
}

// RegisterResourceScheme routes every URI starting with scheme:// to handler.
// list is called on resources/list, so the set may change at runtime.
func (r *Registry) RegisterResourceScheme(scheme string, list ResourceLister, handler ResourceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes[scheme] = schemeEntry{list: list, handler: handler}
}

// ListTools returns all registered tools ordered by name.
func (r *Registry) ListTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, entry := range r.tools {
		tools = append(tools, entry.tool)
	}
	slices.SortFunc(tools, func(a, b Tool) int { return strings.Compare(a.Name, b.Name) })
	return tools
}

// ListResources returns the current resources of every scheme ordered by URI.
func (r *Registry) ListResources() []Resource {
	r.mu.RLock()
	listers := make([]ResourceLister, 0, len(r.schemes))
	for _, entry := range r.schemes {
		listers = append(listers, entry.list)
	}
	r.mu.RUnlock()

	resources := []Resource{}
	for _, list := range listers {
		if list != nil {
			resources = append(resources, list()...)
		}
	}
	slices.SortFunc(resources, func(a, b Resource) int { return strings.Compare(a.URI, b.URI) })
	return resources
}

// GetHandler returns the handler for a tool by name.
func (r *Registry) GetHandler(name string) (ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return entry.handler, true
}

// GetResourceHandler returns the handler of the scheme uri belongs to.
func (r *Registry) GetResourceHandler(uri string) (ResourceHandler, bool) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || rest == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.schemes[scheme]
	if !ok {
		return nil, false
	}
	return entry.handler, true
}

// GetTool returns a tool by name.
func (r *Registry) GetTool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.tools[name]
	return entry.tool, ok
}

// ToolCount returns the number of registered tools.
func (r *Registry) ToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// maxDescriptionLen is the maximum length for tool descriptions in log output.
const maxDescriptionLen = 80

// LogRegisteredTools logs all registered tools and resource schemes at Debug level.
func (r *Registry) LogRegisteredTools(logger *logging.Logger) {
	if logger == nil || !logger.IsDebugEnabled() {
		return
	}

	logger.Debug("Registered MCP tools:")
	for _, tool := range r.ListTools() {
		logger.Debug("  - "+tool.Name, "description", truncateDescription(tool.Description, maxDescriptionLen))
	}

	r.mu.RLock()
	schemes := make([]string, 0, len(r.schemes))
	for scheme := range r.schemes {
		schemes = append(schemes, scheme)
	}
	r.mu.RUnlock()
	slices.Sort(schemes)

	for _, scheme := range schemes {
		logger.Debug("Registered MCP resource scheme", "scheme", scheme+"://")
	}
}

// truncateDescription truncates a description to maxLen characters.
func truncateDescription(desc string, maxLen int) string {
	if len(desc) <= maxLen {
		return desc
	}
	return desc[:maxLen-3] + "..."
}
