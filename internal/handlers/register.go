package handlers

import "github.com/zorak1103/ha-humidifier/internal/mcp"

// RegisterHumidifierTools registers the humidifier tools and the
// humidifier:// resources with the registry.
func RegisterHumidifierTools(registry *mcp.Registry, humidifiers Controller) {
	h := NewHumidifierHandlers(humidifiers)
	h.RegisterTools(registry)
	h.RegisterResources(registry)
}

// RegisterAllTools registers all available tool handlers with the registry.
func RegisterAllTools(registry *mcp.Registry, humidifiers Controller) {
	RegisterHumidifierTools(registry, humidifiers)
}
