// Package handlers provides MCP tool handlers for the virtual humidifiers.
package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/zorak1103/ha-humidifier/internal/humidifier"
	"github.com/zorak1103/ha-humidifier/internal/mcp"
)

// ResourceScheme is the URI scheme of humidifier resources.
const ResourceScheme = "humidifier"

const (
	minHumidity = 0
	maxHumidity = 100
)

// Controller is the part of humidifier.Manager the handlers use.
type Controller interface {
	List() []humidifier.Status
	Status(entryID string) (humidifier.Status, bool)
	Get(entryID string) (*humidifier.Reconciler, bool)
	Reload(ctx context.Context, entryID string) error
}

// HumidifierHandlers provides MCP tool handlers for humidifier operations.
type HumidifierHandlers struct {
	humidifiers Controller
}

// NewHumidifierHandlers creates a new HumidifierHandlers instance.
func NewHumidifierHandlers(humidifiers Controller) *HumidifierHandlers {
	return &HumidifierHandlers{humidifiers: humidifiers}
}

// RegisterTools registers all humidifier tools with the registry.
func (h *HumidifierHandlers) RegisterTools(registry *mcp.Registry) {
	registry.RegisterTool(h.listHumidifiersTool(), h.handleListHumidifiers)
	registry.RegisterTool(h.getHumidifierTool(), h.handleGetHumidifier)
	registry.RegisterTool(h.turnOnTool(), h.handleTurnOn)
	registry.RegisterTool(h.turnOffTool(), h.handleTurnOff)
	registry.RegisterTool(h.setModeTool(), h.handleSetMode)
	registry.RegisterTool(h.setHumidityTool(), h.handleSetHumidity)
	registry.RegisterTool(h.reloadTool(), h.handleReload)
}

// RegisterResources exposes every configured humidifier as humidifier://<id>.
func (h *HumidifierHandlers) RegisterResources(registry *mcp.Registry) {
	registry.RegisterResourceScheme(ResourceScheme, h.listResources, h.readResource)
}

func idSchema() map[string]mcp.JSONSchema {
	return map[string]mcp.JSONSchema{
		"id": {
			Type:        "string",
			Description: "Humidifier entry id (see list_humidifiers)",
		},
	}
}

func (h *HumidifierHandlers) listHumidifiersTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_humidifiers",
		Description: "List the configured virtual humidifiers with their sources and current state",
		InputSchema: mcp.JSONSchema{Type: "object"},
	}
}

func (h *HumidifierHandlers) getHumidifierTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_humidifier",
		Description: "Get the sources and the published state of one virtual humidifier",
		InputSchema: mcp.JSONSchema{
			Type:       "object",
			Properties: idSchema(),
			Required:   []string{"id"},
		},
	}
}

func (h *HumidifierHandlers) turnOnTool() mcp.Tool {
	return mcp.Tool{
		Name:        "humidifier_turn_on",
		Description: "Turn a virtual humidifier on by turning its source fan on",
		InputSchema: mcp.JSONSchema{
			Type:       "object",
			Properties: idSchema(),
			Required:   []string{"id"},
		},
	}
}

func (h *HumidifierHandlers) turnOffTool() mcp.Tool {
	return mcp.Tool{
		Name:        "humidifier_turn_off",
		Description: "Turn a virtual humidifier off by turning its source fan off",
		InputSchema: mcp.JSONSchema{
			Type:       "object",
			Properties: idSchema(),
			Required:   []string{"id"},
		},
	}
}

func (h *HumidifierHandlers) setModeTool() mcp.Tool {
	props := idSchema()
	props["mode"] = mcp.JSONSchema{
		Type:        "string",
		Description: "Preset mode of the source fan (one of the humidifier's available_modes)",
	}
	return mcp.Tool{
		Name:        "humidifier_set_mode",
		Description: "Set the mode of a virtual humidifier; forwarded to the fan as its preset mode",
		InputSchema: mcp.JSONSchema{
			Type:       "object",
			Properties: props,
			Required:   []string{"id", "mode"},
		},
	}
}

func (h *HumidifierHandlers) setHumidityTool() mcp.Tool {
	props := idSchema()
	props["humidity"] = mcp.JSONSchema{
		Type:        "number",
		Description: "Target humidity in percent (0-100). Stored on the humidifier only; the device is not changed",
	}
	return mcp.Tool{
		Name:        "humidifier_set_humidity",
		Description: "Set the target humidity shown on a virtual humidifier",
		InputSchema: mcp.JSONSchema{
			Type:       "object",
			Properties: props,
			Required:   []string{"id", "humidity"},
		},
	}
}

func (h *HumidifierHandlers) reloadTool() mcp.Tool {
	return mcp.Tool{
		Name:        "reload_humidifier",
		Description: "Reload a virtual humidifier: re-resolve its sources and rebuild its state",
		InputSchema: mcp.JSONSchema{
			Type:       "object",
			Properties: idSchema(),
			Required:   []string{"id"},
		},
	}
}

func (h *HumidifierHandlers) handleListHumidifiers(_ context.Context, _ map[string]any) (*mcp.ToolsCallResult, error) {
	statuses := h.humidifiers.List()
	views := make([]humidifierView, 0, len(statuses))
	for _, st := range statuses {
		views = append(views, newHumidifierView(st))
	}
	return jsonResult(views)
}

func (h *HumidifierHandlers) handleGetHumidifier(_ context.Context, args map[string]any) (*mcp.ToolsCallResult, error) {
	id, ok := args["id"].(string)
	if !ok || id == "" {
		return errorResult("id is required"), nil
	}
	st, ok := h.humidifiers.Status(id)
	if !ok {
		return errorResult(fmt.Sprintf("Humidifier '%s' not found", id)), nil
	}
	return jsonResult(newHumidifierView(st))
}

func (h *HumidifierHandlers) handleTurnOn(ctx context.Context, args map[string]any) (*mcp.ToolsCallResult, error) {
	return h.command(args, "turned on", func(rec *humidifier.Reconciler) error {
		return rec.HandleTurnOn(ctx)
	})
}

func (h *HumidifierHandlers) handleTurnOff(ctx context.Context, args map[string]any) (*mcp.ToolsCallResult, error) {
	return h.command(args, "turned off", func(rec *humidifier.Reconciler) error {
		return rec.HandleTurnOff(ctx)
	})
}

func (h *HumidifierHandlers) handleSetMode(ctx context.Context, args map[string]any) (*mcp.ToolsCallResult, error) {
	mode, ok := args["mode"].(string)
	if !ok || mode == "" {
		return errorResult("mode is required"), nil
	}
	return h.command(args, fmt.Sprintf("set to mode '%s'", mode), func(rec *humidifier.Reconciler) error {
		return rec.HandleSetMode(ctx, mode)
	})
}

func (h *HumidifierHandlers) handleSetHumidity(ctx context.Context, args map[string]any) (*mcp.ToolsCallResult, error) {
	value, ok := args["humidity"].(float64)
	if !ok {
		return errorResult("humidity is required and must be a number"), nil
	}
	if value < minHumidity || value > maxHumidity {
		return errorResult(fmt.Sprintf("humidity must be between %d and %d", minHumidity, maxHumidity)), nil
	}
	return h.command(args, fmt.Sprintf("target humidity set to %g%%", value), func(rec *humidifier.Reconciler) error {
		rec.HandleSetTargetHumidity(ctx, value)
		return nil
	})
}

func (h *HumidifierHandlers) handleReload(ctx context.Context, args map[string]any) (*mcp.ToolsCallResult, error) {
	id, ok := args["id"].(string)
	if !ok || id == "" {
		return errorResult("id is required"), nil
	}
	if err := h.humidifiers.Reload(ctx, id); err != nil {
		return errorResult(fmt.Sprintf("Error reloading humidifier '%s': %v", id, err)), nil
	}
	return &mcp.ToolsCallResult{
		Content: []mcp.ContentBlock{mcp.NewTextContent(fmt.Sprintf("Humidifier '%s' reloaded", id))},
	}, nil
}

// command looks up the loaded humidifier named by args["id"] and runs fn on it.
func (h *HumidifierHandlers) command(args map[string]any, done string, fn func(*humidifier.Reconciler) error) (*mcp.ToolsCallResult, error) {
	id, ok := args["id"].(string)
	if !ok || id == "" {
		return errorResult("id is required"), nil
	}
	rec, ok := h.humidifiers.Get(id)
	if !ok {
		return errorResult(fmt.Sprintf("Humidifier '%s' is not loaded", id)), nil
	}
	if err := fn(rec); err != nil {
		return errorResult(fmt.Sprintf("Error controlling humidifier '%s': %v", id, err)), nil
	}
	return &mcp.ToolsCallResult{
		Content: []mcp.ContentBlock{mcp.NewTextContent(fmt.Sprintf("Humidifier '%s' %s", id, done))},
	}, nil
}

func (h *HumidifierHandlers) listResources() []mcp.Resource {
	statuses := h.humidifiers.List()
	resources := make([]mcp.Resource, 0, len(statuses))
	for _, st := range statuses {
		resources = append(resources, mcp.Resource{
			URI:         ResourceScheme + "://" + st.Entry.ID,
			Name:        displayName(st.Entry),
			Description: "Composite state of " + st.EntityID,
			MimeType:    "application/json",
		})
	}
	return resources
}

func (h *HumidifierHandlers) readResource(_ context.Context, uri string) (*mcp.ResourcesReadResult, error) {
	id, ok := strings.CutPrefix(uri, ResourceScheme+"://")
	if !ok || id == "" {
		return nil, fmt.Errorf("invalid humidifier uri %q", uri)
	}
	st, ok := h.humidifiers.Status(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", humidifier.ErrUnknownEntry, id)
	}

	block, err := mcp.NewJSONContent(newHumidifierView(st))
	if err != nil {
		return nil, err
	}
	return &mcp.ResourcesReadResult{
		Contents: []mcp.ResourceContent{{URI: uri, MimeType: block.MimeType, Text: block.Text}},
	}, nil
}

func errorResult(msg string) *mcp.ToolsCallResult {
	return &mcp.ToolsCallResult{
		Content: []mcp.ContentBlock{mcp.NewTextContent(msg)},
		IsError: true,
	}
}

func jsonResult(v any) (*mcp.ToolsCallResult, error) {
	block, err := mcp.NewJSONContent(v)
	if err != nil {
		return nil, err
	}
	return &mcp.ToolsCallResult{Content: []mcp.ContentBlock{block}}, nil
}
