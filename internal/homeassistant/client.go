// Package homeassistant provides a WebSocket client for the Home Assistant API.
package homeassistant

import (
	"context"
	"errors"
	"fmt"
)

// Service name constants used across the bridge.
const (
	ServiceTurnOn        = "turn_on"
	ServiceTurnOff       = "turn_off"
	ServiceSetPresetMode = "set_preset_mode"
	ServiceSetMode       = "set_mode"
	ServiceSetHumidity   = "set_humidity"
)

// ErrEntityNotFound is returned when a requested entity has no state.
var ErrEntityNotFound = errors.New("entity not found")

// Client defines the Home Assistant operations used by the bridge.
// Everything except SetState is performed over the WebSocket connection.
type Client interface {
	EventSubscriber

	// Entity operations
	GetStates(ctx context.Context) ([]Entity, error)
	GetState(ctx context.Context, entityID string) (*Entity, error)
	SetState(ctx context.Context, entityID string, state StateUpdate) (*Entity, error)

	// Service operations
	CallService(ctx context.Context, domain, service string, data map[string]any) ([]Entity, error)

	// Registry operations
	GetEntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error)
	GetDeviceRegistry(ctx context.Context) ([]DeviceRegistryEntry, error)
}

// APIError represents an error response from the Home Assistant API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Home Assistant API error (status %d): %s", e.StatusCode, e.Message)
}

// Helper functions

// getStringAttr safely extracts a string value from an attributes map.
// Returns an empty string if the key doesn't exist or the value is not a string.
func getStringAttr(attrs map[string]any, key string) string {
	if v, ok := attrs[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// getStringSliceAttr extracts a list of strings from an attributes map.
// Non-string items are skipped; a missing key yields nil.
func getStringSliceAttr(attrs map[string]any, key string) []string {
	switch v := attrs[key].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// StringAttr returns the string attribute key of the entity, or "".
func (e *Entity) StringAttr(key string) string {
	if e == nil {
		return ""
	}
	return getStringAttr(e.Attributes, key)
}

// StringSliceAttr returns the string list attribute key of the entity, or nil.
func (e *Entity) StringSliceAttr(key string) []string {
	if e == nil {
		return nil
	}
	return getStringSliceAttr(e.Attributes, key)
}

// IsUnavailable reports whether the entity is missing or reports "unavailable".
func (e *Entity) IsUnavailable() bool {
	return e == nil || e.State == StateUnavailable
}
