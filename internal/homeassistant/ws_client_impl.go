// Package homeassistant provides the WebSocket-based Client implementation.
package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// wsClientImpl implements the Client interface using WebSocket commands.
// It wraps the WSClient for low-level WebSocket communication.
type wsClientImpl struct {
	ws *WSClient
}

// NewWSClientImpl creates a new WebSocket-based Client implementation.
func NewWSClientImpl(ws *WSClient) Client {
	return &wsClientImpl{ws: ws}
}

// Ensure wsClientImpl implements Client interface at compile time.
var _ Client = (*wsClientImpl)(nil)

// =============================================================================
// Core State Operations
// =============================================================================

// GetStates retrieves all entity states via WebSocket.
func (c *wsClientImpl) GetStates(ctx context.Context) ([]Entity, error) {
	result, err := c.ws.SendCommand(ctx, "get_states", nil)
	if err != nil {
		return nil, fmt.Errorf("get_states command failed: %w", err)
	}

	var entities []Entity
	if err := json.Unmarshal(result.Result, &entities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}

	return entities, nil
}

// GetState retrieves the state of a specific entity.
// The WebSocket API has no single-entity read, so all states are fetched and filtered.
func (c *wsClientImpl) GetState(ctx context.Context, entityID string) (*Entity, error) {
	entities, err := c.GetStates(ctx)
	if err != nil {
		return nil, err
	}

	for i := range entities {
		if entities[i].EntityID == entityID {
			return &entities[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
}

// SetState is not available over WebSocket; HybridClient routes it to REST.
func (c *wsClientImpl) SetState(_ context.Context, _ string, _ StateUpdate) (*Entity, error) {
	return nil, errors.New("SetState not supported via WebSocket API, use the REST client")
}

// CallService calls a Home Assistant service and returns affected entities.
func (c *wsClientImpl) CallService(ctx context.Context, domain, service string, data map[string]any) ([]Entity, error) {
	params := map[string]any{
		"domain":  domain,
		"service": service,
	}
	if data != nil {
		params["service_data"] = data
	}

	result, err := c.ws.SendCommand(ctx, "call_service", params)
	if err != nil {
		return nil, fmt.Errorf("call_service %s.%s failed: %w", domain, service, err)
	}

	// call_service returns context and optionally changed entities
	var response struct {
		Context  Context  `json:"context"`
		Response []Entity `json:"response,omitempty"`
	}
	if result.Result != nil {
		if err := json.Unmarshal(result.Result, &response); err != nil {
			// Many services answer with a bare context; that is not a failure.
			return []Entity{}, nil //nolint:nilerr
		}
	}

	return response.Response, nil
}

// =============================================================================
// Event Operations
// =============================================================================

// SubscribeEvents subscribes to events of the given type on the WebSocket connection.
func (c *wsClientImpl) SubscribeEvents(ctx context.Context, eventType string, handler EventHandler) (Unsubscriber, error) {
	sub, err := c.ws.SubscribeEvents(ctx, eventType, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// =============================================================================
// Registry Operations (WebSocket-only)
// =============================================================================

// GetEntityRegistry retrieves the entity registry.
func (c *wsClientImpl) GetEntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error) {
	result, err := c.ws.SendCommand(ctx, "config/entity_registry/list", nil)
	if err != nil {
		return nil, fmt.Errorf("get entity registry failed: %w", err)
	}

	var entries []EntityRegistryEntry
	if err := json.Unmarshal(result.Result, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity registry: %w", err)
	}

	return entries, nil
}

// GetDeviceRegistry retrieves the device registry.
func (c *wsClientImpl) GetDeviceRegistry(ctx context.Context) ([]DeviceRegistryEntry, error) {
	result, err := c.ws.SendCommand(ctx, "config/device_registry/list", nil)
	if err != nil {
		return nil, fmt.Errorf("get device registry failed: %w", err)
	}

	var entries []DeviceRegistryEntry
	if err := json.Unmarshal(result.Result, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device registry: %w", err)
	}

	return entries, nil
}
