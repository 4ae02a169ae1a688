// Package homeassistant provides a hybrid client combining WebSocket and REST APIs.
package homeassistant

import (
	"context"
)

// HybridClient combines WebSocket and REST API clients for Home Assistant.
// It uses WebSocket for reads, service calls, registries and events, and
// REST for writing states, which the WebSocket API does not offer.
type HybridClient struct {
	ws   *wsClientImpl // WebSocket client for most operations
	rest *RESTClient   // REST client for state writes
}

// NewHybridClient creates a new hybrid client with the given WebSocket and REST clients.
func NewHybridClient(ws *WSClient, rest *RESTClient) *HybridClient {
	return &HybridClient{
		ws:   &wsClientImpl{ws: ws},
		rest: rest,
	}
}

// Ensure HybridClient implements Client interface at compile time.
var _ Client = (*HybridClient)(nil)

// GetStates retrieves all entity states.
func (c *HybridClient) GetStates(ctx context.Context) ([]Entity, error) {
	return c.ws.GetStates(ctx)
}

// GetState retrieves the state of a specific entity.
func (c *HybridClient) GetState(ctx context.Context, entityID string) (*Entity, error) {
	return c.ws.GetState(ctx, entityID)
}

// SetState writes an entity state using the REST API.
func (c *HybridClient) SetState(ctx context.Context, entityID string, state StateUpdate) (*Entity, error) {
	return c.rest.SetState(ctx, entityID, state)
}

// CallService calls a Home Assistant service.
func (c *HybridClient) CallService(ctx context.Context, domain, service string, data map[string]any) ([]Entity, error) {
	return c.ws.CallService(ctx, domain, service, data)
}

// SubscribeEvents subscribes to Home Assistant events.
func (c *HybridClient) SubscribeEvents(ctx context.Context, eventType string, handler EventHandler) (Unsubscriber, error) {
	return c.ws.SubscribeEvents(ctx, eventType, handler)
}

// GetEntityRegistry retrieves the entity registry.
func (c *HybridClient) GetEntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error) {
	return c.ws.GetEntityRegistry(ctx)
}

// GetDeviceRegistry retrieves the device registry.
func (c *HybridClient) GetDeviceRegistry(ctx context.Context) ([]DeviceRegistryEntry, error) {
	return c.ws.GetDeviceRegistry(ctx)
}

// IsConnected reports whether the WebSocket connection is up.
func (c *HybridClient) IsConnected() bool {
	return c.ws.ws.IsConnected()
}

// IsHealthy reports whether the WebSocket connection is up and answering pings.
func (c *HybridClient) IsHealthy() bool {
	return c.ws.ws.IsHealthy()
}

// HybridClientCloser extends HybridClient with Close support.
type HybridClientCloser struct {
	*HybridClient
	wsClient *WSClient
}

// NewHybridClientCloser creates a hybrid client that can close its WebSocket connection.
func NewHybridClientCloser(ws *WSClient, rest *RESTClient) *HybridClientCloser {
	return &HybridClientCloser{
		HybridClient: NewHybridClient(ws, rest),
		wsClient:     ws,
	}
}

// Close closes the underlying WebSocket connection.
func (c *HybridClientCloser) Close() error {
	return c.wsClient.Close()
}

var (
	_ Client       = (*HybridClientCloser)(nil)
	_ ClientCloser = (*HybridClientCloser)(nil)
)
