// Package homeassistant provides client factories for Home Assistant API.
package homeassistant

import (
	"context"
	"fmt"
)

// ClientOptions configures client creation.
type ClientOptions struct {
	// WSConfig provides WebSocket-specific configuration.
	WSConfig *WSClientConfig
	// RESTConfig provides REST-specific configuration.
	RESTConfig *RESTClientConfig
}

// DefaultClientOptions returns the default client options.
func DefaultClientOptions() ClientOptions {
	defaultWSConfig := DefaultWSClientConfig()
	defaultRESTConfig := DefaultRESTClientConfig()
	return ClientOptions{
		WSConfig:   &defaultWSConfig,
		RESTConfig: &defaultRESTConfig,
	}
}

// NewConnectedClient creates a HybridClient and establishes its WebSocket connection.
// The context governs the connection lifetime; use Close to disconnect.
func NewConnectedClient(ctx context.Context, baseURL, token string, opts ClientOptions) (*HybridClientCloser, error) {
	wsConfig := DefaultWSClientConfig()
	if opts.WSConfig != nil {
		wsConfig = *opts.WSConfig
	}
	restConfig := DefaultRESTClientConfig()
	if opts.RESTConfig != nil {
		restConfig = *opts.RESTConfig
	}

	wsClient := NewWSClientWithConfig(baseURL, token, wsConfig)
	if err := wsClient.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to Home Assistant WebSocket API: %w", err)
	}

	restClient := NewRESTClientWithConfig(baseURL, token, restConfig)

	return NewHybridClientCloser(wsClient, restClient), nil
}

// ClientCloser provides a way to close clients that support it.
type ClientCloser interface {
	Close() error
}

// CloseClient attempts to close a client if it supports the ClientCloser interface.
// Returns nil if the client doesn't support closing.
func CloseClient(c Client) error {
	if closer, ok := c.(ClientCloser); ok {
		return closer.Close()
	}
	return nil
}
