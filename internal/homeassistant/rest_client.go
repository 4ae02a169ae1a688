// Package homeassistant provides a REST client for Home Assistant API operations
// that are not supported via WebSocket.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// noResponseBody is the default message when server returns empty response.
const noResponseBody = "no response body"

// RESTClient provides REST API operations for Home Assistant.
// The bridge uses it to write the composite entity into the state machine,
// which the WebSocket API cannot do.
type RESTClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// RESTClientConfig configures the REST client.
type RESTClientConfig struct {
	// Timeout for HTTP requests (default: 30 seconds)
	Timeout time.Duration
}

// DefaultRESTClientConfig returns the default REST client configuration.
func DefaultRESTClientConfig() RESTClientConfig {
	return RESTClientConfig{
		Timeout: 30 * time.Second,
	}
}

// NewRESTClient creates a new REST client with default configuration.
func NewRESTClient(baseURL, token string) *RESTClient {
	return NewRESTClientWithConfig(baseURL, token, DefaultRESTClientConfig())
}

// NewRESTClientWithConfig creates a new REST client with custom configuration.
func NewRESTClientWithConfig(baseURL, token string, config RESTClientConfig) *RESTClient {
	// Normalize base URL - remove trailing slash and ensure no /api suffix
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/api")

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &RESTClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetState creates or updates an entity in the Home Assistant state machine.
// Endpoint: POST /api/states/{entity_id}
// Home Assistant answers 200 for an update and 201 for a newly created entity.
func (c *RESTClient) SetState(ctx context.Context, entityID string, state StateUpdate) (*Entity, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshaling state: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/states/%s", c.baseURL, url.PathEscape(entityID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating state request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing state request: %w", err)
	}
	defer func() {
		// Drain and close the response body to enable connection reuse
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		var entity Entity
		if err := json.NewDecoder(resp.Body).Decode(&entity); err != nil {
			return nil, fmt.Errorf("decoding state response: %w", err)
		}
		return &entity, nil
	}

	return nil, c.statusError(resp, entityID)
}

// statusError maps a non-success response to an *APIError.
func (c *RESTClient) statusError(resp *http.Response, entityID string) error {
	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)
	if bodyStr == "" {
		bodyStr = noResponseBody
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("invalid state for %s: %s", entityID, bodyStr),
		}
	case http.StatusUnauthorized:
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    "unauthorized: invalid or expired token",
		}
	case http.StatusForbidden:
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("forbidden: insufficient permissions to write %s", entityID),
		}
	default:
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, bodyStr),
		}
	}
}
