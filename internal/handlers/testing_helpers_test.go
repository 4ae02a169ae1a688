package handlers

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/zorak1103/ha-humidifier/internal/homeassistant"
	"github.com/zorak1103/ha-humidifier/internal/humidifier"
	"github.com/zorak1103/ha-humidifier/internal/mcp"
)

type serviceCall struct {
	Domain  string
	Service string
	Data    map[string]any
}

// fanClient records fan commands. GetState reports every source missing.
type fanClient struct {
	mu    sync.Mutex
	calls []serviceCall
	err   error
}

func (c *fanClient) GetState(context.Context, string) (*homeassistant.Entity, error) {
	return nil, homeassistant.ErrEntityNotFound
}

func (c *fanClient) CallService(_ context.Context, domain, service string, data map[string]any) ([]homeassistant.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, serviceCall{Domain: domain, Service: service, Data: data})
	return nil, c.err
}

func (c *fanClient) recorded() []serviceCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]serviceCall(nil), c.calls...)
}

// fakeController serves fixed statuses and reconcilers.
type fakeController struct {
	statuses  map[string]humidifier.Status
	loaded    map[string]*humidifier.Reconciler
	reloadErr error
	reloaded  []string
}

func (c *fakeController) List() []humidifier.Status {
	out := make([]humidifier.Status, 0, len(c.statuses))
	for _, id := range slices.Sorted(maps.Keys(c.statuses)) {
		out = append(out, c.statuses[id])
	}
	return out
}

func (c *fakeController) Status(entryID string) (humidifier.Status, bool) {
	st, ok := c.statuses[entryID]
	return st, ok
}

func (c *fakeController) Get(entryID string) (*humidifier.Reconciler, bool) {
	rec, ok := c.loaded[entryID]
	return rec, ok
}

func (c *fakeController) Reload(_ context.Context, entryID string) error {
	c.reloaded = append(c.reloaded, entryID)
	if c.reloadErr != nil {
		return c.reloadErr
	}
	if _, ok := c.statuses[entryID]; !ok {
		return humidifier.ErrUnknownEntry
	}
	return nil
}

// newTestController has one loaded humidifier "living_room" and one entry
// "bedroom" still waiting for its sources.
func newTestController() (*fakeController, *fanClient) {
	client := &fanClient{}
	sources := humidifier.Sources{
		Fan:      "fan.living_room",
		Humidity: "sensor.living_room_humidity",
		Function: "select.living_room_function",
	}
	rec := humidifier.NewReconciler(sources, client, client, nil, nil)

	target := 50.0
	current := "47"
	return &fakeController{
		statuses: map[string]humidifier.Status{
			"living_room": {
				Entry:    humidifier.Entry{ID: "living_room", Name: "Living Room", Source: sources.Fan, HumidityEntity: sources.Humidity},
				EntityID: "humidifier.living_room",
				Loaded:   true,
				Sources:  sources,
				State: humidifier.State{
					Available:       true,
					IsOn:            true,
					Mode:            "auto",
					AvailableModes:  []string{"auto", "night"},
					CurrentHumidity: &current,
					Function:        humidifier.FunctionHumidification,
					Action:          humidifier.ActionHumidifying,
					TargetHumidity:  &target,
				},
			},
			"bedroom": {
				Entry:    humidifier.Entry{ID: "bedroom", Source: "fan.bedroom", HumidityEntity: "sensor.bedroom_humidity"},
				EntityID: "humidifier.bedroom",
				Retrying: true,
				State:    humidifier.State{Action: humidifier.ActionOff},
			},
		},
		loaded: map[string]*humidifier.Reconciler{"living_room": rec},
	}, client
}

func callTool(t *testing.T, h *HumidifierHandlers, name string, args map[string]any) *mcp.ToolsCallResult {
	t.Helper()

	registry := mcp.NewRegistry()
	h.RegisterTools(registry)
	handler, ok := registry.GetHandler(name)
	if !ok {
		t.Fatalf("tool %q not registered", name)
	}
	result, err := handler(context.Background(), args)
	if err != nil {
		t.Fatalf("%s returned error: %v", name, err)
	}
	if result == nil {
		t.Fatalf("%s returned nil result", name)
	}
	return result
}

func resultText(result *mcp.ToolsCallResult) string {
	var sb strings.Builder
	for _, c := range result.Content {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

func decodeResult[T any](t *testing.T, result *mcp.ToolsCallResult) T {
	t.Helper()

	var out T
	if result.IsError {
		t.Fatalf("unexpected error result: %s", resultText(result))
	}
	if err := json.Unmarshal([]byte(resultText(result)), &out); err != nil {
		t.Fatalf("decoding result: %v\n%s", err, resultText(result))
	}
	return out
}
