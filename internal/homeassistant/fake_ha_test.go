package homeassistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const testToken = "test-token"

// fakeHA is an in-process Home Assistant speaking the WebSocket and REST
// subsets the client uses.
type fakeHA struct {
	token string

	mu             sync.Mutex
	conn           *websocket.Conn
	states         []Entity
	entityRegistry []EntityRegistryEntry
	deviceRegistry []DeviceRegistryEntry
	serviceCalls   []map[string]any
	subs           map[int64]string
	unsubscribed   []int64
	posted         map[string]StateUpdate
}

func newFakeHA(t *testing.T) (*fakeHA, *httptest.Server) {
	t.Helper()

	f := &fakeHA{
		token:  testToken,
		subs:   make(map[int64]string),
		posted: make(map[string]StateUpdate),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", f.serveWS)
	mux.HandleFunc("/api/states/", f.serveState)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

// newTestWSClient connects a WSClient without pings or reconnects.
func newTestWSClient(t *testing.T, srv *httptest.Server) *WSClient {
	t.Helper()

	cfg := DefaultWSClientConfig()
	cfg.AutoReconnect = false
	cfg.PingInterval = 0

	c := NewWSClientWithConfig(srv.URL, testToken, cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (f *fakeHA) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.CloseNow() }()

	ctx := r.Context()
	if err := wsjson.Write(ctx, conn, WSAuthRequired{Type: "auth_required", HAVersion: "2025.1.0"}); err != nil {
		return
	}

	var auth WSAuthMessage
	if err := wsjson.Read(ctx, conn, &auth); err != nil {
		return
	}
	if auth.AccessToken != f.token {
		_ = wsjson.Write(ctx, conn, WSAuthInvalid{Type: "auth_invalid", Message: "Invalid access token or password"})
		return
	}
	if err := wsjson.Write(ctx, conn, WSAuthOK{Type: "auth_ok", HAVersion: "2025.1.0"}); err != nil {
		return
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	for {
		var msg map[string]any
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		f.handleCommand(ctx, conn, msg)
	}
}

func (f *fakeHA) handleCommand(ctx context.Context, conn *websocket.Conn, msg map[string]any) {
	id := int64FromJSON(msg["id"])
	msgType, _ := msg["type"].(string)

	switch msgType {
	case "get_states":
		f.mu.Lock()
		states := append([]Entity(nil), f.states...)
		f.mu.Unlock()
		f.reply(ctx, conn, id, states)
	case "config/entity_registry/list":
		f.mu.Lock()
		entries := append([]EntityRegistryEntry(nil), f.entityRegistry...)
		f.mu.Unlock()
		f.reply(ctx, conn, id, entries)
	case "config/device_registry/list":
		f.mu.Lock()
		devices := append([]DeviceRegistryEntry(nil), f.deviceRegistry...)
		f.mu.Unlock()
		f.reply(ctx, conn, id, devices)
	case "call_service":
		f.mu.Lock()
		f.serviceCalls = append(f.serviceCalls, msg)
		f.mu.Unlock()
		f.reply(ctx, conn, id, map[string]any{"context": map[string]any{"id": "01HX"}})
	case "subscribe_events":
		eventType, _ := msg["event_type"].(string)
		f.mu.Lock()
		f.subs[id] = eventType
		f.mu.Unlock()
		f.reply(ctx, conn, id, nil)
	case "unsubscribe_events":
		subID := int64FromJSON(msg["subscription"])
		f.mu.Lock()
		delete(f.subs, subID)
		f.unsubscribed = append(f.unsubscribed, subID)
		f.mu.Unlock()
		f.reply(ctx, conn, id, nil)
	default:
		_ = wsjson.Write(ctx, conn, map[string]any{
			"id":      id,
			"type":    "result",
			"success": false,
			"error":   WSError{Code: "unknown_command", Message: "Unknown command."},
		})
	}
}

func (f *fakeHA) reply(ctx context.Context, conn *websocket.Conn, id int64, result any) {
	_ = wsjson.Write(ctx, conn, map[string]any{
		"id":      id,
		"type":    "result",
		"success": true,
		"result":  result,
	})
}

// emit sends an event to every subscription listening for eventType.
func (f *fakeHA) emit(t *testing.T, eventType string, data any) {
	t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshaling event data: %v", err)
	}

	f.mu.Lock()
	conn := f.conn
	var ids []int64
	for id, et := range f.subs {
		if et == "" || et == eventType {
			ids = append(ids, id)
		}
	}
	f.mu.Unlock()

	if conn == nil {
		t.Fatal("emit() called before a client connected")
	}

	for _, id := range ids {
		err := wsjson.Write(context.Background(), conn, map[string]any{
			"id":   id,
			"type": "event",
			"event": map[string]any{
				"event_type": eventType,
				"data":       json.RawMessage(raw),
				"origin":     "LOCAL",
				"time_fired": "2025-01-01T00:00:00+00:00",
			},
		})
		if err != nil {
			t.Fatalf("writing event: %v", err)
		}
	}
}

func (f *fakeHA) subscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeHA) serveState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	entityID := strings.TrimPrefix(r.URL.Path, "/api/states/")

	var update StateUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	_, existed := f.posted[entityID]
	f.posted[entityID] = update
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if existed {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	_ = json.NewEncoder(w).Encode(Entity{
		EntityID:   entityID,
		State:      update.State,
		Attributes: update.Attributes,
	})
}

func int64FromJSON(v any) int64 {
	if n, ok := v.(float64); ok {
		return int64(n)
	}
	return 0
}
