package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Event types used by the bridge.
const (
	EventStateChanged = "state_changed"
	EventCallService  = "call_service"
)

// StateUnavailable is the state Home Assistant reports for unreachable entities.
const StateUnavailable = "unavailable"

// EventHandler receives events for a subscription.
type EventHandler func(event WSEvent)

// Unsubscriber disposes an event subscription.
// Once Unsubscribe returns, the subscription's handler is never called again.
// It must not be called from inside that handler.
type Unsubscriber interface {
	Unsubscribe(ctx context.Context) error
}

// EventSubscriber is implemented by clients that can stream Home Assistant events.
type EventSubscriber interface {
	SubscribeEvents(ctx context.Context, eventType string, handler EventHandler) (Unsubscriber, error)
}

// Subscription is an active subscribe_events registration on a WSClient.
type Subscription struct {
	client    *WSClient
	eventType string
	handler   EventHandler
	id        atomic.Int64

	mu     sync.Mutex
	closed bool
}

// ID returns the current Home Assistant subscription id.
// It changes when the subscription is restored after a reconnect.
func (s *Subscription) ID() int64 {
	return s.id.Load()
}

// EventType returns the subscribed event type.
func (s *Subscription) EventType() string {
	return s.eventType
}

// Unsubscribe stops event delivery and sends unsubscribe_events.
// Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.client.unsubscribe(ctx, s)
}

// deliver runs the handler unless the subscription was closed.
// Holding mu for the call makes Unsubscribe wait for an in-flight handler.
func (s *Subscription) deliver(event WSEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.handler(event)
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// StateChangedEvent is the data payload of a state_changed event.
// NewState is nil when the entity was removed; OldState is nil when it was added.
type StateChangedEvent struct {
	EntityID string  `json:"entity_id"`
	OldState *Entity `json:"old_state"`
	NewState *Entity `json:"new_state"`
}

// DecodeStateChanged decodes the data of a state_changed event.
func DecodeStateChanged(event WSEvent) (StateChangedEvent, error) {
	var data StateChangedEvent
	if event.EventType != EventStateChanged {
		return data, fmt.Errorf("unexpected event type %q", event.EventType)
	}
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return data, fmt.Errorf("decoding state_changed data: %w", err)
	}
	return data, nil
}

// CallServiceEvent is the data payload of a call_service event.
type CallServiceEvent struct {
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data"`
}

// DecodeCallService decodes the data of a call_service event.
func DecodeCallService(event WSEvent) (CallServiceEvent, error) {
	var data CallServiceEvent
	if event.EventType != EventCallService {
		return data, fmt.Errorf("unexpected event type %q", event.EventType)
	}
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return data, fmt.Errorf("decoding call_service data: %w", err)
	}
	return data, nil
}

// TargetEntityIDs returns the entity ids a service call targets, whether
// given as a string or a list, in service_data or the nested target.
func (e CallServiceEvent) TargetEntityIDs() []string {
	ids := entityIDList(e.ServiceData["entity_id"])
	if target, ok := e.ServiceData["target"].(map[string]any); ok {
		ids = append(ids, entityIDList(target["entity_id"])...)
	}
	return ids
}

func entityIDList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		ids := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				ids = append(ids, s)
			}
		}
		return ids
	case []string:
		return t
	default:
		return nil
	}
}

// StateChangeHandler is called for state_changed events of tracked entities.
type StateChangeHandler func(change StateChangedEvent)

// TrackStateChanges subscribes to state_changed events and forwards those
// concerning entityIDs to handler. Events that fail to decode are dropped.
func TrackStateChanges(ctx context.Context, src EventSubscriber, entityIDs []string, handler StateChangeHandler) (Unsubscriber, error) {
	tracked := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		if id != "" {
			tracked[id] = struct{}{}
		}
	}

	return src.SubscribeEvents(ctx, EventStateChanged, func(event WSEvent) {
		change, err := DecodeStateChanged(event)
		if err != nil {
			return
		}
		if _, ok := tracked[change.EntityID]; !ok {
			return
		}
		handler(change)
	})
}
