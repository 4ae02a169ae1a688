package humidifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/zorak1103/ha-humidifier/internal/homeassistant"
)

type serviceCall struct {
	Domain  string
	Service string
	Data    map[string]any
}

// fakeHost is an in-memory Home Assistant implementing Host.
type fakeHost struct {
	mu           sync.Mutex
	states       map[string]*homeassistant.Entity
	stateErr     error
	onGetState   func(entityID string)
	entities     []homeassistant.EntityRegistryEntry
	devices      []homeassistant.DeviceRegistryEntry
	calls        []serviceCall
	callErr      error
	published    map[string][]homeassistant.StateUpdate
	handlers     map[int]homeassistant.EventHandler
	nextSub      int
	unsubscribed int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		states:    make(map[string]*homeassistant.Entity),
		published: make(map[string][]homeassistant.StateUpdate),
		handlers:  make(map[int]homeassistant.EventHandler),
	}
}

func (h *fakeHost) setState(entityID, state string, attrs map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[entityID] = &homeassistant.Entity{EntityID: entityID, State: state, Attributes: attrs}
}

func (h *fakeHost) GetState(_ context.Context, entityID string) (*homeassistant.Entity, error) {
	h.mu.Lock()
	hook := h.onGetState
	err := h.stateErr
	e, ok := h.states[entityID]
	h.mu.Unlock()

	if hook != nil {
		hook(entityID)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", homeassistant.ErrEntityNotFound, entityID)
	}
	cp := *e
	return &cp, nil
}

func (h *fakeHost) CallService(_ context.Context, domain, service string, data map[string]any) ([]homeassistant.Entity, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, serviceCall{Domain: domain, Service: service, Data: data})
	return nil, h.callErr
}

func (h *fakeHost) SetState(_ context.Context, entityID string, state homeassistant.StateUpdate) (*homeassistant.Entity, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.published[entityID] = append(h.published[entityID], state)
	return &homeassistant.Entity{EntityID: entityID, State: state.State, Attributes: state.Attributes}, nil
}

func (h *fakeHost) GetEntityRegistry(context.Context) ([]homeassistant.EntityRegistryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]homeassistant.EntityRegistryEntry(nil), h.entities...), nil
}

func (h *fakeHost) GetDeviceRegistry(context.Context) ([]homeassistant.DeviceRegistryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]homeassistant.DeviceRegistryEntry(nil), h.devices...), nil
}

func (h *fakeHost) SubscribeEvents(_ context.Context, eventType string, handler homeassistant.EventHandler) (homeassistant.Unsubscriber, error) {
	if eventType != homeassistant.EventStateChanged {
		return nil, fmt.Errorf("unexpected event type %q", eventType)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSub++
	h.handlers[h.nextSub] = handler
	return &fakeSubscription{host: h, id: h.nextSub}, nil
}

type fakeSubscription struct {
	host *fakeHost
	id   int
}

func (s *fakeSubscription) Unsubscribe(context.Context) error {
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	if _, ok := s.host.handlers[s.id]; ok {
		delete(s.host.handlers, s.id)
		s.host.unsubscribed++
	}
	return nil
}

// emit stores the new state and delivers a state_changed event synchronously.
// A nil newState removes the entity.
func (h *fakeHost) emit(t *testing.T, entityID string, newState *homeassistant.Entity) {
	t.Helper()

	data, err := json.Marshal(homeassistant.StateChangedEvent{EntityID: entityID, NewState: newState})
	if err != nil {
		t.Fatalf("marshaling event: %v", err)
	}

	h.mu.Lock()
	if newState == nil {
		delete(h.states, entityID)
	} else {
		cp := *newState
		h.states[entityID] = &cp
	}
	handlers := make([]homeassistant.EventHandler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		handlers = append(handlers, handler)
	}
	h.mu.Unlock()

	for _, handler := range handlers {
		handler(homeassistant.WSEvent{EventType: homeassistant.EventStateChanged, Data: data})
	}
}

func (h *fakeHost) subscriptionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers)
}

func (h *fakeHost) serviceCalls() []serviceCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]serviceCall(nil), h.calls...)
}

func (h *fakeHost) lastPublished(entityID string) (homeassistant.StateUpdate, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	updates := h.published[entityID]
	if len(updates) == 0 {
		return homeassistant.StateUpdate{}, 0
	}
	return updates[len(updates)-1], len(updates)
}

// recordingPublisher collects published states.
type recordingPublisher struct {
	mu     sync.Mutex
	states []State
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, st State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, st)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}

func (p *recordingPublisher) last() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.states) == 0 {
		return State{}
	}
	return p.states[len(p.states)-1]
}

func entity(id, state string, attrs map[string]any) *homeassistant.Entity {
	return &homeassistant.Entity{EntityID: id, State: state, Attributes: attrs}
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }
