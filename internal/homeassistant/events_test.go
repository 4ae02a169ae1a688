package homeassistant

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeStateChanged(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		event   WSEvent
		want    StateChangedEvent
		wantErr bool
	}{
		{
			name: "state change",
			event: WSEvent{
				EventType: EventStateChanged,
				Data: json.RawMessage(`{"entity_id":"fan.purifier",` +
					`"old_state":{"entity_id":"fan.purifier","state":"off"},` +
					`"new_state":{"entity_id":"fan.purifier","state":"on","attributes":{"preset_mode":"auto"}}}`),
			},
			want: StateChangedEvent{
				EntityID: "fan.purifier",
				OldState: &Entity{EntityID: "fan.purifier", State: "off"},
				NewState: &Entity{EntityID: "fan.purifier", State: "on", Attributes: map[string]any{"preset_mode": "auto"}},
			},
		},
		{
			name: "entity removed",
			event: WSEvent{
				EventType: EventStateChanged,
				Data:      json.RawMessage(`{"entity_id":"sensor.h","old_state":{"entity_id":"sensor.h","state":"40"},"new_state":null}`),
			},
			want: StateChangedEvent{
				EntityID: "sensor.h",
				OldState: &Entity{EntityID: "sensor.h", State: "40"},
			},
		},
		{
			name:    "wrong event type",
			event:   WSEvent{EventType: EventCallService, Data: json.RawMessage(`{}`)},
			wantErr: true,
		},
		{
			name:    "malformed data",
			event:   WSEvent{EventType: EventStateChanged, Data: json.RawMessage(`[1,2]`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := DecodeStateChanged(tt.event)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeStateChanged() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("DecodeStateChanged() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCallServiceEvent_TargetEntityIDs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		want []string
	}{
		{
			name: "single entity id",
			data: `{"domain":"humidifier","service":"turn_on","service_data":{"entity_id":"humidifier.a"}}`,
			want: []string{"humidifier.a"},
		},
		{
			name: "entity id list",
			data: `{"domain":"humidifier","service":"turn_off","service_data":{"entity_id":["humidifier.a","humidifier.b"]}}`,
			want: []string{"humidifier.a", "humidifier.b"},
		},
		{
			name: "nested target",
			data: `{"domain":"humidifier","service":"set_mode","service_data":{"mode":"night","target":{"entity_id":"humidifier.a"}}}`,
			want: []string{"humidifier.a"},
		},
		{
			name: "no target",
			data: `{"domain":"humidifier","service":"turn_on","service_data":{}}`,
		},
		{
			name: "non-string entries skipped",
			data: `{"domain":"humidifier","service":"turn_on","service_data":{"entity_id":["humidifier.a",3,""]}}`,
			want: []string{"humidifier.a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			call, err := DecodeCallService(WSEvent{EventType: EventCallService, Data: json.RawMessage(tt.data)})
			if err != nil {
				t.Fatalf("DecodeCallService() error = %v", err)
			}
			if call.Domain != "humidifier" {
				t.Errorf("Domain = %q, want humidifier", call.Domain)
			}
			if diff := cmp.Diff(tt.want, call.TargetEntityIDs()); diff != "" {
				t.Errorf("TargetEntityIDs() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeCallService_WrongType(t *testing.T) {
	t.Parallel()

	if _, err := DecodeCallService(WSEvent{EventType: EventStateChanged}); err == nil {
		t.Error("DecodeCallService(state_changed) error = nil, want error")
	}
}

func TestSubscription_UnsubscribeWhileDisconnected(t *testing.T) {
	t.Parallel()

	client := NewWSClient("http://localhost:8123", testToken)
	calls := 0
	sub := &Subscription{
		client:    client,
		eventType: EventStateChanged,
		handler:   func(WSEvent) { calls++ },
	}
	sub.id.Store(7)
	client.subs[7] = sub

	sub.deliver(WSEvent{EventType: EventStateChanged})
	if calls != 1 {
		t.Fatalf("handler calls = %d before Unsubscribe, want 1", calls)
	}

	if err := sub.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if _, ok := client.subs[7]; ok {
		t.Error("subscription still registered after Unsubscribe")
	}

	sub.deliver(WSEvent{EventType: EventStateChanged})
	if calls != 1 {
		t.Errorf("handler calls = %d after Unsubscribe, want 1", calls)
	}
	if !sub.isClosed() {
		t.Error("isClosed() = false after Unsubscribe")
	}
}
