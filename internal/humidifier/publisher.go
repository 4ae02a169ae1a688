package humidifier

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/zorak1103/ha-humidifier/internal/homeassistant"
)

// Domain is the Home Assistant domain of published composites.
const Domain = "humidifier"

// Humidifier entity constants as Home Assistant defines them.
const (
	deviceClassHumidifier = "humidifier"
	featureModes          = 1
	defaultMinHumidity    = 0
	defaultMaxHumidity    = 100
	stateOff              = "off"
)

// StateWriter writes entity states into Home Assistant.
type StateWriter interface {
	SetState(ctx context.Context, entityID string, state homeassistant.StateUpdate) (*homeassistant.Entity, error)
}

// StatePublisher writes one composite humidifier into Home Assistant's state machine.
type StatePublisher struct {
	writer   StateWriter
	entityID string
	name     string
}

// NewStatePublisher creates a publisher for entityID shown as name.
func NewStatePublisher(writer StateWriter, entityID, name string) *StatePublisher {
	return &StatePublisher{writer: writer, entityID: entityID, name: name}
}

// EntityID returns the id the composite is published under.
func (p *StatePublisher) EntityID() string {
	return p.entityID
}

// Publish writes the rendered state.
func (p *StatePublisher) Publish(ctx context.Context, st State) error {
	if _, err := p.writer.SetState(ctx, p.entityID, Render(st, p.name)); err != nil {
		return fmt.Errorf("publishing %s: %w", p.entityID, err)
	}
	return nil
}

// Render converts a composite state into a Home Assistant humidifier state.
func Render(st State, name string) homeassistant.StateUpdate {
	state := stateOff
	switch {
	case !st.Available:
		state = homeassistant.StateUnavailable
	case st.IsOn:
		state = stateOn
	}

	modes := st.AvailableModes
	if modes == nil {
		modes = []string{}
	}

	attrs := map[string]any{
		"friendly_name":      name,
		"device_class":       deviceClassHumidifier,
		"supported_features": featureModes,
		"min_humidity":       defaultMinHumidity,
		"max_humidity":       defaultMaxHumidity,
		"available_modes":    modes,
		"mode":               nil,
		"current_humidity":   nil,
		"humidity":           nil,
		"action":             nil,
	}
	if st.Mode != "" {
		attrs["mode"] = st.Mode
	}
	if st.CurrentHumidity != nil {
		attrs["current_humidity"] = humidityValue(*st.CurrentHumidity)
	}
	if st.TargetHumidity != nil {
		attrs["humidity"] = *st.TargetHumidity
	}
	if st.Action != ActionUnknown {
		attrs["action"] = st.Action.String()
	}

	return homeassistant.StateUpdate{State: state, Attributes: attrs}
}

// humidityValue publishes numeric readings as numbers and anything else
// verbatim. NaN and infinities stay text; JSON cannot carry them.
func humidityValue(raw string) any {
	if v, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
		return v
	}
	return raw
}
