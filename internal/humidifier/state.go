// Package humidifier composites a fan, a humidity sensor and a "Function"
// select into one virtual humidifier and keeps it in sync with its sources.
package humidifier

import (
	"slices"

	"github.com/zorak1103/ha-humidifier/internal/homeassistant"
)

// Function is the operating function read from the Function select entity.
type Function int

const (
	FunctionUnknown Function = iota
	FunctionHumidification
	FunctionIdle
)

// Labels the Function select reports.
const (
	LabelHumidification = "Purification and Humidification"
	LabelIdle           = "Purification"
)

// ParseFunction matches a select state against the known labels.
// Matching is exact; anything else is FunctionUnknown.
func ParseFunction(label string) Function {
	switch label {
	case LabelHumidification:
		return FunctionHumidification
	case LabelIdle:
		return FunctionIdle
	default:
		return FunctionUnknown
	}
}

// Action maps the function to the humidifier action it implies while the fan runs.
func (f Function) Action() Action {
	switch f {
	case FunctionHumidification:
		return ActionHumidifying
	case FunctionIdle:
		return ActionIdle
	default:
		return ActionUnknown
	}
}

func (f Function) String() string {
	switch f {
	case FunctionHumidification:
		return "humidification"
	case FunctionIdle:
		return "idle"
	default:
		return ""
	}
}

// Action is the humidifier action as Home Assistant names it.
type Action int

const (
	ActionUnknown Action = iota
	ActionHumidifying
	ActionIdle
	ActionOff
)

func (a Action) String() string {
	switch a {
	case ActionHumidifying:
		return "humidifying"
	case ActionIdle:
		return "idle"
	case ActionOff:
		return "off"
	default:
		return ""
	}
}

// deriveAction is Off while the fan is off, otherwise whatever the function implies.
func deriveAction(isOn bool, fn Function) Action {
	if !isOn {
		return ActionOff
	}
	return fn.Action()
}

// DefaultModes are the Philips purifier presets, used when the fan does not
// advertise its own.
var DefaultModes = []string{"auto", "night", "speed 1", "speed 2", "speed 3", "turbo"}

// Fan attributes and states read from the source fan.
const (
	attrPresetMode  = "preset_mode"
	attrPresetModes = "preset_modes"
	stateOn         = "on"
)

// State is the composite humidifier state.
type State struct {
	Available       bool
	IsOn            bool
	Mode            string
	AvailableModes  []string
	CurrentHumidity *string
	Function        Function
	Action          Action
	TargetHumidity  *float64
}

// unavailableState is the state used when the sources cannot be read.
func unavailableState() State {
	return State{Action: ActionOff}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.AvailableModes = slices.Clone(s.AvailableModes)
	if s.CurrentHumidity != nil {
		v := *s.CurrentHumidity
		out.CurrentHumidity = &v
	}
	if s.TargetHumidity != nil {
		v := *s.TargetHumidity
		out.TargetHumidity = &v
	}
	return out
}

// applyFan copies the fields the fan owns. A fan without preset_modes gets
// DefaultModes.
func (s *State) applyFan(fan *homeassistant.Entity) {
	if fan == nil {
		s.IsOn = false
		s.Mode = ""
		s.AvailableModes = nil
		return
	}

	s.IsOn = fan.State == stateOn
	s.Mode = fan.StringAttr(attrPresetMode)
	s.AvailableModes = fan.StringSliceAttr(attrPresetModes)
	if _, ok := fan.Attributes[attrPresetModes]; !ok && !fan.IsUnavailable() {
		s.AvailableModes = slices.Clone(DefaultModes)
	}
}

// applyHumidity copies the sensor reading as text.
func (s *State) applyHumidity(sensor *homeassistant.Entity) {
	if sensor == nil {
		s.CurrentHumidity = nil
		return
	}
	v := sensor.State
	s.CurrentHumidity = &v
}
