// Package homeassistant provides types shared by the WebSocket and REST clients.
package homeassistant

import (
	"encoding/json"
	"strings"
	"time"
)

// FlexibleString is a type that can unmarshal from either a JSON string or an array of strings.
// Home Assistant sometimes returns version fields as arrays instead of strings.
type FlexibleString string

// UnmarshalJSON implements json.Unmarshaler for FlexibleString.
func (fs *FlexibleString) UnmarshalJSON(data []byte) error {
	// Try to unmarshal as string first
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fs = FlexibleString(str)
		return nil
	}

	// Try to unmarshal as array of strings
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*fs = FlexibleString(strings.Join(arr, ", "))
		return nil
	}

	// If both fail, set to empty string
	*fs = ""
	return nil
}

// String returns the string value of FlexibleString.
func (fs FlexibleString) String() string {
	return string(fs)
}

// MarshalJSON implements json.Marshaler for FlexibleString.
func (fs FlexibleString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(fs))
}

// FlexibleIdentifier is a type that can unmarshal from either a JSON string or a number.
// Home Assistant sometimes returns identifiers as numbers instead of strings.
type FlexibleIdentifier string

// UnmarshalJSON implements json.Unmarshaler for FlexibleIdentifier.
func (fi *FlexibleIdentifier) UnmarshalJSON(data []byte) error {
	// Try to unmarshal as string first
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fi = FlexibleIdentifier(str)
		return nil
	}

	// Try to unmarshal as number (float64 covers all JSON numbers)
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*fi = FlexibleIdentifier(json.Number(data).String())
		return nil
	}

	// If both fail, set to empty string
	*fi = ""
	return nil
}

// String returns the string value of FlexibleIdentifier.
func (fi FlexibleIdentifier) String() string {
	return string(fi)
}

// MarshalJSON implements json.Marshaler for FlexibleIdentifier.
func (fi FlexibleIdentifier) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(fi))
}

// Entity represents a Home Assistant entity state.
type Entity struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
	Context     Context        `json:"context"`
}

// Context represents the context of a state change.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// StateUpdate represents a request to update an entity's state.
type StateUpdate struct {
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EntityRegistryEntry represents an entry in the Home Assistant entity registry.
type EntityRegistryEntry struct {
	ID             string `json:"id,omitempty"`
	EntityID       string `json:"entity_id"`
	Platform       string `json:"platform"`
	ConfigEntryID  string `json:"config_entry_id,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
	AreaID         string `json:"area_id,omitempty"`
	DisabledBy     string `json:"disabled_by,omitempty"`
	HiddenBy       string `json:"hidden_by,omitempty"`
	Name           string `json:"name,omitempty"`
	OriginalName   string `json:"original_name,omitempty"`
	TranslationKey string `json:"translation_key,omitempty"`
	Icon           string `json:"icon,omitempty"`
	UniqueID       string `json:"unique_id,omitempty"`
}

// DeviceRegistryEntry represents an entry in the Home Assistant device registry.
type DeviceRegistryEntry struct {
	ID               string                 `json:"id"`
	ConfigEntries    []string               `json:"config_entries,omitempty"`
	Connections      [][]FlexibleIdentifier `json:"connections,omitempty"`
	Identifiers      [][]FlexibleIdentifier `json:"identifiers,omitempty"`
	Manufacturer     string                 `json:"manufacturer,omitempty"`
	Model            FlexibleString         `json:"model,omitempty"`
	Name             string                 `json:"name,omitempty"`
	SWVersion        FlexibleString         `json:"sw_version,omitempty"`
	HWVersion        FlexibleString         `json:"hw_version,omitempty"`
	AreaID           string                 `json:"area_id,omitempty"`
	NameByUser       string                 `json:"name_by_user,omitempty"`
	DisabledBy       string                 `json:"disabled_by,omitempty"`
	ConfigurationURL string                 `json:"configuration_url,omitempty"`
}
