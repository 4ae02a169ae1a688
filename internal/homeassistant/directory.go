package homeassistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrUnresolvable is returned when a configured reference matches neither an
// entity id nor an entity registry entry.
var ErrUnresolvable = errors.New("unresolvable entity reference")

// RegistryReader lists the entity and device registries.
type RegistryReader interface {
	GetEntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error)
	GetDeviceRegistry(ctx context.Context) ([]DeviceRegistryEntry, error)
}

// Directory answers read-only questions about the entity and device graph.
// Every call reads the registries afresh.
type Directory struct {
	registry RegistryReader
}

// NewDirectory creates a Directory backed by the given registry reader.
func NewDirectory(registry RegistryReader) *Directory {
	return &Directory{registry: registry}
}

// Resolve turns a configured reference into a canonical entity id.
// Well-formed entity ids are returned unchanged, as Home Assistant also
// accepts entities that are not in the registry. Registry ids (32 hex
// characters) are looked up and mapped to their current entity id, so
// references survive entity renames.
func (d *Directory) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if IsValidEntityID(ref) {
		return ref, nil
	}

	if _, err := uuid.Parse(ref); err != nil || len(ref) != 32 {
		return "", fmt.Errorf("%w: %q", ErrUnresolvable, ref)
	}

	entries, err := d.registry.GetEntityRegistry(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", ref, err)
	}
	for _, e := range entries {
		if e.ID == ref {
			return e.EntityID, nil
		}
	}

	return "", fmt.Errorf("%w: unknown entity registry entry %s", ErrUnresolvable, ref)
}

// EntityEntry returns the registry entry of entityID, or nil when the entity
// is not registered.
func (d *Directory) EntityEntry(ctx context.Context, entityID string) (*EntityRegistryEntry, error) {
	entries, err := d.registry.GetEntityRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading entity registry: %w", err)
	}
	for i := range entries {
		if entries[i].EntityID == entityID {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// Device returns the device registry entry with the given id, or nil.
func (d *Directory) Device(ctx context.Context, deviceID string) (*DeviceRegistryEntry, error) {
	devices, err := d.registry.GetDeviceRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading device registry: %w", err)
	}
	for i := range devices {
		if devices[i].ID == deviceID {
			return &devices[i], nil
		}
	}
	return nil, nil
}

// SiblingsOfDevice returns every registered entity attached to deviceID.
func (d *Directory) SiblingsOfDevice(ctx context.Context, deviceID string) ([]EntityRegistryEntry, error) {
	if deviceID == "" {
		return nil, nil
	}

	entries, err := d.registry.GetEntityRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading entity registry: %w", err)
	}

	var siblings []EntityRegistryEntry
	for _, e := range entries {
		if e.DeviceID == deviceID {
			siblings = append(siblings, e)
		}
	}
	return siblings, nil
}

// IsValidEntityID reports whether id has the form domain.object_id using
// lowercase letters, digits and single underscores that neither start nor
// end either part.
func IsValidEntityID(id string) bool {
	domain, object, ok := strings.Cut(id, ".")
	if !ok {
		return false
	}
	return isSlugPart(domain) && !strings.Contains(domain, "__") && isSlugPart(object)
}

func isSlugPart(s string) bool {
	if s == "" || s[0] == '_' || s[len(s)-1] == '_' {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

// Domain returns the domain part of an entity id.
func Domain(entityID string) string {
	domain, _, _ := strings.Cut(entityID, ".")
	return domain
}
