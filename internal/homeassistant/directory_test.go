package homeassistant

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakeRegistry struct {
	entities []EntityRegistryEntry
	devices  []DeviceRegistryEntry
	err      error
	reads    int
}

func (f *fakeRegistry) GetEntityRegistry(context.Context) ([]EntityRegistryEntry, error) {
	f.reads++
	return f.entities, f.err
}

func (f *fakeRegistry) GetDeviceRegistry(context.Context) ([]DeviceRegistryEntry, error) {
	f.reads++
	return f.devices, f.err
}

func testRegistry() *fakeRegistry {
	return &fakeRegistry{
		entities: []EntityRegistryEntry{
			{ID: "0a1b2c3d4e5f60718293a4b5c6d7e8f9", EntityID: "fan.living_room", DeviceID: "dev-1", Platform: "philips_airpurifier_coap"},
			{ID: "1b2c3d4e5f60718293a4b5c6d7e8f90a", EntityID: "sensor.living_room_humidity", DeviceID: "dev-1"},
			{ID: "2c3d4e5f60718293a4b5c6d7e8f90a1b", EntityID: "select.living_room_function", DeviceID: "dev-1", TranslationKey: "function"},
			{ID: "3d4e5f60718293a4b5c6d7e8f90a1b2c", EntityID: "light.kitchen", DeviceID: "dev-2"},
		},
		devices: []DeviceRegistryEntry{
			{ID: "dev-1", Name: "Living Room Purifier", Manufacturer: "Philips"},
		},
	}
}

func TestDirectory_Resolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ref       string
		want      string
		wantErr   error
		wantReads int
	}{
		{
			name: "entity id passes through without registry read",
			ref:  "fan.living_room",
			want: "fan.living_room",
		},
		{
			name: "unregistered entity id passes through",
			ref:  "sensor.template_humidity",
			want: "sensor.template_humidity",
		},
		{
			name:      "registry id maps to current entity id",
			ref:       "1b2c3d4e5f60718293a4b5c6d7e8f90a",
			want:      "sensor.living_room_humidity",
			wantReads: 1,
		},
		{
			name:      "unknown registry id",
			ref:       "ffffffffffffffffffffffffffffffff",
			wantErr:   ErrUnresolvable,
			wantReads: 1,
		},
		{
			name:    "dashed uuid is not a registry id",
			ref:     "0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9",
			wantErr: ErrUnresolvable,
		},
		{
			name:    "garbage",
			ref:     "Living Room Fan",
			wantErr: ErrUnresolvable,
		},
		{
			name:    "empty",
			ref:     "",
			wantErr: ErrUnresolvable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg := testRegistry()
			got, err := NewDirectory(reg).Resolve(context.Background(), tt.ref)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve(%q) error = %v, want %v", tt.ref, err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Resolve(%q) error = %v", tt.ref, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.ref, got, tt.want)
			}
			if reg.reads != tt.wantReads {
				t.Errorf("registry reads = %d, want %d", reg.reads, tt.wantReads)
			}
		})
	}
}

func TestDirectory_ResolveRegistryError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection lost")
	d := NewDirectory(&fakeRegistry{err: boom})

	_, err := d.Resolve(context.Background(), "0a1b2c3d4e5f60718293a4b5c6d7e8f9")
	if !errors.Is(err, boom) {
		t.Errorf("Resolve() error = %v, want %v", err, boom)
	}
	if errors.Is(err, ErrUnresolvable) {
		t.Error("registry failure must not be reported as unresolvable")
	}
}

func TestDirectory_DeviceGraph(t *testing.T) {
	t.Parallel()

	d := NewDirectory(testRegistry())
	ctx := context.Background()

	entry, err := d.EntityEntry(ctx, "fan.living_room")
	if err != nil {
		t.Fatalf("EntityEntry() error = %v", err)
	}
	if entry == nil || entry.DeviceID != "dev-1" {
		t.Fatalf("EntityEntry() = %+v, want device dev-1", entry)
	}

	missing, err := d.EntityEntry(ctx, "sensor.template_humidity")
	if err != nil || missing != nil {
		t.Errorf("EntityEntry(unregistered) = %+v, %v, want nil, nil", missing, err)
	}

	device, err := d.Device(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if device == nil || device.Name != "Living Room Purifier" {
		t.Errorf("Device() = %+v", device)
	}
	if device, _ := d.Device(ctx, "dev-9"); device != nil {
		t.Errorf("Device(unknown) = %+v, want nil", device)
	}

	siblings, err := d.SiblingsOfDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("SiblingsOfDevice() error = %v", err)
	}
	var ids []string
	for _, s := range siblings {
		ids = append(ids, s.EntityID)
	}
	want := []string{"fan.living_room", "sensor.living_room_humidity", "select.living_room_function"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("SiblingsOfDevice() mismatch (-want +got):\n%s", diff)
	}

	if siblings, err := d.SiblingsOfDevice(ctx, ""); err != nil || siblings != nil {
		t.Errorf("SiblingsOfDevice(\"\") = %v, %v, want nil, nil", siblings, err)
	}
}

func TestIsValidEntityID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want bool
	}{
		{"fan.living_room", true},
		{"sensor.ac3829_humidity_2", true},
		{"select.x", true},
		{"fan", false},
		{"fan.", false},
		{".living_room", false},
		{"Fan.living_room", false},
		{"fan.living-room", false},
		{"fan._living_room", false},
		{"fan.living_room_", false},
		{"fan__x.living_room", false},
		{"fan.living.room", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			t.Parallel()

			if got := IsValidEntityID(tt.id); got != tt.want {
				t.Errorf("IsValidEntityID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestDomain(t *testing.T) {
	t.Parallel()

	if got := Domain("select.living_room_function"); got != "select" {
		t.Errorf("Domain() = %q, want select", got)
	}
	if got := Domain("nodot"); got != "nodot" {
		t.Errorf("Domain(nodot) = %q, want nodot", got)
	}
}
