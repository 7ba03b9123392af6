package ir

import "fmt"

// DeviceID identifies a device across the whole simulation.
// Two devices with the same name on different engines are distinct.
type DeviceID struct {
	Name       string `json:"name"`
	EngineName string `json:"engine_name"`
}

// NewDeviceID creates a DeviceID for the device name on engine.
func NewDeviceID(name, engine string) DeviceID {
	return DeviceID{Name: name, EngineName: engine}
}

// String renders the id as "engine/name".
func (id DeviceID) String() string {
	return id.EngineName + "/" + id.Name
}

// IsZero reports whether both parts of the id are empty.
func (id DeviceID) IsZero() bool {
	return id.Name == "" && id.EngineName == ""
}

// Validate checks that both parts of the id are set.
func (id DeviceID) Validate() error {
	if id.Name == "" {
		return fmt.Errorf("device id %q: name is required", id.String())
	}
	if id.EngineName == "" {
		return fmt.Errorf("device id %q: engine name is required", id.String())
	}
	return nil
}

// DeviceKind tells which direction data flows through a device.
type DeviceKind string

const (
	// FromEngine devices are produced by an engine and read by functions.
	FromEngine DeviceKind = "from_engine"

	// ToEngine devices are produced by functions and consumed by an engine.
	ToEngine DeviceKind = "to_engine"
)

// Valid reports whether k is a known device kind.
func (k DeviceKind) Valid() bool {
	return k == FromEngine || k == ToEngine
}

// Device is a named, engine-scoped data record.
// Data may be empty when an engine has not produced a value yet.
type Device struct {
	ID   DeviceID   `json:"device_id"`
	Kind DeviceKind `json:"kind,omitempty"`
	Data IRObject   `json:"data"`
}

// NewToEngine builds an input device for engine.
func NewToEngine(name, engine string, data IRObject) Device {
	return Device{ID: NewDeviceID(name, engine), Kind: ToEngine, Data: data}
}

// NewFromEngine builds an output device of engine.
func NewFromEngine(name, engine string, data IRObject) Device {
	return Device{ID: NewDeviceID(name, engine), Kind: FromEngine, Data: data}
}

// IsEmpty reports whether the device carries no data.
func (d Device) IsEmpty() bool {
	return len(d.Data) == 0
}

// Clone returns a deep copy of the device.
func (d Device) Clone() Device {
	return Device{ID: d.ID, Kind: d.Kind, Data: d.Data.Clone()}
}

// Equal reports whether two devices have the same id, kind, and data.
// Nil and empty data compare equal.
func (d Device) Equal(other Device) bool {
	if d.ID != other.ID || d.Kind != other.Kind {
		return false
	}
	if len(d.Data) == 0 && len(other.Data) == 0 {
		return true
	}
	return Equal(d.Data, other.Data)
}

// CloneDevices deep-copies a device slice. A nil slice clones to nil.
func CloneDevices(devices []Device) []Device {
	if devices == nil {
		return nil
	}
	out := make([]Device, len(devices))
	for i, d := range devices {
		out[i] = d.Clone()
	}
	return out
}
