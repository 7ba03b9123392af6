package ir

// Snapshot is the immutable set of devices observed at the end of one step.
//
// Devices keep the order they were added in, which the loop derives from
// engine registration order. Accessors return deep copies, so a snapshot can
// be shared between goroutines and functions without copying up front.
type Snapshot struct {
	step    int64
	order   []DeviceID
	devices map[DeviceID]Device
}

// NewSnapshot builds a snapshot for step from devices. When an id appears
// more than once the last device wins but keeps the first position.
func NewSnapshot(step int64, devices []Device) *Snapshot {
	s := &Snapshot{
		step:    step,
		order:   make([]DeviceID, 0, len(devices)),
		devices: make(map[DeviceID]Device, len(devices)),
	}
	for _, d := range devices {
		s.put(d.Clone())
	}
	return s
}

func (s *Snapshot) put(d Device) {
	if _, ok := s.devices[d.ID]; !ok {
		s.order = append(s.order, d.ID)
	}
	s.devices[d.ID] = d
}

// Step returns the step index the snapshot was taken at. Step 0 is the
// snapshot produced by initialization.
func (s *Snapshot) Step() int64 {
	return s.step
}

// Len returns the number of devices.
func (s *Snapshot) Len() int {
	return len(s.order)
}

// Get returns a copy of the device with the given id.
func (s *Snapshot) Get(id DeviceID) (Device, bool) {
	d, ok := s.devices[id]
	if !ok {
		return Device{}, false
	}
	return d.Clone(), true
}

// Has reports whether the snapshot contains id.
func (s *Snapshot) Has(id DeviceID) bool {
	_, ok := s.devices[id]
	return ok
}

// Devices returns copies of all devices in snapshot order.
func (s *Snapshot) Devices() []Device {
	out := make([]Device, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.devices[id].Clone())
	}
	return out
}

// IDs returns the device ids in snapshot order.
func (s *Snapshot) IDs() []DeviceID {
	out := make([]DeviceID, len(s.order))
	copy(out, s.order)
	return out
}

// With returns a new snapshot for the same step with devices merged in.
// The receiver is left untouched.
func (s *Snapshot) With(devices []Device) *Snapshot {
	next := &Snapshot{
		step:    s.step,
		order:   make([]DeviceID, len(s.order), len(s.order)+len(devices)),
		devices: make(map[DeviceID]Device, len(s.devices)+len(devices)),
	}
	copy(next.order, s.order)
	for id, d := range s.devices {
		next.devices[id] = d
	}
	for _, d := range devices {
		next.put(d.Clone())
	}
	return next
}
