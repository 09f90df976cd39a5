package relay

// FakeHardware records register writes and gate changes for test assertions.
type FakeHardware struct {
	// Writes contains every value passed to WriteRegister, in order.
	Writes []uint16

	// GateChanges contains every SetOutputEnable value, in order.
	GateChanges []bool

	// WriteError, if set, will be returned by WriteRegister.
	WriteError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeHardware creates a FakeHardware for testing.
func NewFakeHardware() *FakeHardware {
	return &FakeHardware{}
}

// WriteRegister records the value.
func (f *FakeHardware) WriteRegister(v uint16) error {
	if f.WriteError != nil {
		return f.WriteError
	}
	f.Writes = append(f.Writes, v)
	return nil
}

// SetOutputEnable records the gate change.
func (f *FakeHardware) SetOutputEnable(enabled bool) error {
	f.GateChanges = append(f.GateChanges, enabled)
	return nil
}

// Close marks the hardware as closed.
func (f *FakeHardware) Close() error {
	f.Closed = true
	return nil
}

// LastWrite returns the most recent register value (0 if none).
func (f *FakeHardware) LastWrite() uint16 {
	if len(f.Writes) == 0 {
		return 0
	}
	return f.Writes[len(f.Writes)-1]
}

// Reset clears recorded calls.
func (f *FakeHardware) Reset() {
	f.Writes = nil
	f.GateChanges = nil
	f.WriteError = nil
	f.Closed = false
}

// FakeSensor returns scripted, call-ordered current readings. It lets tests
// verify that baseline and final measurements of a toggle never interleave
// with another toggle's measurements.
type FakeSensor struct {
	// Readings contains scripted values returned by MainLineAmps in order.
	// When exhausted, the last value repeats.
	Readings []float64

	// Cached is returned by CachedAmps.
	Cached float64

	// Calls counts MainLineAmps invocations.
	Calls int

	index int
}

// NewFakeSensor creates a FakeSensor with the given scripted readings.
func NewFakeSensor(readings []float64) *FakeSensor {
	return &FakeSensor{Readings: readings}
}

// MainLineAmps returns the next scripted reading.
func (f *FakeSensor) MainLineAmps() float64 {
	f.Calls++
	if len(f.Readings) == 0 {
		return 0
	}
	v := f.Readings[f.index]
	if f.index < len(f.Readings)-1 {
		f.index++
	}
	return v
}

// CachedAmps returns the configured cached value.
func (f *FakeSensor) CachedAmps() float64 {
	return f.Cached
}
