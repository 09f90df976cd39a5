package adc

import "errors"

// FakeSampler is a test double that returns scripted ADC counts.
type FakeSampler struct {
	// Samples contains scripted raw counts. Each call to Sample consumes
	// the next value; when exhausted, the sequence wraps around.
	Samples []int

	// SampleError, if set, will be returned by Sample.
	SampleError error

	// Calls counts how many samples were taken.
	Calls int

	// Closed tracks if Close was called.
	Closed bool

	index int
}

// NewFakeSampler creates a FakeSampler with the given scripted counts.
func NewFakeSampler(samples []int) *FakeSampler {
	return &FakeSampler{Samples: samples}
}

// Sample returns the next scripted count, wrapping around at the end so a
// single synthetic AC cycle can feed arbitrarily long sampling windows.
func (f *FakeSampler) Sample() (int, error) {
	if f.SampleError != nil {
		return 0, f.SampleError
	}
	if len(f.Samples) == 0 {
		return 0, errors.New("no samples configured")
	}
	v := f.Samples[f.index]
	f.index = (f.index + 1) % len(f.Samples)
	f.Calls++
	return v, nil
}

// Close marks the sampler as closed.
func (f *FakeSampler) Close() error {
	f.Closed = true
	return nil
}

// Reset rewinds the script.
func (f *FakeSampler) Reset() {
	f.index = 0
	f.Calls = 0
	f.Closed = false
}
