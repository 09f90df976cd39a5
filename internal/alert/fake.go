package alert

import "github.com/sweeney/coop-controller/internal/routine"

// FakePublisher records published events for test assertions.
type FakePublisher struct {
	// Toggles contains every confirmation event, in order.
	Toggles []routine.DeviceConfirmResult

	// Failures contains every failure report, in order.
	Failures []FailureReport

	// System contains every lifecycle event, in order.
	System []SystemEvent

	// PublishError, if set, is returned by every publish method.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool
}

// FailureReport is one recorded PublishFailure call.
type FailureReport struct {
	Routine  string
	Failures []routine.DeviceConfirmResult
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// PublishToggle records the event.
func (f *FakePublisher) PublishToggle(result routine.DeviceConfirmResult) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Toggles = append(f.Toggles, result)
	return nil
}

// PublishFailure records the report.
func (f *FakePublisher) PublishFailure(routineName string, failures []routine.DeviceConfirmResult) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Failures = append(f.Failures, FailureReport{Routine: routineName, Failures: failures})
	return nil
}

// PublishSystem records the event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	f.System = append(f.System, event)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.Closed = true
	return nil
}

// Reset clears recorded events.
func (f *FakePublisher) Reset() {
	f.Toggles = nil
	f.Failures = nil
	f.System = nil
	f.PublishError = nil
	f.Closed = false
}
