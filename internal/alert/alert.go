// Package alert publishes controller outcomes over MQTT: per-toggle
// confirmation events, aggregated routine failure reports, and system
// lifecycle events. Delivery is best effort; a broker outage never blocks
// the control loops.
package alert

import (
	"encoding/json"
	"log"
	"time"

	"github.com/sweeney/coop-controller/internal/routine"
)

// TopicEvents carries relay-toggle confirmation events.
const TopicEvents = "coop/controller/events"

// TopicAlerts carries routine failure reports.
const TopicAlerts = "coop/controller/alerts"

// TopicSystem carries lifecycle events (startup, shutdown, heartbeat).
const TopicSystem = "coop/controller/system"

// Publisher publishes controller events to the broker.
type Publisher interface {
	// PublishToggle sends one device confirmation outcome.
	PublishToggle(result routine.DeviceConfirmResult) error

	// PublishFailure sends a routine's aggregated unconfirmed devices.
	PublishFailure(routineName string, failures []routine.DeviceConfirmResult) error

	// PublishSystem sends a lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the broker connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent is a lifecycle event.
type SystemEvent struct {
	Timestamp time.Time
	Event     string // "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason    string // shutdown signal name, when applicable
	// RawPayload, if set, is published as-is. Heartbeats carry a full
	// status snapshot this way.
	RawPayload []byte
	Retained   bool
}

// togglePayload is the wire form of one confirmation event.
type togglePayload struct {
	Timestamp string  `json:"timestamp"`
	Device    string  `json:"device"`
	Name      string  `json:"name"`
	Channel   int     `json:"ch"`
	State     string  `json:"state"`
	DeltaAmps float64 `json:"delta_amps"`
	Confirmed bool    `json:"confirmed"`
}

// failurePayload is the wire form of a routine failure report.
type failurePayload struct {
	Timestamp string         `json:"timestamp"`
	Routine   string         `json:"routine"`
	Failures  []failedDevice `json:"failures"`
}

type failedDevice struct {
	Device    string  `json:"device"`
	Name      string  `json:"name"`
	Channel   int     `json:"ch"`
	State     string  `json:"state"`
	DeltaAmps float64 `json:"delta_amps"`
}

// systemPayload is the wire form of a lifecycle event.
type systemPayload struct {
	System systemInner `json:"system"`
}

type systemInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

func stateWord(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// FormatTogglePayload creates the JSON payload for a confirmation event.
func FormatTogglePayload(now time.Time, result routine.DeviceConfirmResult) ([]byte, error) {
	return json.Marshal(togglePayload{
		Timestamp: now.UTC().Format(time.RFC3339),
		Device:    result.DeviceID,
		Name:      result.DeviceName,
		Channel:   result.Channel,
		State:     stateWord(result.TargetState),
		DeltaAmps: result.DeltaAmps,
		Confirmed: result.Confirmed,
	})
}

// FormatFailurePayload creates the JSON payload for a failure report.
func FormatFailurePayload(now time.Time, routineName string, failures []routine.DeviceConfirmResult) ([]byte, error) {
	p := failurePayload{
		Timestamp: now.UTC().Format(time.RFC3339),
		Routine:   routineName,
	}
	for _, f := range failures {
		p.Failures = append(p.Failures, failedDevice{
			Device:    f.DeviceID,
			Name:      f.DeviceName,
			Channel:   f.Channel,
			State:     stateWord(f.TargetState),
			DeltaAmps: f.DeltaAmps,
		})
	}
	return json.Marshal(p)
}

// FormatSystemPayload creates the JSON payload for a lifecycle event. A
// pre-formatted RawPayload is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(systemPayload{
		System: systemInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}

// sinkQueueDepth bounds events pending publication.
const sinkQueueDepth = 64

// Sink adapts a Publisher to the routine engine's alert interface. The engine
// calls from the hardware loop, so publishes run on a background goroutine; a
// slow broker delays delivery, never a tick. Publish errors are logged and
// swallowed so a broker outage never fails a run.
type Sink struct {
	pub   Publisher
	queue chan func()
	done  chan struct{}
}

// NewSink wraps a publisher and starts the publish goroutine.
func NewSink(pub Publisher) *Sink {
	s := &Sink{
		pub:   pub,
		queue: make(chan func(), sinkQueueDepth),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) run() {
	for fn := range s.queue {
		fn()
	}
	close(s.done)
}

// enqueue never blocks. When the queue is full the event is dropped; the
// caller is the hardware loop and must not wait on the broker.
func (s *Sink) enqueue(kind string, fn func()) {
	select {
	case s.queue <- fn:
	default:
		log.Printf("alert: queue full, dropping %s", kind)
	}
}

// RoutineFailure publishes an aggregated failure report.
func (s *Sink) RoutineFailure(routineName string, failures []routine.DeviceConfirmResult) {
	s.enqueue("failure report", func() {
		if err := s.pub.PublishFailure(routineName, failures); err != nil {
			log.Printf("alert: publish failure report: %v", err)
		}
	})
}

// ToggleConfirmed publishes one confirmation event.
func (s *Sink) ToggleConfirmed(result routine.DeviceConfirmResult) {
	s.enqueue("toggle event", func() {
		if err := s.pub.PublishToggle(result); err != nil {
			log.Printf("alert: publish toggle event: %v", err)
		}
	})
}

// Flush blocks until every event queued so far has been published.
func (s *Sink) Flush() {
	flushed := make(chan struct{})
	s.queue <- func() { close(flushed) }
	<-flushed
}

// Close drains the queue and stops the publish goroutine. The sink must not
// be used afterwards.
func (s *Sink) Close() {
	close(s.queue)
	<-s.done
}
