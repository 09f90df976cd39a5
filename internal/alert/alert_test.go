package alert

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/coop-controller/internal/routine"
)

var testTime = time.Date(2025, 6, 1, 6, 30, 0, 0, time.UTC)

func TestTogglePayload(t *testing.T) {
	payload, err := FormatTogglePayload(testTime, routine.DeviceConfirmResult{
		DeviceID:    "pump01",
		DeviceName:  "Water Pump",
		Channel:     2,
		TargetState: true,
		DeltaAmps:   1.5,
		Confirmed:   true,
	})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["timestamp"] != "2025-06-01T06:30:00Z" {
		t.Errorf("timestamp = %v", got["timestamp"])
	}
	if got["device"] != "pump01" || got["state"] != "ON" {
		t.Errorf("payload = %s", payload)
	}
	if got["delta_amps"] != 1.5 || got["confirmed"] != true {
		t.Errorf("payload = %s", payload)
	}
}

func TestFailurePayloadListsEveryDevice(t *testing.T) {
	failures := []routine.DeviceConfirmResult{
		{DeviceID: "a", DeviceName: "Heat Lamp", Channel: 3, TargetState: true, DeltaAmps: 0},
		{DeviceID: "b", DeviceName: "Fan", Channel: 7, TargetState: true, DeltaAmps: 0.1},
	}
	payload, err := FormatFailurePayload(testTime, "morning feed", failures)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	var got struct {
		Routine  string `json:"routine"`
		Failures []struct {
			Device string `json:"device"`
			State  string `json:"state"`
		} `json:"failures"`
	}
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Routine != "morning feed" {
		t.Errorf("routine = %q", got.Routine)
	}
	if len(got.Failures) != 2 || got.Failures[0].Device != "a" || got.Failures[1].Device != "b" {
		t.Errorf("failures = %+v", got.Failures)
	}
	if got.Failures[0].State != "ON" {
		t.Errorf("state = %q, want ON", got.Failures[0].State)
	}
}

func TestSystemPayloadOmitsEmptyReason(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{Timestamp: testTime, Event: "HEARTBEAT"})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	var got map[string]map[string]interface{}
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	inner := got["system"]
	if inner["event"] != "HEARTBEAT" {
		t.Errorf("event = %v", inner["event"])
	}
	if _, present := inner["reason"]; present {
		t.Errorf("empty reason serialized: %s", payload)
	}
}

func TestSinkSwallowsPublishErrors(t *testing.T) {
	pub := NewFakePublisher()
	pub.PublishError = errors.New("broker down")
	sink := NewSink(pub)
	defer sink.Close()

	// Must not panic or propagate.
	sink.ToggleConfirmed(routine.DeviceConfirmResult{DeviceID: "a"})
	sink.RoutineFailure("feed", []routine.DeviceConfirmResult{{DeviceID: "a"}})
	sink.Flush()
}

func TestSinkForwardsToPublisher(t *testing.T) {
	pub := NewFakePublisher()
	sink := NewSink(pub)
	defer sink.Close()

	sink.ToggleConfirmed(routine.DeviceConfirmResult{DeviceID: "a", Confirmed: true})
	sink.RoutineFailure("feed", []routine.DeviceConfirmResult{{DeviceID: "b"}})
	sink.Flush()

	if len(pub.Toggles) != 1 || pub.Toggles[0].DeviceID != "a" {
		t.Fatalf("toggles = %+v", pub.Toggles)
	}
	if len(pub.Failures) != 1 || pub.Failures[0].Routine != "feed" {
		t.Fatalf("failures = %+v", pub.Failures)
	}
}

func TestSinkDoesNotBlockOnSlowPublisher(t *testing.T) {
	release := make(chan struct{})
	pub := &stallingPublisher{release: release}
	sink := NewSink(pub)

	// The publisher is stalled; the engine-facing calls must still return.
	done := make(chan struct{})
	go func() {
		for i := 0; i < sinkQueueDepth+10; i++ {
			sink.ToggleConfirmed(routine.DeviceConfirmResult{DeviceID: "a"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sink blocked the caller on a slow publisher")
	}

	close(release)
	sink.Close()
}

// stallingPublisher blocks every publish until released.
type stallingPublisher struct {
	release chan struct{}
}

func (s *stallingPublisher) PublishToggle(routine.DeviceConfirmResult) error {
	<-s.release
	return nil
}

func (s *stallingPublisher) PublishFailure(string, []routine.DeviceConfirmResult) error {
	<-s.release
	return nil
}

func (s *stallingPublisher) PublishSystem(SystemEvent) error {
	<-s.release
	return nil
}

func (s *stallingPublisher) Close() error { return nil }

func TestRingBufferOrdering(t *testing.T) {
	r := newRingBuffer(4)
	for i := 0; i < 3; i++ {
		r.push(bufferedMsg{topic: string(rune('a' + i))})
	}
	if r.len() != 3 {
		t.Fatalf("len = %d, want 3", r.len())
	}
	msgs := r.drainAll()
	if len(msgs) != 3 {
		t.Fatalf("drained %d, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.topic != string(rune('a'+i)) {
			t.Fatalf("msg %d topic = %q", i, m.topic)
		}
	}
	if r.len() != 0 {
		t.Fatalf("len after drain = %d", r.len())
	}
}

func TestRingBufferOverflowDropsOldest(t *testing.T) {
	r := newRingBuffer(3)
	for i := 0; i < 5; i++ {
		r.push(bufferedMsg{topic: string(rune('a' + i))})
	}
	msgs := r.drainAll()
	want := []string{"c", "d", "e"}
	if len(msgs) != len(want) {
		t.Fatalf("drained %d, want %d", len(msgs), len(want))
	}
	for i, w := range want {
		if msgs[i].topic != w {
			t.Fatalf("msg %d topic = %q, want %q", i, msgs[i].topic, w)
		}
	}
}

func TestRingBufferReusableAfterDrain(t *testing.T) {
	r := newRingBuffer(2)
	r.push(bufferedMsg{topic: "a"})
	r.push(bufferedMsg{topic: "b"})
	r.push(bufferedMsg{topic: "c"})
	r.drainAll()

	r.push(bufferedMsg{topic: "x"})
	msgs := r.drainAll()
	if len(msgs) != 1 || msgs[0].topic != "x" {
		t.Fatalf("msgs = %+v", msgs)
	}
}
