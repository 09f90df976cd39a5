package main

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/coop-controller/internal/alert"
	"github.com/sweeney/coop-controller/internal/config"
	"github.com/sweeney/coop-controller/internal/current"
	"github.com/sweeney/coop-controller/internal/device"
	"github.com/sweeney/coop-controller/internal/relay"
	"github.com/sweeney/coop-controller/internal/routine"
	"github.com/sweeney/coop-controller/internal/status"
)

func TestEnvOr(t *testing.T) {
	t.Setenv("COOP_TEST_VAR", "from-env")
	if got := envOr("COOP_TEST_VAR", "fallback"); got != "from-env" {
		t.Errorf("envOr: got %q, want from-env", got)
	}
	if got := envOr("COOP_TEST_VAR_UNSET", "fallback"); got != "fallback" {
		t.Errorf("envOr: got %q, want fallback", got)
	}
}

func TestClockNow(t *testing.T) {
	at := time.Date(2025, time.June, 3, 6, 30, 0, 0, time.UTC) // a Tuesday
	got := clockNow(at)

	if got.Hour != 6 || got.Minute != 30 {
		t.Errorf("time of day: got %d:%02d", got.Hour, got.Minute)
	}
	if got.DayOfWeek != 2 {
		t.Errorf("DayOfWeek: got %d, want 2 (Tuesday)", got.DayOfWeek)
	}
	if got.DayOfMonth != 3 || got.Month != 6 {
		t.Errorf("date: got day %d month %d", got.DayOfMonth, got.Month)
	}
}

func TestParamsFromProfile(t *testing.T) {
	cfg := config.Default()
	cfg.Sensor.WireWraps = 2
	cfg.Thresholds.MinCurrentAmps = 0.3

	p := paramsFrom(cfg)
	if p.WireWraps != 2 {
		t.Errorf("WireWraps: got %d, want 2", p.WireWraps)
	}
	if p.MinCurrentAmps != 0.3 {
		t.Errorf("MinCurrentAmps: got %v, want 0.3", p.MinCurrentAmps)
	}
	// Sampling cadence is not in the profile; defaults must survive.
	if p.SamplesPerCycle != 40 || p.FastSamples != 25 {
		t.Errorf("sampling window: got %d/%d, want 40/25", p.SamplesPerCycle, p.FastSamples)
	}
}

func TestCountingSinkTallies(t *testing.T) {
	tracker := status.NewTracker(time.Now(), status.Config{})
	inner := alert.NewFakePublisher()
	asink := alert.NewSink(inner)
	defer asink.Close()
	sink := &countingSink{inner: asink, tracker: tracker}

	sink.ToggleConfirmed(routine.DeviceConfirmResult{DeviceID: "a", Confirmed: true})
	sink.ToggleConfirmed(routine.DeviceConfirmResult{DeviceID: "b", Confirmed: false})
	sink.RoutineFailure("feed", []routine.DeviceConfirmResult{{DeviceID: "b"}})
	asink.Flush()

	counts := tracker.Snapshot().Counts
	if counts.Toggles != 2 || counts.Unconfirmed != 1 {
		t.Errorf("counts = %+v", counts)
	}
	if len(inner.Toggles) != 2 || len(inner.Failures) != 1 {
		t.Errorf("forwarded = %d toggles, %d failures", len(inner.Toggles), len(inner.Failures))
	}
}

func TestCountingSinkWithoutPublisher(t *testing.T) {
	tracker := status.NewTracker(time.Now(), status.Config{})
	sink := &countingSink{tracker: tracker}

	// Must not panic without an inner sink.
	sink.ToggleConfirmed(routine.DeviceConfirmResult{Confirmed: false})
	sink.RoutineFailure("feed", nil)

	if tracker.Snapshot().Counts.Unconfirmed != 1 {
		t.Error("tally lost without publisher")
	}
}

func newLoopFixture(t *testing.T) (*current.Estimator, *relay.Driver, *device.Registry, *routine.Engine, *status.Tracker) {
	t.Helper()
	cfg := config.Default()
	driver := relay.New(relay.NewFakeHardware(), cfg)
	driver.SetClock(func(time.Duration) {}, nil)
	if err := driver.Initialize(); err != nil {
		t.Fatalf("initialize driver: %v", err)
	}
	estimator := current.New(nil, current.DefaultParams())
	devices := device.NewRegistry(nil)
	engine := routine.NewEngine(driver, devices, nil, nil, cfg.Thresholds.MinDeltaAmps)
	tracker := status.NewTracker(time.Now(), status.Config{})
	return estimator, driver, devices, engine, tracker
}

func TestRunLoopShutdownPublishesEvent(t *testing.T) {
	estimator, driver, devices, engine, tracker := newLoopFixture(t)
	pub := alert.NewFakePublisher()

	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- runLoop(estimator, driver, devices, engine, tracker, pub, tick, sig)
	}()

	sig <- syscall.SIGTERM
	if err := <-done; err != nil {
		t.Fatalf("runLoop: %v", err)
	}
	if len(pub.System) != 1 {
		t.Fatalf("system events = %+v, want one shutdown", pub.System)
	}
	ev := pub.System[0]
	if ev.Event != "SHUTDOWN" || ev.Reason != "SIGTERM" {
		t.Errorf("event = %+v", ev)
	}
	if !ev.Retained {
		t.Error("shutdown event should be retained")
	}
}

func TestRunLoopTickAdvancesRoutines(t *testing.T) {
	estimator, driver, devices, engine, tracker := newLoopFixture(t)

	devices.SetIDFunc(func(kind string) string { return "pump1" })
	devices.Create("pump", 0, 0)
	devices.UpdateDetails("pump1", "Pump", 2)
	r := engine.Create("flush", routine.TriggerManual)
	engine.AddStep(r.ID, routine.Step{DeviceIDs: []string{"pump1"}, Action: routine.ActionOn, Mode: routine.ModeParallel})
	engine.Start(r.ID)

	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- runLoop(estimator, driver, devices, engine, tracker, nil, tick, sig)
	}()

	// Two ticks: one to action the step, one to observe completion.
	tick <- time.Now()
	tick <- time.Now()
	sig <- syscall.SIGTERM
	<-done

	if !driver.DeviceState(2) {
		t.Error("routine did not switch channel 2 on")
	}
	d, _ := devices.Get("pump1")
	if !d.Active {
		t.Error("registry not synced by routine")
	}
	if tracker.Snapshot().Counts.RoutineRuns != 1 {
		t.Errorf("routine runs = %d, want 1", tracker.Snapshot().Counts.RoutineRuns)
	}
}
