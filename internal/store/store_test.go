package store

import (
	"path/filepath"
	"testing"

	"github.com/sweeney/coop-controller/internal/device"
	"github.com/sweeney/coop-controller/internal/routine"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "coop.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEmptyDatabaseLoadsEmpty(t *testing.T) {
	s := open(t)
	devices, err := s.LoadDevices()
	if err != nil {
		t.Fatalf("load devices: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("devices = %v, want none", devices)
	}
	routines, err := s.LoadRoutines()
	if err != nil {
		t.Fatalf("load routines: %v", err)
	}
	if len(routines) != 0 {
		t.Fatalf("routines = %v, want none", routines)
	}
}

func TestDeviceLayoutRoundTrip(t *testing.T) {
	s := open(t)
	in := []device.Device{
		{ID: "pump01", Type: "pump", Name: "Water Pump", Channel: 2, Enabled: true, X: 10, Y: 40},
		{ID: "heat01", Type: "heater", Name: "Brooder Heat", Channel: 3, Enabled: true, Active: true},
	}
	if err := s.SaveDevices(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := s.LoadDevices()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("loaded %d devices, want 2", len(out))
	}
	if out[0] != in[0] || out[1] != in[1] {
		t.Fatalf("loaded %v, want %v", out, in)
	}
}

func TestRoutineRoundTripKeepsSteps(t *testing.T) {
	s := open(t)
	in := []routine.Routine{{
		ID: "rt01", Name: "morning feed", Enabled: true,
		Trigger:  routine.TriggerSchedule,
		Schedule: routine.ScheduleFields{Hour: 6, Minute: 0, DayOfWeek: -1, DayOfMonth: -1, Month: -1},
		Steps: []routine.Step{{
			DeviceIDs:            []string{"pump01", "heat01"},
			Action:               routine.ActionOn,
			Mode:                 routine.ModeSequential,
			InterStepWaitSeconds: 5,
			PerDeviceWaitSeconds: map[string]int{"pump01": 3},
		}},
	}}
	if err := s.SaveRoutines(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := s.LoadRoutines()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("loaded %d routines, want 1", len(out))
	}
	got := out[0]
	if got.ID != "rt01" || got.Schedule.Hour != 6 || len(got.Steps) != 1 {
		t.Fatalf("loaded %+v", got)
	}
	step := got.Steps[0]
	if step.Mode != routine.ModeSequential || step.PerDeviceWaitSeconds["pump01"] != 3 {
		t.Fatalf("step lost detail: %+v", step)
	}
}

func TestSaveOverwrites(t *testing.T) {
	s := open(t)
	if err := s.SaveDevices([]device.Device{{ID: "a"}, {ID: "b"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveDevices([]device.Device{{ID: "c"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := s.LoadDevices()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 1 || out[0].ID != "c" {
		t.Fatalf("loaded %v, want just c", out)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coop.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SaveDevices([]device.Device{{ID: "a", Channel: 5}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	out, err := s.LoadDevices()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 1 || out[0].Channel != 5 {
		t.Fatalf("loaded %v after reopen", out)
	}
}
