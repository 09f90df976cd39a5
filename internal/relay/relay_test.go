package relay

import (
	"testing"
	"time"

	"github.com/sweeney/coop-controller/internal/config"
)

func noSleep(time.Duration) {}

func newTestDriver(sensor CurrentSensor) (*Driver, *FakeHardware) {
	hw := NewFakeHardware()
	d := New(hw, config.Default())
	d.SetClock(noSleep, nil)
	if sensor != nil {
		d.AttachCurrentSensor(sensor)
	}
	if err := d.Initialize(); err != nil {
		panic(err)
	}
	hw.Reset()
	return d, hw
}

func TestInitializeFlashSequence(t *testing.T) {
	hw := NewFakeHardware()
	d := New(hw, config.Default())
	d.SetClock(noSleep, nil)

	if err := d.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Gate locked first, released last.
	if len(hw.GateChanges) != 2 || hw.GateChanges[0] != false || hw.GateChanges[1] != true {
		t.Errorf("gate changes: got %v, want [false true]", hw.GateChanges)
	}
	// Three all-on/all-off flashes.
	want := []uint16{0xFFFF, 0, 0xFFFF, 0, 0xFFFF, 0}
	if len(hw.Writes) != len(want) {
		t.Fatalf("writes: got %d, want %d", len(hw.Writes), len(want))
	}
	for i, w := range want {
		if hw.Writes[i] != w {
			t.Errorf("write %d: got 0x%04X, want 0x%04X", i, hw.Writes[i], w)
		}
	}
}

func TestPulseRelayTogglesTrackedStateOnce(t *testing.T) {
	for ch := 1; ch <= config.NumChannels; ch++ {
		d, _ := newTestDriver(nil)

		if d.DeviceState(ch) {
			t.Fatalf("ch%d: expected OFF after initialize", ch)
		}
		d.PulseRelay(ch)
		if !d.DeviceState(ch) {
			t.Errorf("ch%d: expected ON after one pulse", ch)
		}
		d.PulseRelay(ch)
		if d.DeviceState(ch) {
			t.Errorf("ch%d: expected OFF after two pulses", ch)
		}
	}
}

func TestPulseRelayWritesMappedBit(t *testing.T) {
	cfg := config.Default()
	d, hw := newTestDriver(nil)

	d.PulseRelay(1)

	bit := uint16(1) << cfg.ChannelMap[0]
	if len(hw.Writes) != 2 {
		t.Fatalf("writes: got %d, want 2 (pulse on, pulse off)", len(hw.Writes))
	}
	if hw.Writes[0] != bit {
		t.Errorf("pulse on: got 0x%04X, want 0x%04X", hw.Writes[0], bit)
	}
	if hw.Writes[1] != 0 {
		t.Errorf("pulse off: got 0x%04X, want 0x0000 (latching relay holds state)", hw.Writes[1])
	}
}

func TestSetRelayStateIdempotent(t *testing.T) {
	d, hw := newTestDriver(NewFakeSensor([]float64{1, 3}))

	// OFF -> OFF: no pulse, no hardware access, zero delta.
	if delta := d.SetRelayState(4, false); delta != 0 {
		t.Errorf("no-op delta: got %v, want 0", delta)
	}
	if len(hw.Writes) != 0 {
		t.Errorf("no-op wrote to hardware: %v", hw.Writes)
	}
	if d.DeviceState(4) {
		t.Error("no-op changed state")
	}

	// OFF -> ON: pulses.
	if delta := d.SetRelayState(4, true); delta != 2.0 {
		t.Errorf("turn-on delta: got %v, want 2.0", delta)
	}
	if !d.DeviceState(4) {
		t.Error("expected ON")
	}
	writes := len(hw.Writes)

	// ON -> ON: no-op again.
	if delta := d.SetRelayState(4, true); delta != 0 {
		t.Errorf("repeat delta: got %v, want 0", delta)
	}
	if len(hw.Writes) != writes {
		t.Error("repeat request touched hardware")
	}
}

func TestPulseDeltaAttribution(t *testing.T) {
	// Baseline 1.25A, final 4.0A => 2.75A attributed to the channel.
	sensor := NewFakeSensor([]float64{1.25, 4.0})
	d, _ := newTestDriver(sensor)

	delta := d.PulseRelay(2)
	if delta != 2.75 {
		t.Errorf("delta: got %v, want 2.75", delta)
	}
	if got := d.DeviceAmps(2); got != 2.75 {
		t.Errorf("stored amps: got %v, want 2.75", got)
	}
	if sensor.Calls != 2 {
		t.Errorf("sensor calls: got %d, want 2 (baseline + final)", sensor.Calls)
	}
}

func TestPulseDeltaBelowThresholdZeroed(t *testing.T) {
	// 0.1A delta is below the 0.25A attribution threshold.
	d, _ := newTestDriver(NewFakeSensor([]float64{1.0, 1.1}))

	if delta := d.PulseRelay(3); delta != 0 {
		t.Errorf("sub-threshold delta: got %v, want 0", delta)
	}
	if !d.DeviceState(3) {
		t.Error("state should still toggle")
	}
}

func TestOffRetainsStoredRunningCurrent(t *testing.T) {
	// ON measures 3.0A delta; OFF measures a different transient. The stored
	// value must remain the running current captured at turn-on.
	sensor := NewFakeSensor([]float64{1.0, 4.0, 4.0, 1.5})
	d, _ := newTestDriver(sensor)

	d.PulseRelay(5) // ON: delta 3.0
	if got := d.DeviceAmps(5); got != 3.0 {
		t.Fatalf("stored after ON: got %v, want 3.0", got)
	}

	d.PulseRelay(5) // OFF: delta 2.5, not stored
	if d.DeviceState(5) {
		t.Fatal("expected OFF")
	}
	if got := d.DeviceAmps(5); got != 3.0 {
		t.Errorf("stored after OFF: got %v, want retained 3.0", got)
	}
}

func TestSequentialTogglesDoNotInterleaveMeasurements(t *testing.T) {
	// Call-ordered readings: toggle A consumes readings 0 and 1, toggle B
	// consumes 2 and 3. Interleaved sampling would mix the pairs up.
	sensor := NewFakeSensor([]float64{1.0, 3.0, 3.0, 8.0})
	d, _ := newTestDriver(sensor)

	deltaA := d.SetRelayState(1, true)
	deltaB := d.SetRelayState(2, true)

	if deltaA != 2.0 {
		t.Errorf("first toggle delta: got %v, want 2.0 (readings 0,1)", deltaA)
	}
	if deltaB != 5.0 {
		t.Errorf("second toggle delta: got %v, want 5.0 (readings 2,3)", deltaB)
	}
	if sensor.Calls != 4 {
		t.Errorf("sensor calls: got %d, want 4", sensor.Calls)
	}
}

func TestNoSensorDegradesToZeroDelta(t *testing.T) {
	d, hw := newTestDriver(nil)

	if delta := d.PulseRelay(7); delta != 0 {
		t.Errorf("delta without sensor: got %v, want 0", delta)
	}
	// Hardware toggling still proceeds.
	if len(hw.Writes) != 2 {
		t.Errorf("writes: got %d, want 2", len(hw.Writes))
	}
	if !d.DeviceState(7) {
		t.Error("state should toggle without sensor")
	}
}

func TestSetFanDirectWrite(t *testing.T) {
	cfg := config.Default()
	d, hw := newTestDriver(NewFakeSensor([]float64{0.5, 2.0}))

	delta := d.SetFan(true)
	if delta != 1.5 {
		t.Errorf("fan delta: got %v, want 1.5", delta)
	}
	bit := uint16(1) << cfg.FanBit
	// Direct write: the bit stays set, no pulse-release.
	if len(hw.Writes) != 1 || hw.Writes[0] != bit {
		t.Errorf("fan writes: got %v, want [0x%04X]", hw.Writes, bit)
	}
	if !d.DeviceState(FanChannel) {
		t.Error("fan record should be ON")
	}
	if got := d.RegisterState(); got&bit == 0 {
		t.Error("fan bit should remain set in register")
	}

	d.SetFan(false)
	if got := d.RegisterState(); got&bit != 0 {
		t.Error("fan bit should be cleared")
	}
}

func TestEmergencyShutdown(t *testing.T) {
	d, hw := newTestDriver(NewFakeSensor([]float64{0, 5, 5, 5}))
	d.SetRelayState(1, true)
	d.SetFan(true)

	d.EmergencyShutdown()

	if hw.LastWrite() != 0 {
		t.Errorf("register after shutdown: got 0x%04X, want 0", hw.LastWrite())
	}
	if last := hw.GateChanges[len(hw.GateChanges)-1]; last != false {
		t.Error("output gate should be locked")
	}
	for ch := 0; ch <= config.NumChannels; ch++ {
		if d.DeviceState(ch) {
			t.Errorf("ch%d still tracked ON after shutdown", ch)
		}
	}
}

func TestIsDeviceHealthy(t *testing.T) {
	d, _ := newTestDriver(nil)

	// OFF is always healthy.
	if !d.IsDeviceHealthy(3) {
		t.Error("OFF channel should be healthy")
	}

	// ON with zero stored delta: failed actuator.
	d.SyncDeviceState(3, true)
	if d.IsDeviceHealthy(3) {
		t.Error("ON channel with 0A should be unhealthy")
	}

	// ON with a real delta is healthy.
	d2, _ := newTestDriver(NewFakeSensor([]float64{1.0, 4.0}))
	d2.PulseRelay(3)
	if !d2.IsDeviceHealthy(3) {
		t.Error("ON channel drawing current should be healthy")
	}
}

func TestOutOfRangeChannelsNeutral(t *testing.T) {
	d, hw := newTestDriver(nil)

	for _, ch := range []int{-1, 16, 99} {
		if delta := d.PulseRelay(ch); delta != 0 {
			t.Errorf("pulse ch%d: got %v, want 0", ch, delta)
		}
		if delta := d.SetRelayState(ch, true); delta != 0 {
			t.Errorf("set ch%d: got %v, want 0", ch, delta)
		}
		if amps := d.DeviceAmps(ch); amps != 0 {
			t.Errorf("amps ch%d: got %v, want 0", ch, amps)
		}
		if d.DeviceState(ch) {
			t.Errorf("state ch%d: got true, want false", ch)
		}
		if !d.IsDeviceHealthy(ch) {
			t.Errorf("health ch%d: got false, want true", ch)
		}
		d.SyncDeviceState(ch, true) // must not panic
	}
	if len(hw.Writes) != 0 {
		t.Errorf("out-of-range access touched hardware: %v", hw.Writes)
	}
}

func TestSyncDeviceStateSkipsHardware(t *testing.T) {
	d, hw := newTestDriver(nil)

	d.SyncDeviceState(9, true)
	if !d.DeviceState(9) {
		t.Error("expected tracked ON")
	}
	if len(hw.Writes) != 0 {
		t.Errorf("sync wrote to hardware: %v", hw.Writes)
	}

	// A follow-up set to the same state is now a no-op.
	if delta := d.SetRelayState(9, true); delta != 0 || len(hw.Writes) != 0 {
		t.Error("set after sync should be a no-op")
	}
}

func TestCachedVsBlockingReadPaths(t *testing.T) {
	sensor := NewFakeSensor([]float64{7.5})
	sensor.Cached = 3.25
	d, _ := newTestDriver(sensor)

	if got := d.TotalAmps(); got != 7.5 {
		t.Errorf("TotalAmps: got %v, want 7.5", got)
	}
	if got := d.CachedTotalAmps(); got != 3.25 {
		t.Errorf("CachedTotalAmps: got %v, want 3.25", got)
	}

	// Without a sensor both paths return zero.
	d2, _ := newTestDriver(nil)
	if d2.TotalAmps() != 0 || d2.CachedTotalAmps() != 0 {
		t.Error("expected zero readings without sensor")
	}
}

func TestAmpThreshold(t *testing.T) {
	d, _ := newTestDriver(NewFakeSensor([]float64{1.0, 1.375, 1.375, 1.75}))
	d.SetAmpThreshold(0.3)

	if delta := d.PulseRelay(1); delta != 0.375 {
		t.Errorf("delta above threshold: got %v, want 0.375", delta)
	}
	d.SetAmpThreshold(0.5)
	if delta := d.PulseRelay(2); delta != 0 {
		t.Errorf("delta below raised threshold: got %v, want 0", delta)
	}
}
