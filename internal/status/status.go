// Package status provides a thread-safe status tracker for the controller
// daemon. HTTP handlers and the MQTT heartbeat read snapshots from it; the
// hardware loop and event paths write to it.
package status

import (
	"sync"
	"time"
)

// Config contains daemon configuration for display.
type Config struct {
	PollMs      int64
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
	DBPath      string
}

// Counts accumulates event totals since startup.
type Counts struct {
	Toggles         int
	Unconfirmed     int
	RoutineRuns     int
	RoutineFailures int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Calibrated     bool
	NoiseFloorAmps float64
	TotalAmps      float64
	DeviceCount    int
	ActiveDevices  int
	RunningCount   int
	Counts         Counts
	MQTTConnected  bool
	WeatherTempC   float64
	WeatherStale   bool
	StartTime      time.Time
	Now            time.Time
	Config         Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// UpdateSensor sets calibration state and the latest current readings.
// Called from the hardware loop on every tick.
func (t *Tracker) UpdateSensor(calibrated bool, noiseFloor, totalAmps float64) {
	t.mu.Lock()
	t.snap.Calibrated = calibrated
	t.snap.NoiseFloorAmps = noiseFloor
	t.snap.TotalAmps = totalAmps
	t.mu.Unlock()
	mainLineAmps.Set(totalAmps)
	noiseFloorAmps.Set(noiseFloor)
}

// UpdateDevices sets the device tallies.
func (t *Tracker) UpdateDevices(total, active int) {
	t.mu.Lock()
	t.snap.DeviceCount = total
	t.snap.ActiveDevices = active
	t.mu.Unlock()
	activeDevices.Set(float64(active))
}

// UpdateRunning sets the number of routines currently executing.
func (t *Tracker) UpdateRunning(count int) {
	t.mu.Lock()
	t.snap.RunningCount = count
	t.mu.Unlock()
	runningRoutines.Set(float64(count))
}

// CountToggle records one relay toggle and whether it confirmed.
func (t *Tracker) CountToggle(confirmed bool) {
	t.mu.Lock()
	t.snap.Counts.Toggles++
	if !confirmed {
		t.snap.Counts.Unconfirmed++
	}
	t.mu.Unlock()
	relayToggles.Inc()
	if !confirmed {
		unconfirmedToggles.Inc()
	}
}

// CountRoutineRun records one finished routine run.
func (t *Tracker) CountRoutineRun(failed bool) {
	t.mu.Lock()
	t.snap.Counts.RoutineRuns++
	if failed {
		t.snap.Counts.RoutineFailures++
	}
	t.mu.Unlock()
	routineRuns.Inc()
	if failed {
		routineFailures.Inc()
	}
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
	v := 0.0
	if connected {
		v = 1.0
	}
	mqttConnected.Set(v)
}

// SetWeather sets the outdoor temperature reading and its staleness.
func (t *Tracker) SetWeather(tempC float64, stale bool) {
	t.mu.Lock()
	t.snap.WeatherTempC = tempC
	t.snap.WeatherStale = stale
	t.mu.Unlock()
	if !stale {
		outdoorTempC.Set(tempC)
	}
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
