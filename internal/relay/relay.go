// Package relay drives the latching relay board through a shift register
// chain and attributes current deltas to individual channels.
//
// Only one CT clamp monitors the whole feed, so per-channel power draw is
// inferred temporally: current is captured before a toggle (baseline), the
// channel is pulsed, inrush is allowed to settle, current is captured again
// (final), and the absolute difference is credited to the toggled channel.
// Correct attribution depends on no other channel changing during the
// sequence, so every toggle is serialized through the driver's mutex.
package relay

import (
	"log"
	"sync"
	"time"

	"github.com/sweeney/coop-controller/internal/config"
)

const (
	// PulseDuration is how long a latching relay's coil is driven. The relay
	// retains its mechanical state after the pulse ends.
	PulseDuration = 100 * time.Millisecond

	// SettleTime lets inrush transients decay before the final measurement.
	SettleTime = 60 * time.Millisecond

	// flash sequence used by Initialize to verify wiring.
	flashCount    = 3
	flashInterval = 150 * time.Millisecond

	// FanChannel is the runtime-record slot of the auxiliary fan output.
	// The fan is not a latching relay; it shares the register but not the
	// pulse protocol.
	FanChannel = 0
)

// Hardware writes the 16-bit output register and controls the output-enable
// gate of the shift register chain.
type Hardware interface {
	// WriteRegister latches a full 16-bit value onto the outputs.
	WriteRegister(v uint16) error

	// SetOutputEnable opens (true) or locks (false) the output gate.
	SetOutputEnable(enabled bool) error

	// Close releases the underlying GPIO lines.
	Close() error
}

// CurrentSensor is the slice of the estimator the driver needs.
type CurrentSensor interface {
	// MainLineAmps blocks for a full sampling window.
	MainLineAmps() float64

	// CachedAmps returns the background-refreshed reading without blocking.
	CachedAmps() float64
}

// Record is the runtime bookkeeping for one channel.
type Record struct {
	// On is the tracked state. For latching relays this mirrors the
	// mechanical state, not the (momentary) register bit.
	On bool

	// DeltaAmps is the expected running current, captured when the channel
	// last turned ON and retained while OFF.
	DeltaAmps float64

	// LastToggle is when the channel last changed state.
	LastToggle time.Time
}

// Driver owns the output register and per-channel records.
type Driver struct {
	mu sync.Mutex

	hw         Hardware
	sensor     CurrentSensor
	channelMap []int
	fanBit     int

	register uint16
	// records[0] is the fan; records[1..15] are the relay channels.
	records [config.NumChannels + 1]Record

	minDelta float64

	sleep func(time.Duration)
	now   func() time.Time
}

// New creates a driver over the given hardware. The channel map and fan bit
// come from the validated hardware profile.
func New(hw Hardware, cfg config.Config) *Driver {
	return &Driver{
		hw:         hw,
		channelMap: append([]int(nil), cfg.ChannelMap...),
		fanBit:     cfg.FanBit,
		minDelta:   cfg.Thresholds.MinDeltaAmps,
		sleep:      time.Sleep,
		now:        time.Now,
	}
}

// SetClock overrides sleep and wall-clock functions for tests.
func (d *Driver) SetClock(sleep func(time.Duration), now func() time.Time) {
	if sleep != nil {
		d.sleep = sleep
	}
	if now != nil {
		d.now = now
	}
}

// AttachCurrentSensor enables delta measurement. Without a sensor the driver
// still toggles hardware; every delta degrades to zero.
func (d *Driver) AttachCurrentSensor(s CurrentSensor) {
	d.mu.Lock()
	d.sensor = s
	d.mu.Unlock()
	log.Printf("relay: current sensor attached")
}

// SetAmpThreshold sets the minimum delta attributed to a channel.
func (d *Driver) SetAmpThreshold(threshold float64) {
	d.mu.Lock()
	d.minDelta = threshold
	d.mu.Unlock()
}

// AmpThreshold returns the current attribution threshold.
func (d *Driver) AmpThreshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.minDelta
}

// Initialize clears all runtime records, resets the register to all-off,
// flashes every output to verify wiring, and releases the output gate.
func (d *Driver) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Lock outputs while the register settles.
	if err := d.hw.SetOutputEnable(false); err != nil {
		return err
	}

	for i := range d.records {
		d.records[i] = Record{}
	}
	d.register = 0

	for i := 0; i < flashCount; i++ {
		if err := d.hw.WriteRegister(0xFFFF); err != nil {
			return err
		}
		d.sleep(flashInterval)
		if err := d.hw.WriteRegister(0x0000); err != nil {
			return err
		}
		d.sleep(flashInterval)
	}

	if err := d.hw.SetOutputEnable(true); err != nil {
		return err
	}
	log.Printf("relay: initialized")
	return nil
}

// PulseRelay toggles one latching relay channel and returns the measured
// current delta (0 without a sensor, or below threshold). Blocks for the
// pulse plus settle duration.
func (d *Driver) PulseRelay(channel int) float64 {
	if channel < 1 || channel > config.NumChannels {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pulseLocked(channel)
}

// pulseLocked runs the full baseline/pulse/settle/final sequence. Caller
// holds d.mu, so no other toggle can interleave its measurements.
func (d *Driver) pulseLocked(channel int) float64 {
	bit := uint16(1) << d.channelMap[channel-1]

	baseline := 0.0
	if d.sensor != nil {
		baseline = d.sensor.MainLineAmps()
	}

	// Pulse ON then OFF: the latching relay flips on the pulse and holds
	// its new state without drive.
	if err := d.hw.WriteRegister(d.register | bit); err != nil {
		log.Printf("relay: ch%d pulse write failed: %v", channel, err)
		return 0
	}
	d.sleep(PulseDuration)
	if err := d.hw.WriteRegister(d.register); err != nil {
		log.Printf("relay: ch%d release write failed: %v", channel, err)
		return 0
	}

	d.sleep(SettleTime)

	delta := 0.0
	if d.sensor != nil {
		final := d.sensor.MainLineAmps()
		delta = final - baseline
		if delta < 0 {
			delta = -delta
		}
		if delta < d.minDelta {
			delta = 0
		}
	}

	rec := &d.records[channel]
	rec.On = !rec.On
	rec.LastToggle = d.now()
	if rec.On {
		rec.DeltaAmps = delta
		if d.sensor != nil && delta < d.minDelta {
			log.Printf("relay: WARNING: ch%d reports 0A after turn-on - check relay/device", channel)
		}
	}
	// Turning OFF retains the stored running current.

	return delta
}

// SetRelayState pulses the channel only when the tracked state differs from
// the desired one. Repeated identical requests are no-ops returning 0.
func (d *Driver) SetRelayState(channel int, on bool) float64 {
	if channel < 1 || channel > config.NumChannels {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.records[channel].On == on {
		return 0
	}
	return d.pulseLocked(channel)
}

// SetFan drives the non-latching fan output directly, with the same
// baseline/settle/final measurement protocol.
func (d *Driver) SetFan(on bool) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	baseline := 0.0
	if d.sensor != nil {
		baseline = d.sensor.MainLineAmps()
	}

	bit := uint16(1) << d.fanBit
	if on {
		d.register |= bit
	} else {
		d.register &^= bit
	}
	if err := d.hw.WriteRegister(d.register); err != nil {
		log.Printf("relay: fan write failed: %v", err)
		return 0
	}

	delta := 0.0
	if d.sensor != nil {
		d.sleep(SettleTime)
		final := d.sensor.MainLineAmps()
		delta = final - baseline
		if delta < 0 {
			delta = -delta
		}
		if delta < d.minDelta {
			delta = 0
		}
		d.records[FanChannel].DeltaAmps = delta
	}
	d.records[FanChannel].On = on
	d.records[FanChannel].LastToggle = d.now()
	return delta
}

// EmergencyShutdown zeroes the register, locks the output gate, and resets
// all tracked state, unconditionally and without the toggle protocol.
func (d *Driver) EmergencyShutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.register = 0
	if err := d.hw.WriteRegister(0); err != nil {
		log.Printf("relay: emergency register clear failed: %v", err)
	}
	if err := d.hw.SetOutputEnable(false); err != nil {
		log.Printf("relay: emergency gate lock failed: %v", err)
	}
	for i := range d.records {
		d.records[i].On = false
	}
	log.Printf("relay: emergency shutdown")
}

// DeviceAmps returns the stored running current for a channel.
// Out-of-range channels return 0.
func (d *Driver) DeviceAmps(channel int) float64 {
	if channel < 0 || channel > config.NumChannels {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.records[channel].DeltaAmps
}

// DeviceState returns the tracked on/off state for a channel.
// Out-of-range channels return false.
func (d *Driver) DeviceState(channel int) bool {
	if channel < 0 || channel > config.NumChannels {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.records[channel].On
}

// IsDeviceHealthy reports whether a channel's stored current is consistent
// with its tracked state. A channel marked ON that draws no current signals
// a wiring or actuator problem, not a protocol error. OFF is always healthy.
func (d *Driver) IsDeviceHealthy(channel int) bool {
	if channel < 0 || channel > config.NumChannels {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.records[channel].On {
		return true
	}
	return d.records[channel].DeltaAmps >= d.minDelta
}

// TotalAmps invokes a full sampling window on the sensor. Blocks for several
// milliseconds; latency-sensitive callers use CachedTotalAmps.
func (d *Driver) TotalAmps() float64 {
	d.mu.Lock()
	s := d.sensor
	d.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.MainLineAmps()
}

// CachedTotalAmps returns the estimator's background-refreshed reading.
// Never blocks.
func (d *Driver) CachedTotalAmps() float64 {
	d.mu.Lock()
	s := d.sensor
	d.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.CachedAmps()
}

// SyncDeviceState overwrites a channel's tracked state without touching
// hardware. Used at startup to reconcile persisted state with relays that
// are already physically in the desired position.
func (d *Driver) SyncDeviceState(channel int, on bool) {
	if channel < 0 || channel > config.NumChannels {
		return
	}
	d.mu.Lock()
	d.records[channel].On = on
	d.mu.Unlock()
}

// RegisterState returns the current 16-bit register mirror.
func (d *Driver) RegisterState() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.register
}

// Snapshot returns a copy of every channel record, fan included.
func (d *Driver) Snapshot() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, len(d.records))
	copy(out, d.records[:])
	return out
}
