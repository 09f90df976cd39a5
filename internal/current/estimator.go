// Package current estimates RMS current on the shared sensing line.
//
// A single CT clamp monitors the feed for every switched load, so the
// estimator is the one component that touches the analog input. It owns the
// calibration state (zero offset, measured noise floor) and a cache refreshed
// by a short sampling pass so status paths can read current without paying
// the full-window latency.
//
// Sampling pace and wall-clock time are injectable so the arithmetic can be
// tested against synthetic sample streams without real delays.
package current

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/sweeney/coop-controller/internal/adc"
)

// Params describes the CT circuit and the sampling windows.
type Params struct {
	// CT circuit: amps-per-volt = TurnsRatio / (BurdenOhms * WireWraps).
	TurnsRatio float64
	BurdenOhms float64
	WireWraps  int

	// ADC scale.
	VRef       float64
	Resolution int
	MidpointV  float64

	// Full sampling window: SamplesPerCycle*Cycles samples, SampleDelay apart.
	// The defaults cover roughly one 50Hz AC cycle.
	SamplesPerCycle int
	Cycles          int
	SampleDelay     time.Duration

	// Fast cache-refresh window (about half a cycle).
	FastSamples     int
	FastSampleDelay time.Duration

	// RawNoiseAmps is the observed raw sensor noise with no load, before the
	// wrap division. The effective floor is RawNoiseAmps/WireWraps.
	RawNoiseAmps float64

	// Calibration clamps the measured noise floor into this band.
	NoiseFloorMin float64
	NoiseFloorMax float64

	// Readings below MinCurrentAmps are reported as zero. Must sit strictly
	// above the effective noise floor.
	MinCurrentAmps float64
}

// DefaultParams returns the sampling parameters for the stock SCT-013-100
// circuit (2000:1 CT, 33R burden, wire wrapped 3 times through the clamp).
func DefaultParams() Params {
	return Params{
		TurnsRatio:      2000,
		BurdenOhms:      33,
		WireWraps:       3,
		VRef:            3.3,
		Resolution:      4095,
		MidpointV:       1.65,
		SamplesPerCycle: 40,
		Cycles:          1,
		SampleDelay:     80 * time.Microsecond,
		FastSamples:     25,
		FastSampleDelay: 200 * time.Microsecond,
		RawNoiseAmps:    0.7,
		NoiseFloorMin:   0.05,
		NoiseFloorMax:   0.5,
		MinCurrentAmps:  0.25,
	}
}

// Estimator produces noise-compensated RMS current estimates.
type Estimator struct {
	sampler adc.Sampler
	p       Params

	ampsPerVolt float64

	offsetV    float64
	noiseFloor float64
	calFactor  float64
	calibrated bool

	// smu serializes sampling passes. The ADC is one shared input with a
	// stateful conversion sequence; interleaved windows would read each
	// other's conversions.
	smu sync.Mutex

	mu       sync.RWMutex
	cached   float64
	cachedAt time.Time

	sleep func(time.Duration)
	now   func() time.Time
}

// New creates an estimator over the given sampler. A nil sampler is allowed:
// every reading degrades to zero, per the no-sensor contract.
func New(sampler adc.Sampler, p Params) *Estimator {
	return &Estimator{
		sampler:     sampler,
		p:           p,
		ampsPerVolt: p.TurnsRatio / (p.BurdenOhms * float64(p.WireWraps)),
		calFactor:   1.0,
		sleep:       time.Sleep,
		now:         time.Now,
	}
}

// SetClock overrides the sleep and wall-clock functions. Tests use this to
// run sampling windows without real delays.
func (e *Estimator) SetClock(sleep func(time.Duration), now func() time.Time) {
	if sleep != nil {
		e.sleep = sleep
	}
	if now != nil {
		e.now = now
	}
}

// voltsPerCount converts raw ADC counts to volts.
func (e *Estimator) voltsPerCount() float64 {
	return e.p.VRef / float64(e.p.Resolution)
}

// sampleCentered returns one sample as a bias- and offset-corrected voltage.
func (e *Estimator) sampleCentered() (float64, error) {
	raw, err := e.sampler.Sample()
	if err != nil {
		return 0, err
	}
	return float64(raw)*e.voltsPerCount() - e.p.MidpointV - e.offsetV, nil
}

// Calibrate samples the line at rest to find the zero offset and the actual
// noise floor.
//
// Caller contract: the line must carry zero load while this runs. The
// estimator cannot verify that precondition; calibrating under load bakes the
// load into the offset and floor.
func (e *Estimator) Calibrate() {
	if e.sampler == nil {
		return
	}
	e.smu.Lock()
	defer e.smu.Unlock()

	// Zero point: average voltage over a few cycles.
	sum := 0.0
	n := 0
	for cycle := 0; cycle < 3; cycle++ {
		for i := 0; i < e.p.SamplesPerCycle; i++ {
			raw, err := e.sampler.Sample()
			if err != nil {
				log.Printf("current: calibrate sample error: %v", err)
				return
			}
			sum += float64(raw) * e.voltsPerCount()
			n++
			e.sleep(e.p.SampleDelay)
		}
	}
	avg := sum / float64(n)
	e.offsetV = avg - e.p.MidpointV

	// Noise floor: RMS of the residual with the fresh offset applied.
	const noiseSamples = 100
	sqSum := 0.0
	for i := 0; i < noiseSamples; i++ {
		v, err := e.sampleCentered()
		if err != nil {
			log.Printf("current: calibrate sample error: %v", err)
			return
		}
		amps := math.Abs(v * e.ampsPerVolt)
		sqSum += amps * amps
		e.sleep(3 * e.p.SampleDelay)
	}
	floor := math.Sqrt(sqSum / noiseSamples)
	if floor < e.p.NoiseFloorMin {
		floor = e.p.NoiseFloorMin
	}
	if floor > e.p.NoiseFloorMax {
		floor = e.p.NoiseFloorMax
	}
	e.noiseFloor = floor
	e.calibrated = true

	log.Printf("current: calibrated zero=%.3fV noise=%.3fA", avg, floor)
}

// SetCalibrationFactor sets the user fine-tuning multiplier (e.g. 1.05 when
// the estimator reads 5% low against a known load).
func (e *Estimator) SetCalibrationFactor(factor float64) {
	e.calFactor = factor
	log.Printf("current: calibration factor set to %.3f", factor)
}

// rmsWindow samples n points delay apart and returns the raw RMS in amps,
// before calibration factor and noise compensation.
func (e *Estimator) rmsWindow(n int, delay time.Duration) float64 {
	sqSum := 0.0
	for i := 0; i < n; i++ {
		v, err := e.sampleCentered()
		if err != nil {
			return 0
		}
		amps := v * e.ampsPerVolt
		sqSum += amps * amps
		e.sleep(delay)
	}
	return math.Sqrt(sqSum / float64(n))
}

// compensate applies the calibration factor, subtracts the noise floor, and
// zeroes anything below the detection threshold. Never negative.
func (e *Estimator) compensate(rms float64) float64 {
	out := rms*e.calFactor - e.noiseFloor
	if out < 0 {
		out = 0
	}
	if out < e.p.MinCurrentAmps {
		out = 0
	}
	return out
}

// MainLineAmps takes a full sampling window and returns the noise-compensated
// RMS current. Blocks for one window (a few milliseconds on hardware).
// Returns 0 when no input is configured.
func (e *Estimator) MainLineAmps() float64 {
	if e.sampler == nil {
		return 0
	}
	e.smu.Lock()
	rms := e.rmsWindow(e.p.SamplesPerCycle*e.p.Cycles, e.p.SampleDelay)
	e.smu.Unlock()
	return e.compensate(rms)
}

// PeakAmps tracks the maximum absolute instantaneous current over one full
// window. Used for inrush diagnostics; not noise-compensated beyond the
// calibration factor.
func (e *Estimator) PeakAmps() float64 {
	if e.sampler == nil {
		return 0
	}
	e.smu.Lock()
	defer e.smu.Unlock()
	peak := 0.0
	for i := 0; i < e.p.SamplesPerCycle*e.p.Cycles; i++ {
		v, err := e.sampleCentered()
		if err != nil {
			return 0
		}
		amps := math.Abs(v * e.ampsPerVolt)
		if amps > peak {
			peak = amps
		}
		e.sleep(e.p.SampleDelay)
	}
	return peak * e.calFactor
}

// RawAmps returns the uncompensated RMS over a full window. Diagnostic path:
// shows what the sensor actually reports before thresholding.
func (e *Estimator) RawAmps() float64 {
	if e.sampler == nil {
		return 0
	}
	e.smu.Lock()
	rms := e.rmsWindow(e.p.SamplesPerCycle*e.p.Cycles, e.p.SampleDelay)
	e.smu.Unlock()
	return rms * e.calFactor
}

// UpdateContinuousReading refreshes the cache from a short sampling pass.
// Intended to run on the fast hardware loop.
func (e *Estimator) UpdateContinuousReading() {
	if e.sampler == nil {
		return
	}
	e.smu.Lock()
	rms := e.rmsWindow(e.p.FastSamples, e.p.FastSampleDelay)
	e.smu.Unlock()
	amps := e.compensate(rms)

	e.mu.Lock()
	e.cached = amps
	e.cachedAt = e.now()
	e.mu.Unlock()
}

// CachedAmps returns the last fast reading without sampling. Never blocks.
func (e *Estimator) CachedAmps() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cached
}

// CacheAge returns how stale the cached reading is.
func (e *Estimator) CacheAge() time.Duration {
	e.mu.RLock()
	at := e.cachedAt
	e.mu.RUnlock()
	if at.IsZero() {
		return 0
	}
	return e.now().Sub(at)
}

// IsCalibrated reports whether Calibrate has completed.
func (e *Estimator) IsCalibrated() bool { return e.calibrated }

// NoiseFloor returns the measured (clamped) noise floor in amps.
func (e *Estimator) NoiseFloor() float64 { return e.noiseFloor }

// Offset returns the calibrated zero-point offset in volts.
func (e *Estimator) Offset() float64 { return e.offsetV }

// CalibrationFactor returns the user multiplier.
func (e *Estimator) CalibrationFactor() float64 { return e.calFactor }

// EffectiveNoise returns the expected noise floor after wrap division.
func (e *Estimator) EffectiveNoise() float64 {
	return e.p.RawNoiseAmps / float64(e.p.WireWraps)
}

// MinDetectable returns the detection threshold in amps.
func (e *Estimator) MinDetectable() float64 { return e.p.MinCurrentAmps }

// MaxCurrent returns the measurable range ceiling given the wrap count
// (a 100A clamp wrapped 3 times saturates near 33A).
func (e *Estimator) MaxCurrent() float64 {
	return 100.0 / float64(e.p.WireWraps)
}
