// Package config loads the hardware profile for the controller.
// The profile describes the fixed wiring of a deployment: shift register
// pins, the current-transformer circuit, detection thresholds, and the
// channel-to-bit mapping of the relay board.
package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v2"
)

// NumChannels is the number of latching relay channels (1..15).
const NumChannels = 15

// Pins describes the GPIO wiring of the shift register chain (BCM numbering).
type Pins struct {
	Latch        int `yaml:"latch"`
	Data         int `yaml:"data"`
	Clock        int `yaml:"clock"`
	OutputEnable int `yaml:"output_enable"`
}

// Sensor describes the current-transformer circuit on the shared sensing line.
type Sensor struct {
	// I2C address of the ADS1115 carrying the CT output.
	I2CAddr byte `yaml:"i2c_addr"`
	// ADC input channel (AINx) the CT is wired to. -1 disables the sensor.
	Channel int `yaml:"channel"`

	// CT turns ratio (e.g. 2000 for an SCT-013-100).
	TurnsRatio float64 `yaml:"turns_ratio"`
	// Burden resistor in ohms.
	BurdenOhms float64 `yaml:"burden_ohms"`
	// Number of times the sensed wire is wrapped through the clamp.
	WireWraps int `yaml:"wire_wraps"`

	// ADC reference voltage and full-scale count.
	VRef       float64 `yaml:"vref"`
	Resolution int     `yaml:"resolution"`
	// Mid-rail bias voltage (VCC/2).
	MidpointV float64 `yaml:"midpoint_v"`
}

// Thresholds groups the current-detection limits.
type Thresholds struct {
	// Readings below this are reported as zero.
	MinCurrentAmps float64 `yaml:"min_current_amps"`
	// Toggle deltas below this are not attributed to a channel.
	MinDeltaAmps float64 `yaml:"min_delta_amps"`
	// Plausible band for the measured noise floor during calibration.
	NoiseFloorMinAmps float64 `yaml:"noise_floor_min_amps"`
	NoiseFloorMaxAmps float64 `yaml:"noise_floor_max_amps"`
}

// Config is the complete hardware profile.
type Config struct {
	Pins       Pins       `yaml:"pins"`
	Sensor     Sensor     `yaml:"sensor"`
	Thresholds Thresholds `yaml:"thresholds"`

	// ChannelMap maps relay channel n (1..15) to ChannelMap[n-1], the bit
	// position in the 16-bit output register.
	ChannelMap []int `yaml:"channel_map"`
	// FanBit is the register bit of the non-latching fan MOSFET.
	FanBit int `yaml:"fan_bit"`
}

// Default returns the profile for the stock relay board.
func Default() Config {
	return Config{
		Pins: Pins{Latch: 12, Data: 13, Clock: 14, OutputEnable: 33},
		Sensor: Sensor{
			I2CAddr:    0x48,
			Channel:    0,
			TurnsRatio: 2000,
			BurdenOhms: 33,
			WireWraps:  3,
			VRef:       3.3,
			Resolution: 4095,
			MidpointV:  1.65,
		},
		Thresholds: Thresholds{
			MinCurrentAmps:    0.25,
			MinDeltaAmps:      0.25,
			NoiseFloorMinAmps: 0.05,
			NoiseFloorMaxAmps: 0.5,
		},
		// Board wiring as delivered. Channels 13 and 15 alias bits already
		// used by channels 12 and 6; Validate reports every aliased pair.
		ChannelMap: []int{14, 2, 1, 3, 5, 6, 4, 11, 10, 0, 12, 13, 13, 8, 6},
		FanBit:     7,
	}
}

// Load reads a YAML profile from path, applying defaults for absent fields.
// A missing file is not an error: the stock profile is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("config: %s not found, using stock profile", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Aliased describes two channels assigned to the same register bit.
type Aliased struct {
	Bit      int
	Channels []int
}

// Validate checks the profile for consistency. Structural problems (wrong map
// length, out-of-range bits) are errors. Duplicate bit assignments are
// returned for reporting but do not fail validation: whether they are
// intentional shared lines is a hardware question, not a software one.
func (c Config) Validate() ([]Aliased, error) {
	if len(c.ChannelMap) != NumChannels {
		return nil, fmt.Errorf("channel_map must have %d entries, got %d", NumChannels, len(c.ChannelMap))
	}
	byBit := make(map[int][]int)
	for i, bit := range c.ChannelMap {
		if bit < 0 || bit > 15 {
			return nil, fmt.Errorf("channel %d: bit %d out of range 0..15", i+1, bit)
		}
		byBit[bit] = append(byBit[bit], i+1)
	}
	if c.FanBit < 0 || c.FanBit > 15 {
		return nil, fmt.Errorf("fan_bit %d out of range 0..15", c.FanBit)
	}
	if c.Sensor.WireWraps < 1 {
		return nil, fmt.Errorf("wire_wraps must be >= 1, got %d", c.Sensor.WireWraps)
	}
	if c.Sensor.BurdenOhms <= 0 {
		return nil, fmt.Errorf("burden_ohms must be positive, got %v", c.Sensor.BurdenOhms)
	}

	var aliased []Aliased
	for bit := 0; bit <= 15; bit++ {
		if chs := byBit[bit]; len(chs) > 1 {
			aliased = append(aliased, Aliased{Bit: bit, Channels: chs})
		}
	}
	return aliased, nil
}

// ReportAliased logs one warning per shared bit. Called once at startup.
func ReportAliased(aliased []Aliased) {
	for _, a := range aliased {
		log.Printf("config: WARNING: channels %v share register bit %d - verify board wiring", a.Channels, a.Bit)
	}
}
