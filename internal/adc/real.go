//go:build linux

package adc

import (
	"fmt"
	"time"

	"github.com/reef-pi/rpi/i2c"
)

// ADS1115 registers.
const (
	regConversion = 0x00
	regConfig     = 0x01
)

// Config word fields for a single-shot, single-ended conversion.
const (
	configOsSingle   uint16 = 0x8000
	configModeSingle uint16 = 0x0100
	// 860 SPS keeps the per-sample latency (~1.2ms) inside the estimator's
	// sampling budget.
	configDataRate860 uint16 = 0x00E0
	// Comparator disabled.
	configComparatorOff uint16 = 0x0003
	// PGA +/-4.096V covers the 3.3V biased CT output.
	configGainOne uint16 = 0x0200

	fullScaleVolts = 4.096

	convTimeout  = 50 * time.Millisecond
	convPollWait = 200 * time.Microsecond
)

func muxForChannel(ch int) (uint16, bool) {
	switch ch {
	case 0:
		return 0x4000, true
	case 1:
		return 0x5000, true
	case 2:
		return 0x6000, true
	case 3:
		return 0x7000, true
	default:
		return 0, false
	}
}

// RealSampler reads the CT output from an ADS1115 over I2C.
type RealSampler struct {
	bus    i2c.Bus
	addr   byte
	mux    uint16
	vref   float64
	maxRaw int
}

// NewRealSampler opens the I2C bus and configures a single-ended channel.
// vref and resolution define the count scale the estimator expects; the
// ADS1115 reading is rescaled onto it.
func NewRealSampler(addr byte, channel int, vref float64, resolution int) (*RealSampler, error) {
	mux, ok := muxForChannel(channel)
	if !ok {
		return nil, fmt.Errorf("adc: invalid channel %d", channel)
	}
	bus, err := i2c.New()
	if err != nil {
		return nil, fmt.Errorf("open i2c bus: %w", err)
	}
	return &RealSampler{bus: bus, addr: addr, mux: mux, vref: vref, maxRaw: resolution}, nil
}

// Sample triggers one conversion and returns it rescaled to counts.
func (r *RealSampler) Sample() (int, error) {
	cfg := configOsSingle | r.mux | configGainOne | configModeSingle |
		configDataRate860 | configComparatorOff
	wr := []byte{regConfig, byte(cfg >> 8), byte(cfg & 0xFF)}
	if err := r.bus.WriteBytes(r.addr, wr); err != nil {
		return 0, fmt.Errorf("start conversion: %w", err)
	}

	deadline := time.Now().Add(convTimeout)
	for {
		if err := r.bus.WriteBytes(r.addr, []byte{regConfig}); err != nil {
			return 0, fmt.Errorf("poll conversion: %w", err)
		}
		b, err := r.bus.ReadBytes(r.addr, 2)
		if err != nil {
			return 0, fmt.Errorf("poll conversion: %w", err)
		}
		if (uint16(b[0])<<8|uint16(b[1]))&configOsSingle != 0 {
			break
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("adc addr=0x%02X: conversion timeout", r.addr)
		}
		time.Sleep(convPollWait)
	}

	if err := r.bus.WriteBytes(r.addr, []byte{regConversion}); err != nil {
		return 0, fmt.Errorf("read conversion: %w", err)
	}
	b, err := r.bus.ReadBytes(r.addr, 2)
	if err != nil {
		return 0, fmt.Errorf("read conversion: %w", err)
	}
	raw := int16(uint16(b[0])<<8 | uint16(b[1]))

	volts := float64(raw) * fullScaleVolts / 32768
	if volts < 0 {
		volts = 0
	}
	if volts > r.vref {
		volts = r.vref
	}
	return int(volts / r.vref * float64(r.maxRaw)), nil
}

// Close releases the I2C bus.
func (r *RealSampler) Close() error {
	return r.bus.Close()
}
