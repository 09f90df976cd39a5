//go:build !linux

package adc

import "errors"

// RealSampler is not available on non-Linux platforms.
type RealSampler struct{}

// NewRealSampler returns an error on non-Linux platforms.
func NewRealSampler(addr byte, channel int, vref float64, resolution int) (*RealSampler, error) {
	return nil, errors.New("adc: not supported on this platform (requires Linux)")
}

// Sample is not implemented on non-Linux platforms.
func (r *RealSampler) Sample() (int, error) {
	return 0, errors.New("adc: not supported")
}

// Close is not implemented on non-Linux platforms.
func (r *RealSampler) Close() error {
	return nil
}
