//go:build !linux

package relay

import (
	"errors"

	"github.com/sweeney/coop-controller/internal/config"
)

// RealHardware is not available on non-Linux platforms.
type RealHardware struct{}

// NewRealHardware returns an error on non-Linux platforms.
func NewRealHardware(pins config.Pins) (*RealHardware, error) {
	return nil, errors.New("relay: not supported on this platform (requires Linux)")
}

// WriteRegister is not implemented on non-Linux platforms.
func (h *RealHardware) WriteRegister(v uint16) error {
	return errors.New("relay: not supported")
}

// SetOutputEnable is not implemented on non-Linux platforms.
func (h *RealHardware) SetOutputEnable(enabled bool) error {
	return errors.New("relay: not supported")
}

// Close is not implemented on non-Linux platforms.
func (h *RealHardware) Close() error {
	return nil
}
