//go:build linux

package relay

import (
	"fmt"

	"github.com/sweeney/coop-controller/internal/config"
	"github.com/warthog618/go-gpiocdev"
)

// RealHardware bit-bangs a 74HC595-style shift register chain over the GPIO
// character device: data and clock push the 16 bits MSB first, latch commits
// them to the outputs, and the output-enable line gates them (active low).
type RealHardware struct {
	chip  *gpiocdev.Chip
	latch *gpiocdev.Line
	data  *gpiocdev.Line
	clock *gpiocdev.Line
	oe    *gpiocdev.Line
}

// NewRealHardware requests the four control lines as outputs. The
// output-enable line starts high (outputs locked) so nothing switches while
// the register content is undefined.
func NewRealHardware(pins config.Pins) (*RealHardware, error) {
	chip, err := gpiocdev.NewChip("gpiochip0")
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	req := func(pin, initial int, name string) (*gpiocdev.Line, error) {
		l, err := chip.RequestLine(pin, gpiocdev.AsOutput(initial))
		if err != nil {
			return nil, fmt.Errorf("request %s pin %d: %w", name, pin, err)
		}
		return l, nil
	}

	h := &RealHardware{chip: chip}
	cleanup := func() {
		h.Close()
	}

	if h.oe, err = req(pins.OutputEnable, 1, "output-enable"); err != nil {
		cleanup()
		return nil, err
	}
	if h.latch, err = req(pins.Latch, 0, "latch"); err != nil {
		cleanup()
		return nil, err
	}
	if h.data, err = req(pins.Data, 0, "data"); err != nil {
		cleanup()
		return nil, err
	}
	if h.clock, err = req(pins.Clock, 0, "clock"); err != nil {
		cleanup()
		return nil, err
	}
	return h, nil
}

// WriteRegister shifts out the 16-bit value MSB first and latches it.
func (h *RealHardware) WriteRegister(v uint16) error {
	if err := h.latch.SetValue(0); err != nil {
		return fmt.Errorf("latch low: %w", err)
	}
	for i := 15; i >= 0; i-- {
		bit := 0
		if v&(1<<uint(i)) != 0 {
			bit = 1
		}
		if err := h.data.SetValue(bit); err != nil {
			return fmt.Errorf("data bit %d: %w", i, err)
		}
		if err := h.clock.SetValue(1); err != nil {
			return fmt.Errorf("clock high: %w", err)
		}
		if err := h.clock.SetValue(0); err != nil {
			return fmt.Errorf("clock low: %w", err)
		}
	}
	if err := h.latch.SetValue(1); err != nil {
		return fmt.Errorf("latch high: %w", err)
	}
	return nil
}

// SetOutputEnable opens or locks the output gate. The line is active low.
func (h *RealHardware) SetOutputEnable(enabled bool) error {
	v := 1
	if enabled {
		v = 0
	}
	if err := h.oe.SetValue(v); err != nil {
		return fmt.Errorf("output enable: %w", err)
	}
	return nil
}

// Close locks the outputs and releases all GPIO lines.
func (h *RealHardware) Close() error {
	var errs []error
	if h.oe != nil {
		if err := h.oe.SetValue(1); err != nil {
			errs = append(errs, fmt.Errorf("lock outputs: %w", err))
		}
	}
	for _, l := range []*gpiocdev.Line{h.latch, h.data, h.clock, h.oe} {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line: %w", err))
		}
	}
	if h.chip != nil {
		if err := h.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
