// Package adc provides raw analog sampling with hardware abstraction.
// The real implementation reads an ADS1115 over I2C; the fake implementation
// allows testing the current estimator without hardware.
package adc

// Sampler reads raw counts from the analog input carrying the CT signal.
type Sampler interface {
	// Sample returns one raw ADC reading in counts (0..resolution).
	Sample() (int, error)

	// Close releases the underlying bus.
	Close() error
}
