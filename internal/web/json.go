package web

// SensorJSON is the estimator diagnostics payload.
type SensorJSON struct {
	Calibrated        bool    `json:"calibrated"`
	NoiseFloorAmps    float64 `json:"noise_floor_amps"`
	OffsetVolts       float64 `json:"offset_volts"`
	CalibrationFactor float64 `json:"calibration_factor"`
	EffectiveNoise    float64 `json:"effective_noise_amps"`
	MinDetectable     float64 `json:"min_detectable_amps"`
	MaxCurrentAmps    float64 `json:"max_current_amps"`
	PeakAmps          float64 `json:"peak_amps"`
	CachedAmps        float64 `json:"cached_amps"`
	CacheAgeMs        int64   `json:"cache_age_ms"`
}

// RelaysJSON is the relay bank payload.
type RelaysJSON struct {
	Register     uint16        `json:"register"`
	TotalAmps    float64       `json:"total_amps"`
	AmpThreshold float64       `json:"amp_threshold"`
	Fan          FanJSON       `json:"fan"`
	Channels     []ChannelJSON `json:"channels"`
}

// ChannelJSON is one relay channel's state.
type ChannelJSON struct {
	Channel   int     `json:"ch"`
	On        bool    `json:"on"`
	DeltaAmps float64 `json:"delta_amps"`
	Healthy   bool    `json:"healthy"`
}

// FanJSON is the ventilation fan's state.
type FanJSON struct {
	On        bool    `json:"on"`
	DeltaAmps float64 `json:"delta_amps"`
}

// ToggleJSON is the outcome of a switch request.
type ToggleJSON struct {
	Device    string  `json:"device,omitempty"`
	Channel   int     `json:"ch"`
	On        bool    `json:"on"`
	DeltaAmps float64 `json:"delta_amps"`
	Confirmed bool    `json:"confirmed"`
}
