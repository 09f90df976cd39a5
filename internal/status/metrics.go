package status

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus series for the /metrics endpoint. Registered on the default
// registry; the tracker updates them alongside its snapshot fields.
var (
	mainLineAmps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coop_main_line_amps",
		Help: "RMS current on the main supply line.",
	})
	noiseFloorAmps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coop_noise_floor_amps",
		Help: "Calibrated sensor noise floor.",
	})
	activeDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coop_active_devices",
		Help: "Devices currently switched on.",
	})
	runningRoutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coop_running_routines",
		Help: "Routines currently executing.",
	})
	mqttConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coop_mqtt_connected",
		Help: "1 when the broker connection is up.",
	})
	outdoorTempC = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coop_outdoor_temp_celsius",
		Help: "Outdoor temperature from the weather feed.",
	})
	relayToggles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coop_relay_toggles_total",
		Help: "Relay toggles since startup.",
	})
	unconfirmedToggles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coop_unconfirmed_toggles_total",
		Help: "Toggles whose current delta stayed below the threshold.",
	})
	routineRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coop_routine_runs_total",
		Help: "Routine runs finished since startup.",
	})
	routineFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coop_routine_failures_total",
		Help: "Routine runs that finished with unconfirmed devices.",
	})
)
