package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event          string      `json:"event,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	Ready          bool        `json:"ready"`
	NoiseFloorAmps float64     `json:"noise_floor_amps"`
	TotalAmps      float64     `json:"total_amps"`
	Devices        DevicesJSON `json:"devices"`
	Running        int         `json:"running_routines"`
	UptimeSeconds  int64       `json:"uptime_seconds"`
	StartTime      string      `json:"start_time"`
	Timestamp      string      `json:"timestamp"`
	MQTT           MQTTStatus  `json:"mqtt"`
	Counts         CountsJSON  `json:"event_counts"`
	Weather        WeatherJSON `json:"weather"`
	Config         ConfigJSON  `json:"config"`
}

// DevicesJSON tallies the device registry.
type DevicesJSON struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Toggles         int `json:"toggles"`
	Unconfirmed     int `json:"unconfirmed"`
	RoutineRuns     int `json:"routine_runs"`
	RoutineFailures int `json:"routine_failures"`
}

// WeatherJSON reports the outdoor temperature feed.
type WeatherJSON struct {
	TempC float64 `json:"temp_c"`
	Stale bool    `json:"stale"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs      int64  `json:"poll_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
	DBPath      string `json:"db_path"`
}

func buildInner(snap Snapshot) StatusInner {
	return StatusInner{
		Ready:          snap.Calibrated,
		NoiseFloorAmps: snap.NoiseFloorAmps,
		TotalAmps:      snap.TotalAmps,
		Devices:        DevicesJSON{Total: snap.DeviceCount, Active: snap.ActiveDevices},
		Running:        snap.RunningCount,
		UptimeSeconds:  int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:      snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:      snap.Now.UTC().Format(time.RFC3339),
		MQTT:           MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Toggles:         snap.Counts.Toggles,
			Unconfirmed:     snap.Counts.Unconfirmed,
			RoutineRuns:     snap.Counts.RoutineRuns,
			RoutineFailures: snap.Counts.RoutineFailures,
		},
		Weather: WeatherJSON{TempC: snap.WeatherTempC, Stale: snap.WeatherStale},
		Config: ConfigJSON{
			PollMs:      snap.Config.PollMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
			DBPath:      snap.Config.DBPath,
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
