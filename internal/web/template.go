package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/coop-controller/internal/device"
	"github.com/sweeney/coop-controller/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"amps": func(v float64) string {
		return fmt.Sprintf("%.2fA", v)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Coop Controller</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
.stale { color: orange; }
</style>
</head>
<body>
<h1>Coop Controller</h1>

<h2>Power</h2>
<table>
<tr><th>Main Line</th><td>{{amps .Snapshot.TotalAmps}}</td></tr>
<tr><th>Noise Floor</th><td>{{amps .Snapshot.NoiseFloorAmps}}</td></tr>
<tr><th>Calibrated</th><td>{{if .Snapshot.Calibrated}}yes{{else}}no{{end}}</td></tr>
</table>

<h2>Devices</h2>
<table>
{{range .Devices}}<tr><th>{{.Name}}{{if .Channel}} (ch {{.Channel}}){{end}}</th><td class="{{if .Active}}on{{else}}off{{end}}">{{if .Active}}ON{{else}}OFF{{end}}{{if not .Enabled}} (disabled){{end}}</td></tr>
{{else}}<tr><td colspan="2">no devices configured</td></tr>
{{end}}</table>

<h2>Routines</h2>
<table>
<tr><th>Running</th><td>{{.Snapshot.RunningCount}}</td></tr>
<tr><th>Runs</th><td>{{.Snapshot.Counts.RoutineRuns}}</td></tr>
<tr><th>Failures</th><td>{{.Snapshot.Counts.RoutineFailures}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .Snapshot.MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .Snapshot.MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Snapshot.Config.Broker}}</td></tr>
<tr><th>Outdoor</th><td class="{{if .Snapshot.WeatherStale}}stale{{end}}">{{printf "%.1f" .Snapshot.WeatherTempC}}&deg;C{{if .Snapshot.WeatherStale}} (stale){{end}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.Snapshot.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Poll</th><td>{{.Snapshot.Config.PollMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Snapshot.Config.HeartbeatMs 0}}disabled{{else}}{{.Snapshot.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Snapshot.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/api/status">JSON</a> &middot; <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, devices []device.Device) {
	data := struct {
		Snapshot status.Snapshot
		Devices  []device.Device
		Uptime   time.Duration
	}{
		Snapshot: snap,
		Devices:  devices,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
