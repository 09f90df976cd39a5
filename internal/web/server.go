// Package web exposes the controller over HTTP: a small dashboard, a JSON
// API for relays, devices, and routines, and Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sweeney/coop-controller/internal/device"
	"github.com/sweeney/coop-controller/internal/relay"
	"github.com/sweeney/coop-controller/internal/routine"
	"github.com/sweeney/coop-controller/internal/status"
)

// Relays is the slice of the relay driver the API exposes.
type Relays interface {
	PulseRelay(channel int) float64
	SetRelayState(channel int, on bool) float64
	SetFan(on bool) float64
	DeviceState(channel int) bool
	DeviceAmps(channel int) float64
	IsDeviceHealthy(channel int) bool
	TotalAmps() float64
	RegisterState() uint16
	Snapshot() []relay.Record
	AmpThreshold() float64
	SetAmpThreshold(threshold float64)
	EmergencyShutdown()
}

// Sensor is the estimator's diagnostic surface.
type Sensor interface {
	IsCalibrated() bool
	NoiseFloor() float64
	Offset() float64
	CalibrationFactor() float64
	EffectiveNoise() float64
	MinDetectable() float64
	MaxCurrent() float64
	PeakAmps() float64
	CachedAmps() float64
	CacheAge() time.Duration
	SetCalibrationFactor(factor float64)
}

// Server serves the dashboard and API.
type Server struct {
	httpServer *http.Server
	router     *mux.Router

	tracker *status.Tracker
	relays  Relays
	sensor  Sensor
	devices *device.Registry
	engine  *routine.Engine
}

// New creates a Server wired to the controller's components.
func New(addr string, tracker *status.Tracker, relays Relays, sensor Sensor, devices *device.Registry, engine *routine.Engine) *Server {
	s := &Server{
		tracker: tracker,
		relays:  relays,
		sensor:  sensor,
		devices: devices,
		engine:  engine,
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/sensor", s.handleSensor).Methods(http.MethodGet)
	api.HandleFunc("/sensor/calibration-factor", s.handleCalibrationFactor).Methods(http.MethodPost)
	api.HandleFunc("/config/threshold", s.handleThreshold).Methods(http.MethodPost)

	api.HandleFunc("/relays", s.handleRelays).Methods(http.MethodGet)
	api.HandleFunc("/relays/shutdown", s.handleShutdown).Methods(http.MethodPost)
	api.HandleFunc("/relays/fan", s.handleFan).Methods(http.MethodPost)
	api.HandleFunc("/relays/{ch:[0-9]+}/pulse", s.handlePulse).Methods(http.MethodPost)
	api.HandleFunc("/relays/{ch:[0-9]+}", s.handleRelaySet).Methods(http.MethodPost)

	api.HandleFunc("/devices", s.handleDeviceList).Methods(http.MethodGet)
	api.HandleFunc("/devices", s.handleDeviceCreate).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}", s.handleDeviceGet).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", s.handleDeviceUpdate).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id}", s.handleDeviceDelete).Methods(http.MethodDelete)
	api.HandleFunc("/devices/{id}/move", s.handleDeviceMove).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/enable", s.handleDeviceEnable).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/toggle", s.handleDeviceToggle).Methods(http.MethodPost)

	api.HandleFunc("/routines", s.handleRoutineList).Methods(http.MethodGet)
	api.HandleFunc("/routines", s.handleRoutineCreate).Methods(http.MethodPost)
	api.HandleFunc("/routines/start-by-name", s.handleRoutineStartByName).Methods(http.MethodPost)
	api.HandleFunc("/routines/{id}", s.handleRoutineUpdate).Methods(http.MethodPut)
	api.HandleFunc("/routines/{id}", s.handleRoutineDelete).Methods(http.MethodDelete)
	api.HandleFunc("/routines/{id}/steps", s.handleRoutineAddStep).Methods(http.MethodPost)
	api.HandleFunc("/routines/{id}/steps", s.handleRoutineClearSteps).Methods(http.MethodDelete)
	api.HandleFunc("/routines/{id}/enable", s.handleRoutineEnable).Methods(http.MethodPost)
	api.HandleFunc("/routines/{id}/start", s.handleRoutineStart).Methods(http.MethodPost)
	api.HandleFunc("/routines/{id}/stop", s.handleRoutineStop).Methods(http.MethodPost)

	s.router = r
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Handler returns the router. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, s.tracker.Snapshot(), s.devices.List())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(s.tracker.Snapshot()))
}

func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SensorJSON{
		Calibrated:        s.sensor.IsCalibrated(),
		NoiseFloorAmps:    s.sensor.NoiseFloor(),
		OffsetVolts:       s.sensor.Offset(),
		CalibrationFactor: s.sensor.CalibrationFactor(),
		EffectiveNoise:    s.sensor.EffectiveNoise(),
		MinDetectable:     s.sensor.MinDetectable(),
		MaxCurrentAmps:    s.sensor.MaxCurrent(),
		PeakAmps:          s.sensor.PeakAmps(),
		CachedAmps:        s.sensor.CachedAmps(),
		CacheAgeMs:        s.sensor.CacheAge().Milliseconds(),
	})
}

func (s *Server) handleCalibrationFactor(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Factor float64 `json:"factor"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Factor <= 0 {
		writeError(w, http.StatusBadRequest, "factor must be positive")
		return
	}
	s.sensor.SetCalibrationFactor(body.Factor)
	writeJSON(w, http.StatusOK, map[string]float64{"calibration_factor": body.Factor})
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amps float64 `json:"amps"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Amps <= 0 {
		writeError(w, http.StatusBadRequest, "amps must be positive")
		return
	}
	// Both delta consumers share the one threshold.
	s.relays.SetAmpThreshold(body.Amps)
	s.engine.SetAmpThreshold(body.Amps)
	writeJSON(w, http.StatusOK, map[string]float64{"amp_threshold": body.Amps})
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	records := s.relays.Snapshot()
	out := RelaysJSON{
		Register:     s.relays.RegisterState(),
		TotalAmps:    s.relays.TotalAmps(),
		AmpThreshold: s.relays.AmpThreshold(),
	}
	for ch, rec := range records {
		if ch == relay.FanChannel {
			out.Fan = FanJSON{On: rec.On, DeltaAmps: rec.DeltaAmps}
			continue
		}
		out.Channels = append(out.Channels, ChannelJSON{
			Channel:   ch,
			On:        rec.On,
			DeltaAmps: rec.DeltaAmps,
			Healthy:   s.relays.IsDeviceHealthy(ch),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) channelFromPath(w http.ResponseWriter, r *http.Request) (int, bool) {
	ch, err := strconv.Atoi(mux.Vars(r)["ch"])
	if err != nil || ch < 1 || ch > 15 {
		writeError(w, http.StatusBadRequest, "channel out of range")
		return 0, false
	}
	return ch, true
}

func (s *Server) handlePulse(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromPath(w, r)
	if !ok {
		return
	}
	delta := s.relays.PulseRelay(ch)
	state := s.relays.DeviceState(ch)
	s.devices.SyncChannel(ch, state)
	writeJSON(w, http.StatusOK, ToggleJSON{
		Channel:   ch,
		On:        state,
		DeltaAmps: delta,
		Confirmed: !state || delta >= s.relays.AmpThreshold(),
	})
}

func (s *Server) handleRelaySet(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromPath(w, r)
	if !ok {
		return
	}
	var body struct {
		On bool `json:"on"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	delta := s.relays.SetRelayState(ch, body.On)
	s.devices.SyncChannel(ch, body.On)
	writeJSON(w, http.StatusOK, ToggleJSON{
		Channel:   ch,
		On:        body.On,
		DeltaAmps: delta,
		Confirmed: !body.On || delta >= s.relays.AmpThreshold(),
	})
}

func (s *Server) handleFan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		On bool `json:"on"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	delta := s.relays.SetFan(body.On)
	writeJSON(w, http.StatusOK, FanJSON{On: body.On, DeltaAmps: delta})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	log.Printf("web: emergency shutdown requested from %s", r.RemoteAddr)
	s.relays.EmergencyShutdown()
	for _, d := range s.devices.List() {
		s.devices.SyncChannel(d.Channel, false)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.List())
}

func (s *Server) handleDeviceCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type string `json:"type"`
		X    int    `json:"x"`
		Y    int    `json:"y"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	writeJSON(w, http.StatusCreated, s.devices.Create(body.Type, body.X, body.Y))
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	d, ok := s.devices.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeviceUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		Channel int    `json:"ch"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !s.devices.UpdateDetails(mux.Vars(r)["id"], body.Name, body.Channel) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	d, _ := s.devices.Get(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	if !s.devices.Delete(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeviceMove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !s.devices.Move(mux.Vars(r)["id"], body.X, body.Y) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeviceEnable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !s.devices.SetEnabled(mux.Vars(r)["id"], body.Enabled) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeviceToggle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, ok := s.devices.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if !d.Enabled {
		writeError(w, http.StatusConflict, "device is disabled")
		return
	}
	if d.Channel <= 0 {
		writeError(w, http.StatusConflict, "device has no channel")
		return
	}
	target := !s.relays.DeviceState(d.Channel)
	delta := s.relays.SetRelayState(d.Channel, target)
	s.devices.SetState(id, target)
	writeJSON(w, http.StatusOK, ToggleJSON{
		Device:    id,
		Channel:   d.Channel,
		On:        target,
		DeltaAmps: delta,
		Confirmed: !target || delta >= s.relays.AmpThreshold(),
	})
}

func (s *Server) handleRoutineList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshots())
}

func (s *Server) handleRoutineCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string              `json:"name"`
		Trigger routine.TriggerKind `json:"trigger"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if body.Trigger == "" {
		body.Trigger = routine.TriggerManual
	}
	writeJSON(w, http.StatusCreated, s.engine.Create(body.Name, body.Trigger))
}

func (s *Server) handleRoutineUpdate(w http.ResponseWriter, r *http.Request) {
	var body routine.Routine
	if !decodeBody(w, r, &body) {
		return
	}
	body.ID = mux.Vars(r)["id"]
	if !s.engine.Update(body) {
		writeError(w, http.StatusNotFound, "routine not found")
		return
	}
	updated, _ := s.engine.Get(body.ID)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRoutineDelete(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Delete(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "routine not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRoutineAddStep(w http.ResponseWriter, r *http.Request) {
	var body routine.Step
	if !decodeBody(w, r, &body) {
		return
	}
	if !s.engine.AddStep(mux.Vars(r)["id"], body) {
		writeError(w, http.StatusNotFound, "routine not found")
		return
	}
	updated, _ := s.engine.Get(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRoutineClearSteps(w http.ResponseWriter, r *http.Request) {
	if !s.engine.ClearSteps(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "routine not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRoutineEnable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !s.engine.SetEnabled(mux.Vars(r)["id"], body.Enabled) {
		writeError(w, http.StatusNotFound, "routine not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRoutineStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Action routine.Action `json:"action"`
	}
	// Body is optional; an empty action runs the steps as defined.
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}

	var started bool
	if body.Action != "" {
		started = s.engine.StartWithAction(id, body.Action)
	} else {
		started = s.engine.Start(id)
	}
	if !started {
		writeError(w, http.StatusConflict, "routine not startable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(s.engine.RunStatus(id))})
}

func (s *Server) handleRoutineStartByName(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !s.engine.StartByName(body.Name) {
		writeError(w, http.StatusConflict, "routine not startable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRoutineStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.engine.Stop(id) {
		writeError(w, http.StatusConflict, "routine not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(s.engine.RunStatus(id))})
}
