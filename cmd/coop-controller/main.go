// Command coop-controller drives the enclosure's relay board, attributes
// power draw to devices through the shared CT clamp, and executes scheduled
// routines.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/sweeney/coop-controller/internal/adc"
	"github.com/sweeney/coop-controller/internal/alert"
	"github.com/sweeney/coop-controller/internal/config"
	"github.com/sweeney/coop-controller/internal/current"
	"github.com/sweeney/coop-controller/internal/device"
	"github.com/sweeney/coop-controller/internal/relay"
	"github.com/sweeney/coop-controller/internal/routine"
	"github.com/sweeney/coop-controller/internal/status"
	"github.com/sweeney/coop-controller/internal/store"
	"github.com/sweeney/coop-controller/internal/weather"
	"github.com/sweeney/coop-controller/internal/web"
)

func main() {
	// Optional .env next to the binary; flags still win.
	_ = godotenv.Load()

	poll := flag.Duration("poll", 250*time.Millisecond, "hardware loop interval")
	broker := flag.String("broker", envOr("COOP_BROKER", "tcp://192.168.1.200:1883"), "MQTT broker address (empty to disable)")
	heartbeat := flag.Duration("heartbeat", 15*time.Minute, "heartbeat interval (0 to disable)")
	httpAddr := flag.String("http", envOr("COOP_HTTP", ":8080"), "HTTP address (empty to disable)")
	configPath := flag.String("config", envOr("COOP_CONFIG", "/etc/coop/profile.yaml"), "hardware profile path")
	dbPath := flag.String("db", envOr("COOP_DB", "/var/lib/coop/coop.db"), "state database path")
	lat := flag.Float64("lat", 0, "weather latitude")
	lon := flag.Float64("lon", 0, "weather longitude (weather disabled when lat and lon are 0)")
	flag.Parse()

	if err := run(*poll, *broker, *heartbeat, *httpAddr, *configPath, *dbPath, *lat, *lon); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(poll time.Duration, broker string, heartbeat time.Duration, httpAddr, configPath, dbPath string, lat, lon float64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	aliased, err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("hardware profile: %w", err)
	}
	config.ReportAliased(aliased)

	// Persistence. A failed open degrades to in-memory state: the relays
	// are more important than the layout surviving a restart.
	var st *store.Store
	if dbPath != "" {
		if st, err = store.Open(dbPath); err != nil {
			log.Printf("store: %v, continuing without persistence", err)
			st = nil
		} else {
			defer st.Close()
		}
	}

	// Relay board.
	hw, err := relay.NewRealHardware(cfg.Pins)
	if err != nil {
		return fmt.Errorf("init relay hardware: %w", err)
	}
	defer hw.Close()
	driver := relay.New(hw, cfg)
	if err := driver.Initialize(); err != nil {
		return fmt.Errorf("initialize relay board: %w", err)
	}

	// Current sensing. The controller still switches relays without it;
	// every delta degrades to zero and confirmations report unconfirmed.
	estimator := current.New(nil, paramsFrom(cfg))
	if cfg.Sensor.Channel >= 0 {
		sampler, err := adc.NewRealSampler(cfg.Sensor.I2CAddr, cfg.Sensor.Channel, cfg.Sensor.VRef, cfg.Sensor.Resolution)
		if err != nil {
			log.Printf("adc: %v, running without current sensing", err)
		} else {
			defer sampler.Close()
			estimator = current.New(sampler, paramsFrom(cfg))
			// All relays are off after Initialize, so what the clamp sees
			// now is the quiescent noise.
			estimator.Calibrate()
			driver.AttachCurrentSensor(estimator)
		}
	}

	// Device layout and routine definitions.
	var devicePersister device.Persister
	var routinePersister routine.Persister
	if st != nil {
		devicePersister = st
		routinePersister = st
	}
	devices := device.NewRegistry(devicePersister)
	devices.Load()

	// Alerts.
	var publisher alert.Publisher
	var connStatus alert.ConnectionStatus
	if broker != "" {
		pub, err := alert.NewRealPublisher(broker)
		if err != nil {
			log.Printf("alert: %v, continuing without broker", err)
		} else {
			publisher = pub
			connStatus = pub
			defer pub.Close()
		}
	}

	tracker := status.NewTracker(time.Now(), status.Config{
		PollMs:      poll.Milliseconds(),
		HeartbeatMs: heartbeat.Milliseconds(),
		Broker:      broker,
		HTTPAddr:    httpAddr,
		DBPath:      dbPath,
	})

	var sink routine.AlertSink
	if publisher != nil {
		asink := alert.NewSink(publisher)
		defer asink.Close()
		sink = &countingSink{inner: asink, tracker: tracker}
	} else {
		sink = &countingSink{tracker: tracker}
	}

	engine := routine.NewEngine(driver, devices, sink, routinePersister, cfg.Thresholds.MinDeltaAmps)
	engine.Load()

	// The relays are latching: loads that were on before a restart are
	// still on. Restore the persisted view into the driver's records
	// without touching the hardware.
	for _, d := range devices.List() {
		if d.Channel > 0 && d.Active {
			driver.SyncDeviceState(d.Channel, true)
		}
	}

	if publisher != nil {
		snap := tracker.Snapshot()
		startup := alert.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "STARTUP",
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
		}
		if err := publisher.PublishSystem(startup); err != nil {
			log.Printf("failed to publish startup event: %v", err)
		}
	}

	// Weather feed for external-temperature triggers.
	var feed *weather.Feed
	if lat != 0 || lon != 0 {
		feed = weather.NewFeed(weather.URLFor(lat, lon))
		feed.Poll()
	}

	// HTTP API and dashboard.
	if httpAddr != "" {
		srv := web.New(httpAddr, tracker, driver, estimator, devices, engine)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http server listening on %s", httpAddr)
	}

	// Network-facing periodic work runs on cron, off the hardware loop.
	jobs := cron.New()
	jobs.AddFunc("@every 30s", func() {
		temp := 0.0
		if feed != nil {
			temp = feed.TemperatureC()
			tracker.SetWeather(temp, feed.IsStale())
		}
		engine.CheckTriggers(temp, temp, clockNow(time.Now()))
		if connStatus != nil {
			tracker.SetMQTTConnected(connStatus.IsConnected())
		}
	})
	if feed != nil {
		jobs.AddFunc("@every 10m", feed.Poll)
	}
	if publisher != nil && heartbeat > 0 {
		jobs.AddFunc(fmt.Sprintf("@every %s", heartbeat), func() {
			snap := tracker.Snapshot()
			hb := alert.SystemEvent{
				Timestamp:  snap.Now,
				Event:      "HEARTBEAT",
				RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
			}
			if err := publisher.PublishSystem(hb); err != nil {
				log.Printf("heartbeat publish error: %v", err)
			}
		})
	}
	jobs.Start()
	defer jobs.Stop()

	log.Printf("started: poll=%v broker=%s http=%s db=%s", poll, broker, httpAddr, dbPath)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(estimator, driver, devices, engine, tracker, publisher, ticker.C, sigCh)
}

// runLoop is the hardware-facing loop: it refreshes the current cache,
// advances routines, and keeps the tracker current. It never sleeps beyond
// the tick; routine waits are resume-at markers inside the engine.
func runLoop(estimator *current.Estimator, driver *relay.Driver, devices *device.Registry, engine *routine.Engine, tracker *status.Tracker, publisher alert.Publisher, tick <-chan time.Time, sig <-chan os.Signal) error {
	progress := func(id string, step, total int, st routine.Status) {
		switch st {
		case routine.StatusCompleted:
			tracker.CountRoutineRun(false)
		case routine.StatusFailed:
			tracker.CountRoutineRun(true)
		}
	}

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			if publisher != nil {
				signalName := "SIGTERM"
				if s == syscall.SIGINT {
					signalName = "SIGINT"
				}
				snap := tracker.Snapshot()
				event := alert.SystemEvent{
					Timestamp:  snap.Now,
					Event:      "SHUTDOWN",
					Reason:     signalName,
					Retained:   true,
					RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", signalName),
				}
				if err := publisher.PublishSystem(event); err != nil {
					log.Printf("failed to publish shutdown event: %v", err)
				}
			}
			return nil

		case <-tick:
			if estimator != nil {
				estimator.UpdateContinuousReading()
				tracker.UpdateSensor(estimator.IsCalibrated(), estimator.NoiseFloor(), estimator.CachedAmps())
			}

			engine.ProcessRoutines(progress)

			all := devices.List()
			active := 0
			for _, d := range all {
				if d.Active {
					active++
				}
			}
			tracker.UpdateDevices(len(all), active)

			running := 0
			for _, snap := range engine.Snapshots() {
				if snap.Run.Status == routine.StatusRunning {
					running++
				}
			}
			tracker.UpdateRunning(running)
		}
	}
}

// countingSink forwards alerts and keeps the tracker's tallies.
type countingSink struct {
	inner   routine.AlertSink
	tracker *status.Tracker
}

func (c *countingSink) RoutineFailure(name string, failures []routine.DeviceConfirmResult) {
	if c.inner != nil {
		c.inner.RoutineFailure(name, failures)
	}
}

func (c *countingSink) ToggleConfirmed(result routine.DeviceConfirmResult) {
	c.tracker.CountToggle(result.Confirmed)
	if c.inner != nil {
		c.inner.ToggleConfirmed(result)
	}
}

// paramsFrom maps the hardware profile onto sampling parameters.
func paramsFrom(cfg config.Config) current.Params {
	p := current.DefaultParams()
	p.TurnsRatio = cfg.Sensor.TurnsRatio
	p.BurdenOhms = cfg.Sensor.BurdenOhms
	p.WireWraps = cfg.Sensor.WireWraps
	p.VRef = cfg.Sensor.VRef
	p.Resolution = cfg.Sensor.Resolution
	p.MidpointV = cfg.Sensor.MidpointV
	p.NoiseFloorMin = cfg.Thresholds.NoiseFloorMinAmps
	p.NoiseFloorMax = cfg.Thresholds.NoiseFloorMaxAmps
	p.MinCurrentAmps = cfg.Thresholds.MinCurrentAmps
	return p
}

// clockNow converts wall-clock time into the engine's schedule fields.
func clockNow(t time.Time) routine.ClockFields {
	return routine.ClockFields{
		Hour:       t.Hour(),
		Minute:     t.Minute(),
		DayOfWeek:  int(t.Weekday()),
		DayOfMonth: t.Day(),
		Month:      int(t.Month()),
	}
}
