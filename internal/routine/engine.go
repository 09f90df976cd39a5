package routine

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"
)

// Engine owns routine definitions, their run state, and trigger bookkeeping.
// All public methods are safe for concurrent use; the hardware loop and the
// network loop both call in.
type Engine struct {
	mu       sync.Mutex
	routines []*Routine
	runs     map[string]*runState

	// active tracks temperature-triggered routines that have fired their
	// activate action and not yet reversed, with the activation time for
	// the max-run fail-safe.
	active map[string]time.Time

	// lastScheduleKey suppresses schedule refires within the same matched
	// minute.
	lastScheduleKey map[string]string

	// lastTimerFire anchors timer periods.
	lastTimerFire map[string]time.Time

	ampThreshold float64

	driver   RelayDriver
	registry Registry
	sink     AlertSink
	store    Persister

	now   func() time.Time
	newID func() string
}

// NewEngine creates an engine acting through the given collaborators. The
// sink and store may be nil.
func NewEngine(driver RelayDriver, registry Registry, sink AlertSink, store Persister, ampThreshold float64) *Engine {
	return &Engine{
		runs:            make(map[string]*runState),
		active:          make(map[string]time.Time),
		lastScheduleKey: make(map[string]string),
		lastTimerFire:   make(map[string]time.Time),
		ampThreshold:    ampThreshold,
		driver:          driver,
		registry:        registry,
		sink:            sink,
		store:           store,
		now:             time.Now,
		newID: func() string {
			return fmt.Sprintf("rt%04d", 1000+rand.Intn(9000))
		},
	}
}

// SetClock overrides the time source. Tests use this to step through trigger
// windows and resume-at waits without sleeping.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// SetIDFunc overrides id generation for deterministic tests.
func (e *Engine) SetIDFunc(fn func() string) {
	e.mu.Lock()
	e.newID = fn
	e.mu.Unlock()
}

// SetAmpThreshold updates the confirmation threshold at runtime.
func (e *Engine) SetAmpThreshold(amps float64) {
	e.mu.Lock()
	e.ampThreshold = amps
	e.mu.Unlock()
}

// AmpThreshold returns the current confirmation threshold.
func (e *Engine) AmpThreshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ampThreshold
}

// Load restores persisted routines. A load failure leaves the engine empty
// and is logged, not fatal.
func (e *Engine) Load() {
	if e.store == nil {
		return
	}
	routines, err := e.store.LoadRoutines()
	if err != nil {
		log.Printf("routine: load failed, starting empty: %v", err)
		return
	}
	e.mu.Lock()
	e.routines = e.routines[:0]
	for i := range routines {
		r := routines[i]
		e.routines = append(e.routines, &r)
	}
	e.mu.Unlock()
	log.Printf("routine: loaded %d routines", len(routines))
}

// save persists the definitions. Caller holds e.mu.
func (e *Engine) save() {
	if e.store == nil {
		return
	}
	out := make([]Routine, 0, len(e.routines))
	for _, r := range e.routines {
		out = append(out, *r)
	}
	if err := e.store.SaveRoutines(out); err != nil {
		log.Printf("routine: save failed: %v", err)
	}
}

// find returns the routine with the given id. Caller holds e.mu.
func (e *Engine) find(id string) *Routine {
	for _, r := range e.routines {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Create adds a new routine and returns it.
func (e *Engine) Create(name string, trigger TriggerKind) Routine {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := &Routine{
		ID:       e.newID(),
		Name:     name,
		Trigger:  trigger,
		Enabled:  true,
		Schedule: Wildcard(),
	}
	e.routines = append(e.routines, r)
	e.save()
	return *r
}

// Get returns a routine by id.
func (e *Engine) Get(id string) (Routine, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r := e.find(id); r != nil {
		return *r, true
	}
	return Routine{}, false
}

// List returns a copy of all routines.
func (e *Engine) List() []Routine {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Routine, 0, len(e.routines))
	for _, r := range e.routines {
		out = append(out, *r)
	}
	return out
}

// Update replaces a routine's definition, keyed by its ID. The run state, if
// any, is untouched.
func (e *Engine) Update(updated Routine) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.find(updated.ID)
	if r == nil {
		return false
	}
	*r = updated
	e.save()
	return true
}

// AddStep appends a step to a routine.
func (e *Engine) AddStep(id string, step Step) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.find(id)
	if r == nil {
		return false
	}
	r.Steps = append(r.Steps, step)
	e.save()
	return true
}

// ClearSteps removes all steps from a routine.
func (e *Engine) ClearSteps(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.find(id)
	if r == nil {
		return false
	}
	r.Steps = nil
	e.save()
	return true
}

// SetEnabled flips a routine's enabled flag. Disabling also clears trigger
// bookkeeping so a re-enable starts fresh.
func (e *Engine) SetEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.find(id)
	if r == nil {
		return false
	}
	r.Enabled = enabled
	if !enabled {
		delete(e.active, id)
		delete(e.lastScheduleKey, id)
		delete(e.lastTimerFire, id)
	}
	e.save()
	return true
}

// Delete removes a routine and any run state.
func (e *Engine) Delete(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.routines {
		if r.ID == id {
			e.routines = append(e.routines[:i], e.routines[i+1:]...)
			delete(e.runs, id)
			delete(e.active, id)
			delete(e.lastScheduleKey, id)
			delete(e.lastTimerFire, id)
			e.save()
			return true
		}
	}
	return false
}

// Start begins executing a routine with its steps' own actions. It returns
// false if the routine is unknown, has no steps, or is already running.
func (e *Engine) Start(id string) bool {
	return e.startWith(id, nil, false)
}

// StartWithAction begins executing a routine with every step's action
// overridden. Explicit ON/OFF requests from the transport layer use this.
func (e *Engine) StartWithAction(id string, action Action) bool {
	return e.startWith(id, &action, false)
}

// StartReversed begins executing a routine with every step's action
// inverted. Auto-reverse deactivation uses this.
func (e *Engine) StartReversed(id string) bool {
	return e.startWith(id, nil, true)
}

// StartByName starts the first routine whose name matches.
func (e *Engine) StartByName(name string) bool {
	e.mu.Lock()
	var id string
	for _, r := range e.routines {
		if r.Name == name {
			id = r.ID
			break
		}
	}
	e.mu.Unlock()
	if id == "" {
		return false
	}
	return e.Start(id)
}

func (e *Engine) startWith(id string, override *Action, reversed bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.find(id)
	if r == nil || len(r.Steps) == 0 {
		return false
	}
	if run, ok := e.runs[id]; ok && run.status == StatusRunning {
		log.Printf("routine: %s already running, start rejected", r.Name)
		return false
	}
	e.runs[id] = &runState{
		status:    StatusRunning,
		startedAt: e.now(),
		override:  override,
		reversed:  reversed,
	}
	log.Printf("routine: %s started", r.Name)
	return true
}

// Stop forces a running routine to STOPPED. Channels already switched keep
// their state; the next processing tick observes the stop and resets the run.
func (e *Engine) Stop(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[id]
	if !ok || run.status != StatusRunning {
		return false
	}
	run.status = StatusStopped
	if r := e.find(id); r != nil {
		log.Printf("routine: %s stopped", r.Name)
	}
	return true
}

// RunStatus returns a routine's current status.
func (e *Engine) RunStatus(id string) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if run, ok := e.runs[id]; ok {
		return run.status
	}
	return StatusIdle
}

// Snapshots returns every routine paired with its run state.
func (e *Engine) Snapshots() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.routines))
	for _, r := range e.routines {
		snap := Snapshot{Routine: *r, Run: RunSnapshot{Status: StatusIdle, TotalSteps: len(r.Steps)}}
		if run, ok := e.runs[r.ID]; ok {
			snap.Run.Status = run.status
			snap.Run.StepIndex = run.stepIndex
			snap.Run.Results = append([]DeviceConfirmResult(nil), run.results...)
			snap.Run.StartedAt = run.startedAt
		}
		out = append(out, snap)
	}
	return out
}

// CheckTriggers evaluates every enabled routine's trigger against the
// supplied temperatures and wall clock. Fired triggers start (or, for
// auto-reverse, reverse) routines; actual stepping happens in
// ProcessRoutines.
func (e *Engine) CheckTriggers(localTemp, externalTemp float64, clock ClockFields) {
	e.mu.Lock()
	type firing struct {
		id      string
		name    string
		reverse bool
	}
	var fired []firing
	now := e.now()
	for _, r := range e.routines {
		if !r.Enabled || len(r.Steps) == 0 {
			continue
		}
		switch r.Trigger {
		case TriggerTemperature:
			temp := localTemp
			if r.UseExternalTemp {
				temp = externalTemp
			}
			activeSince, isActive := e.active[r.ID]
			if !isActive {
				if temp > r.TempMax {
					e.active[r.ID] = now
					fired = append(fired, firing{r.ID, r.Name, false})
				}
				continue
			}
			overRun := r.MaxRunSeconds > 0 && now.Sub(activeSince) >= time.Duration(r.MaxRunSeconds)*time.Second
			cooled := temp <= r.TempMax-r.Hysteresis || temp < r.TempMin
			if overRun || (r.AutoReverse && cooled) {
				delete(e.active, r.ID)
				if overRun {
					log.Printf("routine: %s hit max run time, reversing", r.Name)
				}
				fired = append(fired, firing{r.ID, r.Name, true})
			}
		case TriggerSchedule:
			if !r.Schedule.Matches(clock) {
				continue
			}
			key := fmt.Sprintf("%02d:%02d-%d-%d-%d", clock.Hour, clock.Minute,
				clock.DayOfWeek, clock.DayOfMonth, clock.Month)
			if e.lastScheduleKey[r.ID] == key {
				continue
			}
			e.lastScheduleKey[r.ID] = key
			fired = append(fired, firing{r.ID, r.Name, false})
		case TriggerTimer:
			if r.TimerSeconds <= 0 {
				continue
			}
			last, ok := e.lastTimerFire[r.ID]
			if !ok {
				e.lastTimerFire[r.ID] = now
				continue
			}
			if now.Sub(last) >= time.Duration(r.TimerSeconds)*time.Second {
				e.lastTimerFire[r.ID] = now
				fired = append(fired, firing{r.ID, r.Name, false})
			}
		}
	}
	e.mu.Unlock()

	for _, f := range fired {
		if f.reverse {
			// A reversal preempts the activation run if it is still going.
			e.Stop(f.id)
			e.StartReversed(f.id)
			continue
		}
		if !e.Start(f.id) {
			log.Printf("routine: trigger for %s ignored, already running", f.name)
		}
	}
}

// ProcessRoutines advances every run by at most one action. It never sleeps;
// waits are expressed as resume-at times checked on the next tick. progress
// may be nil.
func (e *Engine) ProcessRoutines(progress ProgressFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for _, r := range e.routines {
		run, ok := e.runs[r.ID]
		if !ok {
			continue
		}
		switch run.status {
		case StatusStopped, StatusCompleted, StatusFailed:
			delete(e.runs, r.ID)
			continue
		case StatusRunning:
		default:
			continue
		}
		if now.Before(run.resumeAt) {
			continue
		}
		e.advance(r, run, now, progress)
	}
}

// advance performs one scheduling decision for a running routine. Caller
// holds e.mu.
func (e *Engine) advance(r *Routine, run *runState, now time.Time, progress ProgressFunc) {
	if run.stepIndex >= len(r.Steps) {
		e.complete(r, run, progress)
		return
	}
	step := r.Steps[run.stepIndex]
	targets := step.devices()

	if run.actioned || len(targets) == 0 {
		e.nextStep(r, run, progress)
		return
	}

	action := step.Action
	if run.reversed {
		action = action.reverse()
	}
	if run.override != nil {
		action = *run.override
	}

	switch step.Mode {
	case ModeSequential, ModeStaggered:
		id := targets[run.deviceIndex]
		result, acted := e.actionDevice(id, action)
		if acted {
			run.results = append(run.results, result)
		}
		run.deviceIndex++
		if run.deviceIndex >= len(targets) {
			run.actioned = true
			run.resumeAt = now.Add(time.Duration(step.InterStepWaitSeconds) * time.Second)
			return
		}
		wait := time.Duration(step.PerDeviceWaitSeconds[id]) * time.Second
		if wait == 0 && step.Mode == ModeStaggered {
			wait = defaultStagger
		}
		run.resumeAt = now.Add(wait)
	default:
		// Parallel: every device in one tick.
		for _, id := range targets {
			if result, acted := e.actionDevice(id, action); acted {
				run.results = append(run.results, result)
			}
		}
		run.actioned = true
		run.resumeAt = now.Add(time.Duration(step.InterStepWaitSeconds) * time.Second)
	}
}

// nextStep moves the cursor past the current step. Caller holds e.mu.
func (e *Engine) nextStep(r *Routine, run *runState, progress ProgressFunc) {
	run.stepIndex++
	run.deviceIndex = 0
	run.actioned = false
	run.resumeAt = time.Time{}
	if run.stepIndex >= len(r.Steps) {
		e.complete(r, run, progress)
		return
	}
	if progress != nil {
		progress(r.ID, run.stepIndex, len(r.Steps), StatusRunning)
	}
}

// complete finishes a run: failures are reported once, in aggregate, and the
// run resets to idle. A run that actioned nothing (every target unknown,
// disabled, or unwired) ends FAILED. Caller holds e.mu.
func (e *Engine) complete(r *Routine, run *runState, progress ProgressFunc) {
	run.status = StatusCompleted
	if len(run.results) == 0 {
		run.status = StatusFailed
	}
	var failures []DeviceConfirmResult
	for _, res := range run.results {
		if !res.Confirmed {
			failures = append(failures, res)
		}
	}
	if len(failures) > 0 && e.sink != nil {
		e.sink.RoutineFailure(r.Name, failures)
	}
	log.Printf("routine: %s finished %s, %d actions, %d unconfirmed",
		r.Name, run.status, len(run.results), len(failures))
	if progress != nil {
		progress(r.ID, len(r.Steps), len(r.Steps), run.status)
	}
	delete(e.runs, r.ID)
}

// actionDevice switches one device and confirms the change electrically.
// Unknown, disabled, or unwired devices are skipped. Caller holds e.mu.
func (e *Engine) actionDevice(id string, action Action) (DeviceConfirmResult, bool) {
	d, ok := e.registry.Get(id)
	if !ok || !d.Enabled || d.Channel <= 0 {
		return DeviceConfirmResult{}, false
	}

	var target bool
	switch action {
	case ActionOn:
		target = true
	case ActionOff:
		target = false
	default:
		target = !e.driver.DeviceState(d.Channel)
	}

	delta := e.driver.SetRelayState(d.Channel, target)
	e.registry.SetState(id, target)

	result := DeviceConfirmResult{
		DeviceID:    id,
		DeviceName:  d.Name,
		Channel:     d.Channel,
		TargetState: target,
		DeltaAmps:   delta,
		Confirmed:   !target || delta >= e.ampThreshold,
	}
	if e.sink != nil {
		e.sink.ToggleConfirmed(result)
	}
	if !result.Confirmed {
		log.Printf("routine: %s (ch %d) unconfirmed, delta %.2fA below %.2fA",
			d.Name, d.Channel, delta, e.ampThreshold)
	}
	return result, true
}
