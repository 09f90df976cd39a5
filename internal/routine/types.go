// Package routine evaluates triggers and executes multi-step device
// sequences, confirming each state change electrically through the relay
// driver's delta measurement.
//
// The engine is split across two execution contexts: CheckTriggers runs on
// the coarse network-facing loop (it may consult slow inputs like weather),
// while ProcessRoutines runs on the fast hardware-facing loop as a
// cooperative, non-sleeping tick. Run state carries resume-at markers
// instead of sleeping, so a tick never stalls the hardware loop beyond one
// step action.
package routine

import (
	"time"

	"github.com/sweeney/coop-controller/internal/device"
)

// TriggerKind selects how a routine is started.
type TriggerKind string

const (
	TriggerManual      TriggerKind = "manual"
	TriggerTimer       TriggerKind = "timer"
	TriggerTemperature TriggerKind = "temperature"
	TriggerSchedule    TriggerKind = "schedule"
)

// Action is what a step does to its devices.
type Action string

const (
	ActionOn     Action = "ON"
	ActionOff    Action = "OFF"
	ActionToggle Action = "TOGGLE"
)

// reverse returns the opposite action for auto-reverse deactivation.
func (a Action) reverse() Action {
	switch a {
	case ActionOn:
		return ActionOff
	case ActionOff:
		return ActionOn
	default:
		return ActionToggle
	}
}

// ExecutionMode controls how a step's devices are actioned.
type ExecutionMode string

const (
	// ModeParallel issues every channel change before waiting.
	ModeParallel ExecutionMode = "parallel"
	// ModeSequential actions one device per tick, honoring per-device waits.
	ModeSequential ExecutionMode = "sequential"
	// ModeStaggered is sequential with a default spacing between devices
	// when no per-device wait is configured.
	ModeStaggered ExecutionMode = "staggered"
)

// defaultStagger spaces staggered devices that have no explicit wait.
const defaultStagger = 1 * time.Second

// ScheduleFields is a wall-clock match pattern. -1 is a wildcard.
type ScheduleFields struct {
	Hour       int `json:"hour"`
	Minute     int `json:"minute"`
	DayOfWeek  int `json:"day_of_week"`
	DayOfMonth int `json:"day_of_month"`
	Month      int `json:"month"`
}

// Wildcard returns schedule fields matching any time.
func Wildcard() ScheduleFields {
	return ScheduleFields{Hour: -1, Minute: -1, DayOfWeek: -1, DayOfMonth: -1, Month: -1}
}

// ClockFields is the wall-clock provider's view of "now".
type ClockFields struct {
	Hour       int
	Minute     int
	DayOfWeek  int
	DayOfMonth int
	Month      int
}

// Matches reports whether the clock satisfies the pattern.
func (s ScheduleFields) Matches(c ClockFields) bool {
	match := func(pattern, value int) bool {
		return pattern == -1 || pattern == value
	}
	return match(s.Hour, c.Hour) &&
		match(s.Minute, c.Minute) &&
		match(s.DayOfWeek, c.DayOfWeek) &&
		match(s.DayOfMonth, c.DayOfMonth) &&
		match(s.Month, c.Month)
}

// Step is one stage of a routine: a set of devices and how to action them.
type Step struct {
	// DeviceIDs are the targets.
	DeviceIDs []string `json:"device_ids"`
	// Sequence optionally fixes the actioning order; when empty, DeviceIDs
	// order is used.
	Sequence []string `json:"sequence,omitempty"`
	Action   Action   `json:"action"`
	// InterStepWaitSeconds elapses after the step's devices have all been
	// actioned, before the next step begins.
	InterStepWaitSeconds int `json:"inter_step_wait_seconds"`
	// PerDeviceWaitSeconds spaces sequential/staggered devices.
	PerDeviceWaitSeconds map[string]int `json:"per_device_wait_seconds,omitempty"`
	Mode                 ExecutionMode  `json:"mode"`
}

// devices returns the step's targets in actioning order.
func (s Step) devices() []string {
	if len(s.Sequence) > 0 {
		return s.Sequence
	}
	return s.DeviceIDs
}

// Routine is a persisted rule: a trigger plus an ordered list of steps.
type Routine struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Enabled bool        `json:"enabled"`
	Trigger TriggerKind `json:"trigger"`

	// Temperature trigger configuration.
	TempMin         float64 `json:"temp_min"`
	TempMax         float64 `json:"temp_max"`
	Hysteresis      float64 `json:"hysteresis"`
	AutoReverse     bool    `json:"auto_reverse"`
	UseExternalTemp bool    `json:"use_external_temp"`
	// MaxRunSeconds forces deactivation after this long regardless of
	// temperature. 0 disables the fail-safe.
	MaxRunSeconds int `json:"max_run_seconds"`

	// Timer trigger period.
	TimerSeconds int `json:"timer_seconds"`

	// Schedule trigger pattern.
	Schedule ScheduleFields `json:"schedule"`

	Steps []Step `json:"steps"`
}

// Status is a routine's run state.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
)

// DeviceConfirmResult records one device's electrically verified outcome.
type DeviceConfirmResult struct {
	DeviceID    string  `json:"device_id"`
	DeviceName  string  `json:"device_name"`
	Channel     int     `json:"channel"`
	TargetState bool    `json:"target_state"`
	DeltaAmps   float64 `json:"delta_amps"`
	// Confirmed is true when the delta met the threshold, or trivially when
	// turning off (no draw expected).
	Confirmed bool `json:"confirmed"`
}

// runState tracks one routine's execution. Exactly one per routine.
type runState struct {
	status    Status
	stepIndex int
	// deviceIndex is the cursor within the current step for sequential and
	// staggered modes.
	deviceIndex int
	// actioned marks the current step's devices as all issued; the step
	// advances once resumeAt passes.
	actioned bool
	// resumeAt is the earliest time the next tick may act. Zero means now.
	resumeAt  time.Time
	results   []DeviceConfirmResult
	startedAt time.Time
	// override replaces every step's action (explicit ON/OFF starts).
	override *Action
	// reversed inverts every step's action (auto-reverse deactivation).
	reversed bool
}

// RunSnapshot is the externally visible run state.
type RunSnapshot struct {
	Status     Status                `json:"status"`
	StepIndex  int                   `json:"step_index"`
	TotalSteps int                   `json:"total_steps"`
	Results    []DeviceConfirmResult `json:"results,omitempty"`
	StartedAt  time.Time             `json:"started_at,omitempty"`
}

// Snapshot pairs a routine definition with its run state for the transport
// layer.
type Snapshot struct {
	Routine Routine     `json:"routine"`
	Run     RunSnapshot `json:"run"`
}

// RelayDriver is the slice of the relay driver the engine acts through.
type RelayDriver interface {
	SetRelayState(channel int, on bool) float64
	DeviceState(channel int) bool
}

// Registry is the slice of the device registry the engine reads and syncs.
type Registry interface {
	Get(id string) (device.Device, bool)
	SetState(id string, state bool) int
}

// AlertSink receives user-relevant outcomes. Delivery is external.
type AlertSink interface {
	// RoutineFailure reports every unconfirmed device of a completed run,
	// once, in full.
	RoutineFailure(routineName string, failures []DeviceConfirmResult)
	// ToggleConfirmed reports one device's confirmation outcome.
	ToggleConfirmed(result DeviceConfirmResult)
}

// Persister saves and restores routine definitions. Load failure is
// tolerated: the engine starts empty.
type Persister interface {
	SaveRoutines(routines []Routine) error
	LoadRoutines() ([]Routine, error)
}

// ProgressFunc is invoked on every step transition.
type ProgressFunc func(routineID string, stepIndex, totalSteps int, status Status)
