// Package coordinator implements the StateMachine of spec.md §4.1/§4.2: the
// seven-state workflow that drives valves and the VFD through a manual hold
// test or a cyclic test, with journal-backed resume.
package coordinator

import "encoding/json"

// WorkflowState is the tagged variant of spec.md §3 "Workflow state",
// replacing the source's class hierarchy per spec.md §9.
type WorkflowState string

const (
	StateIdle               WorkflowState = "Idle"
	StateInitializingValves WorkflowState = "InitializingValves"
	StateStartingVFD        WorkflowState = "StartingVFD"
	StateHolding            WorkflowState = "Holding"
	StateAutomaticCycling   WorkflowState = "AutomaticCycling"
	StateRelief             WorkflowState = "Relief"
	StateStopping           WorkflowState = "Stopping"
)

// Trigger is an internal completion event or externally-observed command
// that advances the workflow (spec.md §4.1 "Transition table").
type Trigger string

const (
	TriggerStart     Trigger = "start"
	TriggerTurnOn    Trigger = "turn_on"
	TriggerHold      Trigger = "hold"
	TriggerAutomatic Trigger = "automatic"
	TriggerRelief    Trigger = "relief"
	TriggerTurnOff   Trigger = "turn_off"
	TriggerIdle      Trigger = "idle"
)

// Mode distinguishes the two test kinds of spec.md §1.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeCyclic Mode = "cyclic"
)

// UserCommand is the explicit discriminated type for {dev}/command,
// replacing the source's unconstrained JSON (spec.md §9). Unknown shapes
// are rejected by Validate rather than silently dispatched.
type UserCommand struct {
	Command      string   `json:"command"`
	Mode         Mode     `json:"mode"`
	SensorID     int      `json:"sensor_id"`
	Setpoint     *float64 `json:"setpoint,omitempty"`
	HoldTimeS    *float64 `json:"holdtime,omitempty"`
	Positive     *float64 `json:"positive,omitempty"`
	Negative     *float64 `json:"negative,omitempty"`
	Cycles       *int     `json:"cycles,omitempty"`
	TestIndex    *int     `json:"test_index,omitempty"`
	CustomPreset *string  `json:"custom_preset,omitempty"`
}

// Validate rejects command shapes that don't carry what their mode needs,
// per spec.md §9's "reject unknown shapes with a logged warning rather than
// silent dispatch."
func (c UserCommand) Validate() error {
	if c.Command != "start" {
		return errUnknownCommand(c.Command)
	}
	switch c.Mode {
	case ModeManual:
		if c.Setpoint == nil || c.HoldTimeS == nil {
			return errMissingFields("manual start requires setpoint and holdtime")
		}
	case ModeCyclic:
		if c.Positive == nil || c.Negative == nil || c.Cycles == nil {
			return errMissingFields("cyclic start requires positive, negative, and cycles")
		}
	default:
		return errMissingFields("start requires mode=manual or mode=cyclic")
	}
	return nil
}

type cmdError string

func (e cmdError) Error() string { return string(e) }

func errUnknownCommand(c string) error { return cmdError("coordinator: unknown command " + c) }
func errMissingFields(msg string) error { return cmdError("coordinator: " + msg) }

// testParams is the coordinator's working copy of the currently executing
// test's parameters, recorded from the UserCommand that started it
// (spec.md §4.1 transition table "record ...").
type testParams struct {
	mode Mode

	sensorID  int
	setpoint  float64
	holdTimeS float64

	positive     float64
	negative     float64
	cycles       int
	testIndexSet bool
	testIndex    int

	action action

	resumeFromCycle int
	isResume        bool
}

type action int

const (
	actionPositive action = iota
	actionNegative
)

// rawCommand marshals the UserCommand back to JSON for journaling
// (spec.md §3 journal record field "command").
func rawCommand(c UserCommand) json.RawMessage {
	b, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	return b
}
