package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/qmuntal/stateless"
	"github.com/rs/zerolog"

	"github.com/sioux-steel-solutions/pressure-rig-core/internal/journal"
	"github.com/sioux-steel-solutions/pressure-rig-core/internal/mqttutil"
	"github.com/sioux-steel-solutions/pressure-rig-core/internal/valve"
)

// ErrVFDStartTimeout and ErrTuningTimeout are the two fatal timeouts of
// spec.md §4.2 / §7.
var (
	ErrVFDStartTimeout = errors.New("coordinator: vfd did not reach zero speed within 90s")
	ErrTuningTimeout   = errors.New("coordinator: sensor did not reach setpoint within 90s")
)

const pollTick = 100 * time.Millisecond

// Coordinator is the StateMachine of spec.md §4.1.
type Coordinator struct {
	client mqtt.Client
	log    zerolog.Logger
	top    topics
	j      *journal.Journal
	valves []valve.Descriptor

	snap *Snapshot
	sm   *stateless.StateMachine

	startCh chan UserCommand

	params        testParams
	resumeCancel  atomic.Bool
	pendingResume atomic.Bool
}

// New builds a Coordinator for deviceID, publishing/subscribing through
// client, journaling to j, and governing the given valves.
func New(deviceID string, client mqtt.Client, j *journal.Journal, valves []valve.Descriptor, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		client:  client,
		log:     log,
		top:     newTopics(deviceID),
		j:       j,
		valves:  valves,
		snap:    NewSnapshot(),
		startCh: make(chan UserCommand, 1),
	}
	c.sm = c.buildMachine()
	return c
}

// Snapshot exposes the shared telemetry record for tests and the feedback
// publisher.
func (c *Coordinator) Snapshot() *Snapshot { return c.snap }

func (c *Coordinator) buildMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(StateIdle)

	sm.Configure(StateIdle).
		OnEntry(c.idleEnter).
		Permit(TriggerStart, StateInitializingValves)

	sm.Configure(StateInitializingValves).
		OnEntry(c.initializingEnter).
		OnExit(c.initializingExit).
		Permit(TriggerTurnOn, StateStartingVFD)

	sm.Configure(StateStartingVFD).
		OnEntry(c.startingVFDEnter).
		OnExit(c.startingVFDExit).
		Permit(TriggerHold, StateHolding).
		Permit(TriggerAutomatic, StateAutomaticCycling)

	sm.Configure(StateHolding).
		OnEntry(c.holdingEnter).
		OnExit(c.holdingExit).
		Permit(TriggerRelief, StateRelief)

	sm.Configure(StateAutomaticCycling).
		OnEntry(c.automaticCyclingEnter).
		OnExit(c.automaticCyclingExit).
		Permit(TriggerRelief, StateRelief)

	sm.Configure(StateRelief).
		OnEntry(c.reliefEnter).
		OnExit(c.reliefExit).
		Permit(TriggerTurnOff, StateStopping)

	sm.Configure(StateStopping).
		OnEntry(c.stoppingEnter).
		OnExit(c.stoppingExit).
		Permit(TriggerIdle, StateIdle)

	return sm
}

// Run wires up MQTT subscriptions and blocks running the worker and
// feedback-publisher loops until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.subscribeAll(); err != nil {
		return err
	}

	go c.feedbackLoop(ctx)
	c.checkResume()

	c.workerLoop(ctx)
	return nil
}

func (c *Coordinator) subscribeAll() error {
	subs := []struct {
		topic   string
		qos     byte
		handler mqtt.MessageHandler
	}{
		{c.top.command(), 1, c.onCommand},
		{c.top.resumeCancel(), 1, c.onResumeCancel},
		{c.top.vfdCommand(), 0, c.onVFDCommandEcho},
		{c.top.emergencyStop(), 1, c.onEmergencyStop},
		{c.top.currentInput(), 0, c.onCurrentInput},
		{c.top.sensorsWildcard(), 0, c.onSensor},
		{c.top.valveStatus(), 0, c.onValveStatus},
		{c.top.vfdFeedback(), 0, c.onVFDFeedback},
	}
	for _, s := range subs {
		if err := mqttutil.Subscribe(c.client, s.topic, s.qos, s.handler); err != nil {
			return err
		}
	}
	return nil
}

// --- network-thread handlers: these only mutate snapshot/channel state. ---

func (c *Coordinator) onCommand(_ mqtt.Client, msg mqtt.Message) {
	var uc UserCommand
	if err := json.Unmarshal(msg.Payload(), &uc); err != nil {
		c.log.Warn().Err(err).Msg("command: bad json")
		return
	}
	if err := uc.Validate(); err != nil {
		c.log.Warn().Err(err).Msg("command: rejected")
		return
	}
	select {
	case c.startCh <- uc:
	default:
		c.log.Warn().Msg("command: worker busy, start command dropped")
	}
}

func (c *Coordinator) onResumeCancel(_ mqtt.Client, _ mqtt.Message) {
	if c.pendingResume.Load() {
		c.resumeCancel.Store(true)
		c.j.Clear()
		c.log.Info().Msg("resume_cancel: cleared pending resume")
		return
	}
	if c.snap.Status() == "idle" {
		c.j.Clear()
		return
	}
	c.log.Info().Msg("resume_cancel: no pending resume and not idle, ignored")
}

func (c *Coordinator) onVFDCommandEcho(_ mqtt.Client, msg mqtt.Message) {
	var vc struct {
		Command   string   `json:"command"`
		Parameter *float64 `json:"parameter"`
	}
	if err := json.Unmarshal(msg.Payload(), &vc); err != nil {
		return
	}
	if vc.Command == "set_frequency" && vc.Parameter != nil {
		c.snap.SetFreqCommand(*vc.Parameter)
	}
}

func (c *Coordinator) onEmergencyStop(_ mqtt.Client, _ mqtt.Message) {
	c.log.Warn().Msg("emergency_stop received")
	payload, _ := json.Marshal(struct {
		Command string `json:"command"`
	}{Command: "emergency_stop"})
	mqttutil.Publish(c.client, c.log, c.top.vfdCommand(), 1, false, payload)
	c.snap.SetForceStop(true)
}

func (c *Coordinator) onCurrentInput(_ mqtt.Client, msg mqtt.Message) {
	b := append([]byte(nil), msg.Payload()...)
	rec := c.j.Load()
	rec.CurrentInputs = b
	c.j.Save(rec)
	mqttutil.Publish(c.client, c.log, c.top.initialValue(), 0, true, b)
}

func (c *Coordinator) onSensor(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	addrStr := parts[len(parts)-1]
	addr, err := strconv.Atoi(addrStr)
	if err != nil {
		return
	}
	if want := c.top.sensor(addr); want != msg.Topic() {
		c.log.Warn().Str("topic", msg.Topic()).Str("want", want).Msg("sensors/+: unexpected topic shape, ignored")
		return
	}
	v, err := strconv.ParseFloat(string(msg.Payload()), 64)
	if err != nil {
		return
	}
	c.snap.SetSensorValue(addr, v)
}

func (c *Coordinator) onValveStatus(_ mqtt.Client, msg mqtt.Message) {
	var m map[string]int
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		c.log.Warn().Err(err).Msg("valves/status: bad json")
		return
	}
	c.snap.SetValveStatusMap(m)
}

func (c *Coordinator) onVFDFeedback(_ mqtt.Client, msg mqtt.Message) {
	v, err := strconv.ParseFloat(string(msg.Payload()), 64)
	if err != nil {
		return
	}
	c.snap.SetVFDFeedback(v)
}

// --- feedback thread: republishes status at 0.3s cadence (spec.md §4.1). ---

func (c *Coordinator) feedbackLoop(ctx context.Context) {
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mqttutil.Publish(c.client, c.log, c.top.status(), 0, false, []byte(c.snap.Status()))
		}
	}
}

// --- worker thread ---

func (c *Coordinator) workerLoop(ctx context.Context) {
	for {
		if c.snap.Exit() {
			return
		}

		st, err := c.sm.State(ctx)
		if err != nil {
			c.log.Error().Err(err).Msg("coordinator: failed to read current state")
			return
		}
		state := st.(WorkflowState)
		trigger, ok := c.nextTrigger(ctx, state)
		if !ok {
			return
		}

		if err := c.sm.FireCtx(ctx, trigger); err != nil {
			c.log.Warn().Err(err).Str("state", string(state)).Str("trigger", string(trigger)).Msg("transition ignored")
			continue
		}
	}
}

// nextTrigger decides the next trigger to fire given the current state, per
// spec.md §4.1's transition table. For StateIdle it blocks on an external
// start command (or auto-resume); every other state synthesizes its trigger
// internally.
func (c *Coordinator) nextTrigger(ctx context.Context, state WorkflowState) (Trigger, bool) {
	switch state {
	case StateIdle:
		select {
		case <-ctx.Done():
			return "", false
		case uc := <-c.startCh:
			c.beginTest(uc)
			return TriggerStart, true
		}
	case StateInitializingValves:
		return TriggerTurnOn, true
	case StateStartingVFD:
		if c.params.mode == ModeCyclic {
			return TriggerAutomatic, true
		}
		return TriggerHold, true
	case StateHolding, StateAutomaticCycling:
		return TriggerRelief, true
	case StateRelief:
		return TriggerTurnOff, true
	case StateStopping:
		c.params = testParams{}
		return TriggerIdle, true
	default:
		return "", false
	}
}

// beginTest records the parameters of a newly-started test, per the
// "record ..." side effects of spec.md §4.1's Idle row. Any resume state
// staged by checkResume (resumeFromCycle/isResume) survives this call.
func (c *Coordinator) beginTest(uc UserCommand) {
	resumeFromCycle := c.params.resumeFromCycle
	isResume := c.params.isResume

	p := testParams{mode: uc.Mode, sensorID: uc.SensorID, resumeFromCycle: resumeFromCycle, isResume: isResume}

	switch uc.Mode {
	case ModeManual:
		p.setpoint = *uc.Setpoint
		p.holdTimeS = *uc.HoldTimeS
		current, _ := c.snap.SensorValue(uc.SensorID)
		if p.setpoint > current {
			p.action = actionPositive
		} else {
			p.action = actionNegative
		}
	case ModeCyclic:
		p.positive = *uc.Positive
		p.negative = *uc.Negative
		p.cycles = *uc.Cycles
		if uc.TestIndex != nil {
			p.testIndexSet = true
			p.testIndex = *uc.TestIndex
		}
		if absF(p.positive) > absF(p.negative) {
			p.action = actionPositive
		} else {
			p.action = actionNegative
		}
		if !isResume {
			// Fresh cyclic start: record the command so a crash before
			// AutomaticCycling still has something to resume from
			// (spec.md §4.1 Idle row "journal command"). resume is set by
			// AutomaticCycling's enter procedure and cycle_index by its exit
			// procedure, not here.
			rec := c.j.Load()
			rec.Command = rawCommand(uc)
			c.j.Save(rec)
		}
	}

	c.params = p

	if uc.CustomPreset != nil {
		c.recordCustomPreset(*uc.CustomPreset)
	}
}

// recordCustomPreset folds a start command's optional custom_preset field
// into the journal's current_inputs blob (SPEC_FULL.md §C.1), preserving
// whatever current_inputs already held from the last /current_input message,
// and republishes the merged blob on /initial_value for the same downstream
// consumers that watch that topic.
func (c *Coordinator) recordCustomPreset(preset string) {
	rec := c.j.Load()
	inputs := map[string]json.RawMessage{}
	if len(rec.CurrentInputs) > 0 {
		if err := json.Unmarshal(rec.CurrentInputs, &inputs); err != nil {
			c.log.Warn().Err(err).Msg("current_inputs: malformed, discarding before custom_preset merge")
			inputs = map[string]json.RawMessage{}
		}
	}
	presetJSON, err := json.Marshal(preset)
	if err != nil {
		return
	}
	inputs["custom_preset"] = presetJSON

	merged, err := json.Marshal(inputs)
	if err != nil {
		c.log.Warn().Err(err).Msg("current_inputs: failed to merge custom_preset")
		return
	}
	rec.CurrentInputs = merged
	c.j.Save(rec)
	mqttutil.Publish(c.client, c.log, c.top.initialValue(), 0, true, merged)
}

// checkResume implements the mid-cycle resume of spec.md §4.6/§8 scenario
// 3: on startup, a journaled resume=true record is replayed as if its
// persisted command had just arrived, so the normal Idle->...->AutomaticCycling
// pipeline re-establishes hardware state before the cycling loop resumes at
// the journaled cycle_index.
func (c *Coordinator) checkResume() {
	rec := c.j.Load()
	if !rec.Resume || len(rec.Command) == 0 {
		return
	}

	var uc UserCommand
	if err := json.Unmarshal(rec.Command, &uc); err != nil {
		c.log.Error().Err(err).Msg("resume: journaled command malformed, discarding")
		c.j.Clear()
		return
	}

	c.pendingResume.Store(true)
	payload, _ := json.Marshal(struct {
		Command json.RawMessage `json:"command"`
	}{Command: rec.Command})
	mqttutil.Publish(c.client, c.log, c.top.resumeStatus(), 1, true, payload)

	if c.resumeCancel.Load() {
		return
	}

	c.params.resumeFromCycle = rec.CycleIndex
	c.params.isResume = true
	select {
	case c.startCh <- uc:
	default:
	}
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// --- shared helpers used by the enter/exit bodies in states.go ---

// waitUntil polls predicate every pollTick until it is true, force_stop or
// exit is observed, or timeout elapses (0 = no timeout). It returns
// (satisfied, aborted).
func (c *Coordinator) waitUntil(timeout time.Duration, predicate func() bool) (satisfied, aborted bool) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()
	for {
		if predicate() {
			return true, false
		}
		if c.snap.ForceStop() || c.snap.Exit() {
			return false, true
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false, false
		}
		<-ticker.C
	}
}

func (c *Coordinator) publishValve(name string, v int) {
	mqttutil.Publish(c.client, c.log, c.top.valve(name), 1, false, []byte(strconv.Itoa(v)))
}

func (c *Coordinator) publishVFDCommand(command string, parameter *float64) {
	payload, _ := json.Marshal(struct {
		Command   string   `json:"command"`
		Parameter *float64 `json:"parameter,omitempty"`
	}{Command: command, Parameter: parameter})
	mqttutil.Publish(c.client, c.log, c.top.vfdCommand(), 1, false, payload)
}

func (c *Coordinator) setStatus(format string, args ...any) {
	s := format
	if len(args) > 0 {
		s = fmt.Sprintf(format, args...)
	}
	c.snap.SetStatus(s)
}
