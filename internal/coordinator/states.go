package coordinator

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/sioux-steel-solutions/pressure-rig-core/internal/mqttutil"
	"github.com/sioux-steel-solutions/pressure-rig-core/internal/valve"
)

// --- Idle (spec.md §4.2) ---

func (c *Coordinator) idleEnter(_ context.Context, _ ...any) error {
	c.snap.SetFreqCommand(0)
	c.snap.SetForceStop(false)
	c.resumeCancel.Store(false)
	c.pendingResume.Store(false)

	for _, v := range c.valves {
		if val, publish := v.IdleCommand(); publish {
			c.publishValve(v.Name, val)
		}
	}
	c.setStatus("idle")
	return nil
}

// --- InitializingValves (spec.md §4.2) ---

func (c *Coordinator) initializingAction() valve.Action {
	if c.params.action == actionPositive {
		return valve.ActionPositive
	}
	return valve.ActionNegative
}

func (c *Coordinator) initializingEnter(_ context.Context, _ ...any) error {
	action := c.initializingAction()
	for _, v := range c.valves {
		if !v.Has(valve.Active) {
			continue
		}
		c.publishValve(v.Name, v.InitializingCommand(action))
	}
	c.setStatus("valves configuration requested")
	return nil
}

func (c *Coordinator) initializingExit(_ context.Context, _ ...any) error {
	action := c.initializingAction()
	c.waitUntil(0, func() bool {
		for _, v := range c.valves {
			if !v.Has(valve.Active) {
				continue
			}
			want := v.InitializingCommand(action)
			got, ok := c.snap.ValveStatus(v.Name)
			if !ok || got != want {
				return false
			}
		}
		return true
	})
	c.setStatus("valves configuration approved")
	return nil
}

// --- StartingVFD (spec.md §4.2) ---

func (c *Coordinator) startingVFDEnter(_ context.Context, _ ...any) error {
	zero := 0.0
	c.publishVFDCommand("set_frequency", &zero)
	c.publishVFDCommand("start", nil)
	c.setStatus("vfd reset")
	return nil
}

func (c *Coordinator) startingVFDExit(_ context.Context, _ ...any) error {
	ok, aborted := c.waitUntil(90*time.Second, func() bool {
		return c.snap.VFDFeedback() == 0
	})
	if !ok && !aborted {
		c.log.Warn().Err(ErrVFDStartTimeout).Msg("starting vfd: exit wait timed out")
		c.snap.SetForceStop(true)
	}
	c.setStatus("vfd started")
	return nil
}

// --- Holding (manual mode only, spec.md §4.2) ---

func (c *Coordinator) holdingEnter(_ context.Context, _ ...any) error {
	c.setStatus("tuning")
	setpoint := c.params.setpoint
	ok, aborted := c.waitUntil(90*time.Second, func() bool {
		v, _ := c.snap.SensorValue(c.params.sensorID)
		return math.Abs(v) > math.Abs(setpoint)
	})
	if !ok && !aborted {
		c.log.Warn().Err(ErrTuningTimeout).Msg("holding: tuning timed out")
		c.snap.SetForceStop(true)
	}
	return nil
}

func (c *Coordinator) holdingExit(_ context.Context, _ ...any) error {
	c.setStatus("tuned")

	remaining := int(math.Round(c.params.holdTimeS * 10)) // 100ms steps
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for remaining > 0 {
		if c.snap.ForceStop() || c.snap.Exit() {
			return nil
		}
		secondsLeft := (remaining + 9) / 10
		c.setStatus("Holding %ds", secondsLeft)
		<-ticker.C
		remaining--
	}
	return nil
}

// --- AutomaticCycling (cyclic mode only, spec.md §4.2) ---

func (c *Coordinator) automaticCyclingEnter(_ context.Context, _ ...any) error {
	if c.params.isResume {
		c.setStatus("resume cycle %d", c.params.resumeFromCycle)
		return nil
	}

	rec := c.j.Load()
	rec.Resume = true
	c.j.Save(rec)

	setpoint := math.Max(math.Abs(c.params.positive), math.Abs(c.params.negative))
	freq := 0.0
	c.setStatus("ramping to target")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if c.snap.ForceStop() || c.snap.Exit() {
			return nil
		}
		current, _ := c.snap.SensorValue(c.params.sensorID)
		errAmt := math.Abs(current) - setpoint
		if errAmt >= 0 {
			return nil
		}
		if c.snap.FreqCommand()-c.snap.VFDFeedback() < 0.3 {
			step := 1.0
			switch {
			case math.Abs(errAmt) > 5:
				step = 5
			case math.Abs(errAmt) > 3:
				step = 3
			}
			freq += step
			c.publishVFDCommand("set_frequency", &freq)
			c.snap.SetFreqCommand(freq)
		}
		<-ticker.C
	}
}

func (c *Coordinator) automaticCyclingExit(_ context.Context, _ ...any) error {
	start := 0
	if c.params.isResume {
		start = c.params.resumeFromCycle
	}

	releaseTag := valve.ReleaseTagFor(c.initializingAction())
	aborted := false

cycleLoop:
	for i := start; i < c.params.cycles; i++ {
		rec := c.j.Load()
		rec.CycleIndex = i
		c.j.Save(rec)
		c.setStatus("cycle %d/%d", i+1, c.params.cycles)

		for _, v := range c.valves {
			if v.Has(releaseTag) {
				c.publishValve(v.Name, 0)
			}
		}
		if c.sleepOrAbort(800 * time.Millisecond) {
			aborted = true
			break cycleLoop
		}
		for _, v := range c.valves {
			if v.Has(releaseTag) {
				c.publishValve(v.Name, 1)
			}
		}
		if c.sleepOrAbort(800 * time.Millisecond) {
			aborted = true
			break cycleLoop
		}
	}

	if aborted {
		return nil
	}

	for _, v := range c.valves {
		c.publishValve(v.Name, 1)
	}

	rec := c.j.Load()
	if c.params.testIndexSet {
		rec.CurrentTestIndex = c.params.testIndex
		c.publishCurrentTestIndex(rec.CurrentTestIndex)
	}
	rec.CycleIndex = 0
	rec.Resume = false
	c.j.Save(rec)

	return nil
}

// sleepOrAbort waits d, polling for force_stop/exit at pollTick cadence, and
// reports whether it was cut short.
func (c *Coordinator) sleepOrAbort(d time.Duration) bool {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if c.snap.ForceStop() || c.snap.Exit() {
			return true
		}
		<-ticker.C
	}
	return false
}

// --- Relief (spec.md §4.2) ---

func (c *Coordinator) reliefEnter(_ context.Context, _ ...any) error {
	for _, v := range c.valves {
		c.publishValve(v.Name, 1)
	}
	c.setStatus("relief configuration requested")
	return nil
}

func (c *Coordinator) reliefExit(_ context.Context, _ ...any) error {
	c.waitUntil(0, func() bool {
		for _, v := range c.valves {
			got, ok := c.snap.ValveStatus(v.Name)
			if !ok || got != 1 {
				return false
			}
		}
		return true
	})
	c.setStatus("valves configured")
	return nil
}

// --- Stopping (spec.md §4.2, §9 "newer stopping behavior") ---

func (c *Coordinator) stoppingEnter(_ context.Context, _ ...any) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for !c.snap.Exit() {
		if c.snap.ForceStop() {
			c.setStatus("emergency: waiting for vdf to stop")
		} else {
			c.setStatus("colding down")
		}
		if c.snap.VFDFeedback() != 0 {
			zero := 0.0
			c.publishVFDCommand("set_frequency", &zero)
			c.publishVFDCommand("stop", nil)
		} else {
			return nil
		}
		<-ticker.C
	}
	return nil
}

func (c *Coordinator) stoppingExit(_ context.Context, _ ...any) error {
	for _, v := range c.valves {
		if v.Has(valve.Active) {
			c.publishValve(v.Name, 1)
		}
	}
	c.setStatus("Closed Valves")
	return nil
}

func (c *Coordinator) publishCurrentTestIndex(v int) {
	mqttutil.Publish(c.client, c.log, c.top.currentTestIndex(), 1, true, []byte(strconv.Itoa(v)))
}
