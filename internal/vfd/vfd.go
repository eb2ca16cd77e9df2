// Package vfd implements VD, the VFD control surface of spec.md §4.4: it
// dispatches commands arriving on {dev}/vfd/command to Modbus writes through
// SerialCom, and republishes feedback once a second.
package vfd

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sioux-steel-solutions/pressure-rig-core/internal/mqttutil"
	"github.com/sioux-steel-solutions/pressure-rig-core/internal/serialcom"
)

// Register map and function codes, spec.md §3/§6.
const (
	RegStartStop    uint16 = 8192
	RegSetFrequency uint16 = 8193
	RegSpeedFeed    uint16 = 8451

	CmdStart uint16 = 18
	CmdStop  uint16 = 1

	FuncWrite = serialcom.FuncWriteSingleRegister
	FuncRead  = serialcom.FuncReadHoldingRegisters

	// FrequencyDecimals is the fixed-point scale applied when writing
	// set_frequency (spec.md §6 "set-freq reg 8193 (2 decimals)") and when
	// reading the speed-feedback register back: original_source/vdf_node/
	// vdf_node.py pairs setFreqDec=2 on the write with read_register(8451,
	// 2, readFC) on the read, and minimalmodbus's read_register applies its
	// decimals argument as a divide-by-10^n on the raw register value, not
	// a register count — so feedback is 2-decimal fixed point too, in the
	// same units as the commanded frequency.
	FrequencyDecimals = 2
)

// Command is the discriminated VFD command type of spec.md §6's
// /vfd/command payload, replacing the source's unconstrained JSON dispatch
// (spec.md §9 "dynamic JSON everywhere").
type Command struct {
	Command   string   `json:"command"` // "start" | "stop" | "set_frequency" | "emergency_stop"
	Parameter *float64 `json:"parameter,omitempty"`
}

// Bus is the subset of SC's primitive surface VD needs: a single register
// read and a scaled/coded register write (spec.md §4.3/§4.4). *serialcom.
// SerialCom satisfies this directly; tests substitute a hand-written fake in
// its place so Dispatch/EmergencyStop/the feedback loop can run without a
// physical drive.
type Bus interface {
	ReadRegister(slave byte, reg uint16, fc int) (uint16, error)
	WriteRegister(slave byte, reg uint16, value float64, decimals int, fc int, signed bool) error
}

// Driver is VD.
type Driver struct {
	sc     Bus
	slave  byte
	client mqtt.Client
	topic  string // {dev}
	log    zerolog.Logger

	stopPoll chan struct{}
}

// New returns a Driver that writes to slave through sc and talks on the
// {dev}/vfd/command and {dev}/vfd/feedback topics.
func New(sc Bus, slave byte, client mqtt.Client, deviceTopicPrefix string, log zerolog.Logger) *Driver {
	return &Driver{
		sc:       sc,
		slave:    slave,
		client:   client,
		topic:    deviceTopicPrefix,
		log:      log,
		stopPoll: make(chan struct{}),
	}
}

func (d *Driver) commandTopic() string  { return d.topic + "/vfd/command" }
func (d *Driver) feedbackTopic() string { return d.topic + "/vfd/feedback" }

// Start subscribes to the command topic and launches the 1 s feedback
// publisher goroutine. Call Close to stop both.
func (d *Driver) Start() error {
	if err := mqttutil.Subscribe(d.client, d.commandTopic(), 1, d.onCommand); err != nil {
		return err
	}
	go d.feedbackLoop()
	return nil
}

// Close stops the feedback publisher. The MQTT subscription itself is torn
// down when the owning client disconnects.
func (d *Driver) Close() {
	close(d.stopPoll)
}

func (d *Driver) onCommand(_ mqtt.Client, msg mqtt.Message) {
	var c Command
	if err := json.Unmarshal(msg.Payload(), &c); err != nil {
		d.log.Warn().Err(err).Str("payload", string(msg.Payload())).Msg("vfd: malformed command, ignored")
		return
	}
	if err := d.Dispatch(c); err != nil {
		d.log.Warn().Err(err).Str("command", c.Command).Msg("vfd: command failed")
	}
}

// Dispatch executes a single VFD command against the bus. onCommand routes
// every {dev}/vfd/command message through it; it is exported so tests can
// drive it directly.
func (d *Driver) Dispatch(c Command) error {
	switch c.Command {
	case "start":
		return d.sc.WriteRegister(d.slave, RegStartStop, float64(CmdStart), 0, FuncWrite, false)
	case "stop":
		return d.sc.WriteRegister(d.slave, RegStartStop, float64(CmdStop), 0, FuncWrite, false)
	case "set_frequency":
		if c.Parameter == nil {
			return fmt.Errorf("vfd: set_frequency missing parameter")
		}
		return d.sc.WriteRegister(d.slave, RegSetFrequency, *c.Parameter, FrequencyDecimals, FuncWrite, false)
	case "emergency_stop":
		return d.EmergencyStop()
	default:
		return fmt.Errorf("vfd: unknown command %q", c.Command)
	}
}

// EmergencyStop writes the stop command then polls the speed register until
// it reads 0 at 100 ms cadence, logging completion (spec.md §4.4).
func (d *Driver) EmergencyStop() error {
	if err := d.sc.WriteRegister(d.slave, RegStartStop, float64(CmdStop), 0, FuncWrite, false); err != nil {
		return err
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		v, err := d.ReadFeedback()
		if err != nil {
			d.log.Warn().Err(err).Msg("vfd: emergency_stop feedback read failed, retrying")
			continue
		}
		if v == 0 {
			d.log.Info().Msg("vfd: emergency_stop complete, drive at zero speed")
			return nil
		}
	}
	return nil
}

// ReadFeedback reads the current speed-feedback register and applies the
// same FrequencyDecimals fixed-point scale the write side uses, so the
// returned value is in the same units (Hz) as freq_command.
func (d *Driver) ReadFeedback() (float64, error) {
	v, err := d.sc.ReadRegister(d.slave, RegSpeedFeed, FuncRead)
	if err != nil {
		return 0, err
	}
	scale := 1.0
	for i := 0; i < FrequencyDecimals; i++ {
		scale *= 10
	}
	return float64(v) / scale, nil
}

func (d *Driver) feedbackLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastGood time.Time
	for {
		select {
		case <-d.stopPoll:
			return
		case <-ticker.C:
			v, err := d.ReadFeedback()
			if err != nil {
				d.log.Warn().Err(err).Msg("vfd: feedback read failed")
				if !lastGood.IsZero() && time.Since(lastGood) > 5*time.Second {
					d.log.Warn().Msg("vfd: feedback stale for over 5s")
				}
				continue
			}
			lastGood = time.Now()
			mqttutil.Publish(d.client, d.log, d.feedbackTopic(), 0, false, []byte(fmt.Sprintf("%v", v)))
		}
	}
}
