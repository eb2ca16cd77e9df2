package vfd

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// writeCall records one WriteRegister invocation observed by fakeBus.
type writeCall struct {
	slave    byte
	reg      uint16
	value    float64
	decimals int
	fc       int
	signed   bool
}

// fakeBus is a hand-written Bus double (SPEC_FULL.md §A.4's "fakes for ...
// the Modbus transport"): it records every write VD issues and lets tests
// script the speed-feedback register without a physical drive.
type fakeBus struct {
	mu      sync.Mutex
	writes  []writeCall
	reads   map[uint16]uint16
	readErr error
}

func newFakeBus() *fakeBus {
	return &fakeBus{reads: make(map[uint16]uint16)}
}

func (b *fakeBus) WriteRegister(slave byte, reg uint16, value float64, decimals, fc int, signed bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, writeCall{slave, reg, value, decimals, fc, signed})
	return nil
}

func (b *fakeBus) ReadRegister(_ byte, reg uint16, _ int) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return 0, b.readErr
	}
	return b.reads[reg], nil
}

func (b *fakeBus) setFeedback(v uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads[RegSpeedFeed] = v
}

func (b *fakeBus) lastWrite() (writeCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.writes) == 0 {
		return writeCall{}, false
	}
	return b.writes[len(b.writes)-1], true
}

func newTestDriver(bus Bus) *Driver {
	return New(bus, 5, nil, "rig1", zerolog.Nop())
}

func TestDispatchStartWritesStartCommand(t *testing.T) {
	bus := newFakeBus()
	d := newTestDriver(bus)

	require.NoError(t, d.Dispatch(Command{Command: "start"}))

	w, ok := bus.lastWrite()
	require.True(t, ok)
	require.Equal(t, byte(5), w.slave)
	require.Equal(t, RegStartStop, w.reg)
	require.Equal(t, float64(CmdStart), w.value)
	require.Equal(t, FuncWrite, w.fc)
}

func TestDispatchStopWritesStopCommand(t *testing.T) {
	bus := newFakeBus()
	d := newTestDriver(bus)

	require.NoError(t, d.Dispatch(Command{Command: "stop"}))

	w, ok := bus.lastWrite()
	require.True(t, ok)
	require.Equal(t, RegStartStop, w.reg)
	require.Equal(t, float64(CmdStop), w.value)
}

func TestDispatchSetFrequencyAppliesDecimals(t *testing.T) {
	bus := newFakeBus()
	d := newTestDriver(bus)
	freq := 42.5

	require.NoError(t, d.Dispatch(Command{Command: "set_frequency", Parameter: &freq}))

	w, ok := bus.lastWrite()
	require.True(t, ok)
	require.Equal(t, RegSetFrequency, w.reg)
	require.Equal(t, freq, w.value)
	require.Equal(t, FrequencyDecimals, w.decimals)
}

func TestDispatchSetFrequencyMissingParameterErrors(t *testing.T) {
	bus := newFakeBus()
	d := newTestDriver(bus)

	require.Error(t, d.Dispatch(Command{Command: "set_frequency"}))
	_, ok := bus.lastWrite()
	require.False(t, ok, "a rejected command must not reach the bus")
}

func TestDispatchUnknownCommandErrors(t *testing.T) {
	bus := newFakeBus()
	d := newTestDriver(bus)

	require.Error(t, d.Dispatch(Command{Command: "bogus"}))
}

// TestReadFeedbackAppliesDecimalScale pins the fixed-point convention that
// pairs the write side's FrequencyDecimals with the feedback read: a raw
// register value of 3050 is 30.50 Hz, the same units set_frequency writes
// in, not centi-Hz.
func TestReadFeedbackAppliesDecimalScale(t *testing.T) {
	bus := newFakeBus()
	bus.setFeedback(3050)
	d := newTestDriver(bus)

	v, err := d.ReadFeedback()
	require.NoError(t, err)
	require.Equal(t, 30.5, v)
}

func TestDispatchEmergencyStopDelegatesToEmergencyStop(t *testing.T) {
	bus := newFakeBus()
	bus.setFeedback(0)
	d := newTestDriver(bus)

	require.NoError(t, d.Dispatch(Command{Command: "emergency_stop"}))

	w, ok := bus.lastWrite()
	require.True(t, ok)
	require.Equal(t, RegStartStop, w.reg)
	require.Equal(t, float64(CmdStop), w.value)
}

// TestEmergencyStopWaitsForZeroFeedback exercises spec.md §4.4: the stop
// command is written immediately, and EmergencyStop only returns once the
// (correctly-scaled) feedback register reads exactly zero.
func TestEmergencyStopWaitsForZeroFeedback(t *testing.T) {
	bus := newFakeBus()
	bus.setFeedback(500) // 5.00 Hz: still spinning
	d := newTestDriver(bus)

	done := make(chan error, 1)
	go func() { done <- d.EmergencyStop() }()

	select {
	case err := <-done:
		t.Fatalf("EmergencyStop returned early (err=%v) while feedback was nonzero", err)
	case <-time.After(150 * time.Millisecond):
	}

	bus.setFeedback(0)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("EmergencyStop did not return once feedback reached zero")
	}

	w, ok := bus.lastWrite()
	require.True(t, ok)
	require.Equal(t, RegStartStop, w.reg)
	require.Equal(t, float64(CmdStop), w.value)
}
