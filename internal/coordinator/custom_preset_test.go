package coordinator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestBeginTestWiresCustomPresetIntoCurrentInputs exercises SPEC_FULL.md
// §C.1: a start command's optional custom_preset must survive into the
// journal's current_inputs blob in manual mode, not just round-trip through
// the cyclic command blob.
func TestBeginTestWiresCustomPresetIntoCurrentInputs(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	c.snap.SetSensorValue(1, 10)

	preset := "preset-a"
	uc := UserCommand{
		Command: "start", Mode: ModeManual, SensorID: 1,
		Setpoint: ptrF(50), HoldTimeS: ptrF(1), CustomPreset: &preset,
	}
	c.beginTest(uc)

	rec := c.j.Load()
	var inputs map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.CurrentInputs, &inputs))
	var got string
	require.NoError(t, json.Unmarshal(inputs["custom_preset"], &got))
	require.Equal(t, preset, got)
}

// TestBeginTestCustomPresetPreservesExistingCurrentInputs confirms the merge
// is additive: a custom_preset written after /current_input has already
// populated the blob must not clobber the other keys in it.
func TestBeginTestCustomPresetPreservesExistingCurrentInputs(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	c.snap.SetSensorValue(1, 10)

	rec := c.j.Load()
	rec.CurrentInputs = []byte(`{"other_field":42}`)
	c.j.Save(rec)

	preset := "preset-b"
	uc := UserCommand{
		Command: "start", Mode: ModeManual, SensorID: 1,
		Setpoint: ptrF(50), HoldTimeS: ptrF(1), CustomPreset: &preset,
	}
	c.beginTest(uc)

	var inputs map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(c.j.Load().CurrentInputs, &inputs))
	var other int
	require.NoError(t, json.Unmarshal(inputs["other_field"], &other))
	require.Equal(t, 42, other)
	var got string
	require.NoError(t, json.Unmarshal(inputs["custom_preset"], &got))
	require.Equal(t, preset, got)
}

// TestBeginTestWithoutCustomPresetLeavesCurrentInputsUntouched confirms the
// nil case: beginTest must not invent a current_inputs blob when the start
// command carries no custom_preset.
func TestBeginTestWithoutCustomPresetLeavesCurrentInputsUntouched(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	c.snap.SetSensorValue(1, 10)

	uc := UserCommand{
		Command: "start", Mode: ModeManual, SensorID: 1,
		Setpoint: ptrF(50), HoldTimeS: ptrF(1),
	}
	c.beginTest(uc)

	require.Empty(t, c.j.Load().CurrentInputs)
}
