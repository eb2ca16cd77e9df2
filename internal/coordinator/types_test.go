package coordinator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }
func iptr(v int) *int        { return &v }

func TestValidateRejectsNonStartCommand(t *testing.T) {
	uc := UserCommand{Command: "stop"}
	require.Error(t, uc.Validate())
}

func TestValidateManualRequiresSetpointAndHoldtime(t *testing.T) {
	uc := UserCommand{Command: "start", Mode: ModeManual}
	require.Error(t, uc.Validate())

	uc.Setpoint = ptr(10)
	require.Error(t, uc.Validate())

	uc.HoldTimeS = ptr(5)
	require.NoError(t, uc.Validate())
}

func TestValidateCyclicRequiresPositiveNegativeCycles(t *testing.T) {
	uc := UserCommand{Command: "start", Mode: ModeCyclic, Positive: ptr(5), Negative: ptr(-5)}
	require.Error(t, uc.Validate())

	uc.Cycles = iptr(3)
	require.NoError(t, uc.Validate())
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	uc := UserCommand{Command: "start", Mode: "bogus"}
	require.Error(t, uc.Validate())
}

func TestRawCommandRoundTrips(t *testing.T) {
	uc := UserCommand{Command: "start", Mode: ModeCyclic, Positive: ptr(1), Negative: ptr(-1), Cycles: iptr(2)}
	raw := rawCommand(uc)
	require.NotEmpty(t, raw)

	var back UserCommand
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, uc, back)
}
