package coordinator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotSensorValueRoundTrips(t *testing.T) {
	s := NewSnapshot()
	_, ok := s.SensorValue(7)
	require.False(t, ok)

	s.SetSensorValue(7, 42.5)
	v, ok := s.SensorValue(7)
	require.True(t, ok)
	require.Equal(t, 42.5, v)
}

func TestSnapshotValveStatusMapMerges(t *testing.T) {
	s := NewSnapshot()
	s.SetValveStatus("v1", 1)
	s.SetValveStatusMap(map[string]int{"v2": 0, "v3": 1})

	v1, ok := s.ValveStatus("v1")
	require.True(t, ok)
	require.Equal(t, 1, v1)

	v2, ok := s.ValveStatus("v2")
	require.True(t, ok)
	require.Equal(t, 0, v2)
}

func TestSnapshotForceStopVisibleAcrossGoroutines(t *testing.T) {
	s := NewSnapshot()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.SetForceStop(true)
	}()
	wg.Wait()
	require.True(t, s.ForceStop())
}

func TestSnapshotStatusDefaultsEmpty(t *testing.T) {
	s := NewSnapshot()
	require.Equal(t, "", s.Status())
	s.SetStatus("idle")
	require.Equal(t, "idle", s.Status())
}

func TestSnapshotExitFlag(t *testing.T) {
	s := NewSnapshot()
	require.False(t, s.Exit())
	s.SetExit(true)
	require.True(t, s.Exit())
}
