package coordinator

import "sync"

// Snapshot is the shared telemetry record of spec.md §3: updated by the
// network thread (and the worker, for status/force_stop) a field at a time
// under a short-lived lock, and read by every other thread under the same
// lock as a point-in-time copy (spec.md §9 design note (b)).
type Snapshot struct {
	mu sync.Mutex

	sensorValues map[int]float64
	valveStatus  map[string]int
	vfdFeedback  float64
	freqCommand  float64
	currentState string
	forceStop    bool
	exit         bool
}

// NewSnapshot returns an empty, ready-to-use Snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		sensorValues: make(map[int]float64),
		valveStatus:  make(map[string]int),
	}
}

func (s *Snapshot) SetSensorValue(address int, v float64) {
	s.mu.Lock()
	s.sensorValues[address] = v
	s.mu.Unlock()
}

func (s *Snapshot) SensorValue(address int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sensorValues[address]
	return v, ok
}

func (s *Snapshot) SetValveStatus(name string, v int) {
	s.mu.Lock()
	s.valveStatus[name] = v
	s.mu.Unlock()
}

func (s *Snapshot) SetValveStatusMap(m map[string]int) {
	s.mu.Lock()
	for k, v := range m {
		s.valveStatus[k] = v
	}
	s.mu.Unlock()
}

func (s *Snapshot) ValveStatus(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.valveStatus[name]
	return v, ok
}

func (s *Snapshot) SetVFDFeedback(v float64) {
	s.mu.Lock()
	s.vfdFeedback = v
	s.mu.Unlock()
}

func (s *Snapshot) VFDFeedback() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vfdFeedback
}

func (s *Snapshot) SetFreqCommand(v float64) {
	s.mu.Lock()
	s.freqCommand = v
	s.mu.Unlock()
}

func (s *Snapshot) FreqCommand() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freqCommand
}

func (s *Snapshot) SetStatus(v string) {
	s.mu.Lock()
	s.currentState = v
	s.mu.Unlock()
}

func (s *Snapshot) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentState
}

// SetForceStop sets the cooperative test-abort flag. Every waiting loop in
// the workflow must observe this within one poll tick (spec.md §3
// invariant, §8 property 3: within 200 ms wall time).
func (s *Snapshot) SetForceStop(v bool) {
	s.mu.Lock()
	s.forceStop = v
	s.mu.Unlock()
}

func (s *Snapshot) ForceStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceStop
}

func (s *Snapshot) SetExit(v bool) {
	s.mu.Lock()
	s.exit = v
	s.mu.Unlock()
}

func (s *Snapshot) Exit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit
}
