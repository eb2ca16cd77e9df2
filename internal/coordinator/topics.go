package coordinator

import "fmt"

// topics centralizes the {dev}-prefixed MQTT topic names of spec.md §4.1/§6.
type topics struct {
	prefix string
}

func newTopics(deviceID string) topics { return topics{prefix: deviceID} }

func (t topics) command() string        { return t.prefix + "/command" }
func (t topics) resumeCancel() string   { return t.prefix + "/resume_cancel" }
func (t topics) vfdCommand() string     { return t.prefix + "/vfd/command" }
func (t topics) emergencyStop() string  { return t.prefix + "/emergency_stop" }
func (t topics) currentInput() string   { return t.prefix + "/current_input" }
func (t topics) sensor(address int) string {
	return fmt.Sprintf("%s/sensors/%d", t.prefix, address)
}
func (t topics) sensorsWildcard() string { return t.prefix + "/sensors/+" }
func (t topics) valveStatus() string     { return t.prefix + "/valves/status" }
func (t topics) vfdFeedback() string     { return t.prefix + "/vfd/feedback" }

func (t topics) status() string           { return t.prefix + "/status" }
func (t topics) currentTestIndex() string { return t.prefix + "/current_test_index" }
func (t topics) initialValue() string     { return t.prefix + "/initial_value" }
func (t topics) resumeStatus() string     { return t.prefix + "/resume_status" }
func (t topics) valve(name string) string { return t.prefix + "/valves/" + name }
