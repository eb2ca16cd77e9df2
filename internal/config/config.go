// Package config loads the rig's JSON configuration file (spec.md §6) into
// typed records shared by both the serialservice and statemachine
// processes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sioux-steel-solutions/pressure-rig-core/internal/valve"
)

// MQTT holds broker connection parameters.
type MQTT struct {
	BrokerHost string `json:"broker_host"`
	BrokerPort int    `json:"broker_port"`
	Username   string `json:"username"`
	Password   string `json:"password"`

	// ReconnectBackoffSeconds and ReconnectAttempts resolve spec.md §9's
	// retry-policy open question: one configurable 5s-by-default backoff, N
	// initial connect attempts before the process exits. They govern the
	// initial connect only; reconnects after a lost connection are not
	// limited by them.
	ReconnectBackoffSeconds int `json:"reconnect_backoff_seconds"`
	ReconnectAttempts       int `json:"reconnect_attempts"`
}

func (m MQTT) Backoff() time.Duration {
	if m.ReconnectBackoffSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(m.ReconnectBackoffSeconds) * time.Second
}

func (m MQTT) Attempts() int {
	if m.ReconnectAttempts <= 0 {
		return 3
	}
	return m.ReconnectAttempts
}

func (m MQTT) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", m.BrokerHost, m.BrokerPort)
}

// Serial holds RS-485/Modbus-RTU framing parameters for SerialCom (§3).
type Serial struct {
	Port                      string `json:"port"`
	BaudRate                  int    `json:"baudrate"`
	ByteSize                  int    `json:"bytesize"`
	Parity                    string `json:"parity"`
	StopBits                  int    `json:"stopbits"`
	TimeoutMS                 int    `json:"timeout"`
	Mode                      string `json:"mode"`
	ClearBuffersBeforeEachTxn bool   `json:"clear_buffers_before_each_transaction"`
	ClosePortAfterEachCall    bool   `json:"close_port_after_each_call"`
}

func (s Serial) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return time.Second
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// VFD holds the VFD's slave address. Register addresses themselves are fixed
// by spec.md §3/§6 and live as constants in internal/vfd.
type VFD struct {
	Address int `json:"address"`
}

// Sensor is the immutable sensor descriptor of spec.md §3.
type Sensor struct {
	Name            string  `json:"name"`
	Type            string  `json:"type"` // "pressure" | "flow"
	SlaveAddress    int     `json:"slave_address"`
	PollFrequencyHz float64 `json:"poll_frequency_hz"`
	Debug           bool    `json:"debug,omitempty"`

	// Flow-only fields.
	AmbientPressureTopic    string `json:"ambient_pressure_topic,omitempty"`
	AmbientHumidityTopic    string `json:"ambient_humidity_topic,omitempty"`
	AmbientTemperatureTopic string `json:"ambient_temperature_topic,omitempty"`
}

func (s Sensor) PollInterval() time.Duration {
	if s.PollFrequencyHz <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / s.PollFrequencyHz)
}

// ValveConfig is the on-disk form of a valve descriptor (spec.md §3): a name
// plus a list of role tag strings, validated and converted to
// valve.Descriptor by Config.Valves().
type ValveConfig struct {
	Name string   `json:"name"`
	Role []string `json:"role"`
}

// Config is the full rig configuration (spec.md §6).
type Config struct {
	DeviceID string        `json:"device_id"`
	MQTT     MQTT          `json:"mqtt"`
	Serial   Serial        `json:"serial"`
	VFD      VFD           `json:"vfd"`
	Sensors  []Sensor      `json:"sensors"`
	Valves   []ValveConfig `json:"valves"`

	// JournalPath is the on-disk resume journal (spec.md §4.6). Defaults to
	// "variables.json" per spec.md §6's "by convention" note.
	JournalPath string `json:"journal_path"`

	// LogFile, when set, enables the rotating log sink (spec.md §7).
	LogFile string `json:"log_file"`
}

// JournalPathOrDefault returns the configured journal path, defaulting to
// variables.json.
func (c Config) JournalPathOrDefault() string {
	if c.JournalPath == "" {
		return "variables.json"
	}
	return c.JournalPath
}

// Valves converts the config's ValveConfig list into validated
// valve.Descriptor values, rejecting unknown role tags.
func (c Config) Valves() ([]valve.Descriptor, error) {
	out := make([]valve.Descriptor, 0, len(c.Valves))
	for _, vc := range c.Valves {
		tags, err := valve.ParseTags(vc.Role)
		if err != nil {
			return nil, fmt.Errorf("valve %q: %w", vc.Name, err)
		}
		out = append(out, valve.Descriptor{Name: vc.Name, Roles: tags})
	}
	return out, nil
}

// Load reads and parses the config file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}
