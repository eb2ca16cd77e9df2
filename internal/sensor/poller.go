// Package sensor implements SP, the sensor sampling surface of spec.md
// §4.5: for each configured sensor, reads its value through SerialCom at
// its configured poll frequency and publishes it to {dev}/sensors/{address}.
package sensor

import (
	"fmt"
	"math"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sioux-steel-solutions/pressure-rig-core/internal/config"
	"github.com/sioux-steel-solutions/pressure-rig-core/internal/mqttutil"
	"github.com/sioux-steel-solutions/pressure-rig-core/internal/serialcom"
)

// Register map, spec.md §3/§6.
const (
	PressureReg      uint16  = 1028
	PressureRegCount uint16  = 2
	PressureScale    float64 = 144.0

	FlowReg      uint16  = 0x0424
	FlowRegCount uint16  = 2
	FlowScale    float64 = 1.0 / 10000.0
)

// Poller is SP.
type Poller struct {
	sc      *serialcom.SerialCom
	client  mqtt.Client
	topic   string // {dev}
	ambient *Ambient
	log     zerolog.Logger

	stop chan struct{}
}

// NewPoller returns a Poller publishing under topicPrefix.
func NewPoller(sc *serialcom.SerialCom, client mqtt.Client, topicPrefix string, log zerolog.Logger) *Poller {
	return &Poller{
		sc:      sc,
		client:  client,
		topic:   topicPrefix,
		ambient: NewAmbient(),
		log:     log,
		stop:    make(chan struct{}),
	}
}

// Start launches one polling goroutine per configured sensor, plus (for any
// flow sensor) subscriptions to its ambient-override topics.
func (p *Poller) Start(sensors []config.Sensor) error {
	for _, s := range sensors {
		if s.Type == "flow" {
			if err := p.subscribeAmbient(s); err != nil {
				return err
			}
		}
		go p.pollLoop(s)
	}
	return nil
}

// Close stops all polling loops.
func (p *Poller) Close() { close(p.stop) }

func (p *Poller) subscribeAmbient(s config.Sensor) error {
	if t := s.AmbientPressureTopic; t != "" {
		if err := mqttutil.Subscribe(p.client, t, 0, func(_ mqtt.Client, msg mqtt.Message) {
			if v, err := strconv.ParseFloat(string(msg.Payload()), 64); err == nil {
				p.ambient.SetPressure(v)
			}
		}); err != nil {
			return err
		}
	}
	if t := s.AmbientHumidityTopic; t != "" {
		if err := mqttutil.Subscribe(p.client, t, 0, func(_ mqtt.Client, msg mqtt.Message) {
			if v, err := strconv.ParseFloat(string(msg.Payload()), 64); err == nil {
				p.ambient.SetHumidity(v)
			}
		}); err != nil {
			return err
		}
	}
	if t := s.AmbientTemperatureTopic; t != "" {
		if err := mqttutil.Subscribe(p.client, t, 0, func(_ mqtt.Client, msg mqtt.Message) {
			if v, err := strconv.ParseFloat(string(msg.Payload()), 64); err == nil {
				p.ambient.SetTemperature(v)
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) pollLoop(s config.Sensor) {
	ticker := time.NewTicker(s.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.poll(s)
		}
	}
}

func (p *Poller) poll(s config.Sensor) {
	slave := byte(s.SlaveAddress)

	var value float64
	switch s.Type {
	case "pressure":
		raw, err := p.sc.ReadFloat(slave, PressureReg, PressureRegCount)
		if err != nil {
			p.log.Warn().Err(err).Str("sensor", s.Name).Msg("pressure read failed")
			return
		}
		value = raw * PressureScale
		if s.Debug {
			p.log.Debug().Str("sensor", s.Name).Float64("raw", raw).Msg("pressure raw register")
		}
	case "flow":
		raw, err := p.sc.ReadInt(slave, FlowReg, FlowRegCount)
		if err != nil {
			p.log.Warn().Err(err).Str("sensor", s.Name).Msg("flow read failed")
			return
		}
		deltaP := float64(raw) * FlowScale
		pAmb, tAmb, phiAmb := p.ambient.Snapshot()
		value = VolumetricFlow(deltaP, pAmb, tAmb, phiAmb)
		if s.Debug {
			p.log.Debug().Str("sensor", s.Name).Uint64("raw", raw).Float64("deltaP", deltaP).Msg("flow raw register")
		}
	default:
		p.log.Warn().Str("sensor", s.Name).Str("type", s.Type).Msg("unknown sensor type")
		return
	}

	rounded := math.Floor(value*100) / 100
	topic := fmt.Sprintf("%s/sensors/%d", p.topic, s.SlaveAddress)
	mqttutil.Publish(p.client, p.log, topic, 0, false, []byte(strconv.FormatFloat(rounded, 'f', 2, 64)))
}
