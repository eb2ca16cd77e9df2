// Package mqttutil wraps github.com/eclipse/paho.mqtt.golang with one
// connect/reconnect policy: one long-lived connection, a bounded backoff
// (5 s × N, configurable) for the initial connect before the owning process
// gives up, and paho's automatic reconnect afterwards. The attempt limit
// applies only to the initial connect; after a lost connection paho keeps
// reconnecting with no attempt limit and the process does not exit.
package mqttutil

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sioux-steel-solutions/pressure-rig-core/internal/config"
)

// Connect builds and connects an MQTT client, retrying up to cfg.Attempts()
// times with cfg.Backoff() between attempts. It returns an error only after
// every attempt is exhausted; callers (both process mains) treat that as
// fatal per spec.md §7 "MQTT disconnect ... on exhaustion exit process".
func Connect(cfg config.MQTT, clientID string, log zerolog.Logger, onConnectionLost mqtt.ConnectionLostHandler) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(cfg.Backoff()).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if onConnectionLost != nil {
		opts.SetConnectionLostHandler(onConnectionLost)
	}

	client := mqtt.NewClient(opts)

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts(); attempt++ {
		tok := client.Connect()
		if tok.WaitTimeout(10*time.Second) && tok.Error() == nil {
			log.Info().Str("broker", cfg.BrokerURL()).Int("attempt", attempt).Msg("mqtt connected")
			return client, nil
		}
		lastErr = tok.Error()
		log.Warn().Err(lastErr).Int("attempt", attempt).Int("max", cfg.Attempts()).Msg("mqtt connect failed, backing off")
		if attempt < cfg.Attempts() {
			time.Sleep(cfg.Backoff())
		}
	}
	return nil, fmt.Errorf("mqtt connect to %s exhausted %d attempts: %w", cfg.BrokerURL(), cfg.Attempts(), lastErr)
}

// Publish is a thin wrapper over client.Publish that returns without
// waiting: a background goroutine waits on the token and logs (not panics)
// on token error, matching the teacher's best-effort publish style.
func Publish(client mqtt.Client, log zerolog.Logger, topic string, qos byte, retained bool, payload []byte) {
	tok := client.Publish(topic, qos, retained, payload)
	go func() {
		tok.Wait()
		if err := tok.Error(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		}
	}()
}

// Subscribe registers handler for topic with the given QoS, fataling the
// caller only by returning an error — both process mains treat a failed
// initial subscribe as fatal startup state.
func Subscribe(client mqtt.Client, topic string, qos byte, handler mqtt.MessageHandler) error {
	tok := client.Subscribe(topic, qos, handler)
	if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, tok.Error())
	}
	return nil
}
