package coordinator

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is an already-resolved mqtt.Token, letting the fake client avoid
// any real network round trip.
type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

// fakeMessage is a minimal mqtt.Message for synthesizing inbound deliveries
// in tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type publishedMsg struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeClient is an in-memory stand-in for mqtt.Client, recording every
// publish and dispatching deliveries to whichever subscription topic
// (single-level "+" wildcards included) matches.
type fakeClient struct {
	mu          sync.Mutex
	subs        map[string]mqtt.MessageHandler
	published   []publishedMsg
	publishHook func(topic string, payload []byte)
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	f.mu.Lock()
	f.published = append(f.published, publishedMsg{topic: topic, payload: b, retained: retained})
	hook := f.publishHook
	f.mu.Unlock()
	if hook != nil {
		hook(topic, b)
	}
	return fakeToken{}
}

func (f *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	f.subs[topic] = cb
	f.mu.Unlock()
	return fakeToken{}
}

func (f *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (f *fakeClient) Unsubscribe(...string) mqtt.Token                 { return fakeToken{} }
func (f *fakeClient) AddRoute(string, mqtt.MessageHandler)             {}
func (f *fakeClient) IsConnected() bool                                { return true }
func (f *fakeClient) IsConnectionOpen() bool                           { return true }
func (f *fakeClient) Connect() mqtt.Token                              { return fakeToken{} }
func (f *fakeClient) Disconnect(uint)                                  {}
func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader          { return mqtt.ClientOptionsReader{} }

// deliver synthesizes an inbound message on topic, invoking whatever
// subscription (literal or "+"-wildcard) matches it.
func (f *fakeClient) deliver(topic string, payload []byte) {
	f.mu.Lock()
	var handler mqtt.MessageHandler
	for pattern, h := range f.subs {
		if topicMatches(pattern, topic) {
			handler = h
			break
		}
	}
	f.mu.Unlock()
	if handler != nil {
		handler(f, &fakeMessage{topic: topic, payload: payload})
	}
}

// lastPublish returns the most recent publish to topic, if any.
func (f *fakeClient) lastPublish(topic string) (publishedMsg, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].topic == topic {
			return f.published[i], true
		}
	}
	return publishedMsg{}, false
}

func (f *fakeClient) publishesTo(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.published {
		if p.topic == topic {
			n++
		}
	}
	return n
}

func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pParts := strings.Split(pattern, "/")
	tParts := strings.Split(topic, "/")
	if len(pParts) != len(tParts) {
		return false
	}
	for i := range pParts {
		if pParts[i] == "+" {
			continue
		}
		if pParts[i] != tParts[i] {
			return false
		}
	}
	return true
}
