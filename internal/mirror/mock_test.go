package mirror

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type mockMsg struct {
	topic   string
	qos     byte
	payload []byte
}

// mqttMock is paho client which accepts or fails publishes by script.
type mqttMock struct {
	sync.Mutex
	fail    func(n int) error
	calls   int
	offline bool
	pub     chan mockMsg
}

func newMqttMock() *mqttMock {
	return &mqttMock{pub: make(chan mockMsg, 32)}
}

func (self *mqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	self.Lock()
	n := self.calls
	self.calls++
	fail := self.fail
	self.Unlock()
	if fail != nil {
		if err := fail(n); err != nil {
			return mockToken{err}
		}
	}
	self.pub <- mockMsg{topic: topic, qos: qos, payload: payload.([]byte)}
	return mockToken{nil}
}

func (self *mqttMock) Calls() int {
	self.Lock()
	defer self.Unlock()
	return self.calls
}

func (self *mqttMock) SetOffline(v bool) {
	self.Lock()
	self.offline = v
	self.Unlock()
}

func (self *mqttMock) IsConnectionOpen() bool {
	self.Lock()
	defer self.Unlock()
	return !self.offline
}

func (self *mqttMock) Disconnect(uint)     {}
func (self *mqttMock) IsConnected() bool   { return true }
func (self *mqttMock) Connect() mqtt.Token { return mockToken{nil} }
func (self *mqttMock) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *mqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *mqttMock) Unsubscribe(...string) mqtt.Token        { panic("not implemented") }
func (self *mqttMock) AddRoute(string, mqtt.MessageHandler)    { panic("not implemented") }
func (self *mqttMock) OptionsReader() mqtt.ClientOptionsReader { panic("not implemented") }

type mockToken struct{ error }

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return true }
func (tok mockToken) WaitTimeout(time.Duration) bool { return true }
func (tok mockToken) Done() <-chan struct{}          { return closedChan }

var closedChan = func() chan struct{} { ch := make(chan struct{}); close(ch); return ch }()
