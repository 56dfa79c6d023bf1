// Package mirror republishes every sampled reading to an MQTT broker
// for local dashboards. It never participates in delivery accounting.
//
// Mirror contract:
// - Publish blocks at most for disk write, broker may be slow or absent
// - readings are delivered at least once, removed from queue only after PUBACK
// - Close stops the worker, undelivered readings stay on disk for next start
package mirror

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/helpers"
	"github.com/sensorsafrica/airnode/internal/telemetry"
	"github.com/sensorsafrica/airnode/log2"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultRetryDelay     = 5 * time.Second
)

type Config struct {
	Enabled           bool   `hcl:"enable"`
	Broker            string `hcl:"broker"`
	ClientID          string `hcl:"client_id"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"`
	Topic             string `hcl:"topic"`
	PersistPath       string `hcl:"persist_path"`
	StorePath         string `hcl:"store_path"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	RetryDelayMs      int    `hcl:"retry_delay_ms"`
	LogDebug          bool   `hcl:"log_debug"`
}

func TopicReadings(clientID string) string { return fmt.Sprintf("airnode/%s/r", clientID) }

type Mirror struct {
	alive      *alive.Alive
	client     mqtt.Client
	log        *log2.Log
	node       string
	q          *spq.Queue
	retryDelay time.Duration
	timeout    time.Duration
	topic      string
}

// New connects in background, network issues are never returned.
func New(config Config, log *log2.Log) (*Mirror, error) {
	if config.Broker == "" {
		return nil, errors.NotValidf("mirror broker empty")
	}
	if config.ClientID == "" {
		return nil, errors.NotValidf("mirror client_id empty")
	}
	mlog := log.Clone(log2.LInfo)
	if config.LogDebug {
		mlog.SetLevel(log2.LDebug)
	}
	mqtt.ERROR = mlog
	mqtt.CRITICAL = mlog
	mqtt.WARN = mlog
	if config.LogDebug {
		mqtt.DEBUG = mlog
	}

	keepAlive := helpers.IntSecondDefault(config.KeepaliveSec, 60*time.Second)
	timeout := helpers.IntSecondDefault(config.NetworkTimeoutSec, DefaultNetworkTimeout)
	store := mqtt.Store(mqtt.NewMemoryStore())
	if config.StorePath != "" {
		store = mqtt.NewFileStore(config.StorePath)
	}
	credFun := func() (string, string) { return config.Username, config.Password }
	mopt := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetCleanSession(config.StorePath == "").
		SetClientID(config.ClientID).
		SetCredentialsProvider(credFun).
		SetKeepAlive(keepAlive).
		SetPingTimeout(timeout).
		SetWriteTimeout(timeout).
		SetConnectTimeout(timeout).
		SetOrderMatters(false).
		SetStore(store).
		SetAutoReconnect(true).
		SetConnectRetryInterval(timeout / 2).
		SetConnectRetry(true).
		SetOnConnectHandler(func(mqtt.Client) { mlog.Infof("mirror mqtt connect") }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { mlog.Infof("mirror mqtt disconnect err=%v", err) })
	client := mqtt.NewClient(mopt)
	if tok := client.Connect(); tok.Error() != nil {
		mlog.Errorf("mirror mqtt connect err=%v", tok.Error())
	}
	return NewWithClient(config, client, mlog)
}

// NewWithClient opens persistent queue and starts delivery worker.
// Test code passes mock client here.
func NewWithClient(config Config, client mqtt.Client, log *log2.Log) (*Mirror, error) {
	if config.PersistPath == "" {
		return nil, errors.NotValidf("mirror persist_path empty")
	}
	q, err := spq.Open(config.PersistPath)
	if err != nil {
		return nil, errors.Annotate(err, "mirror queue")
	}
	topic := config.Topic
	if topic == "" {
		topic = TopicReadings(config.ClientID)
	}
	self := &Mirror{
		alive:      alive.NewAlive(),
		client:     client,
		log:        log,
		node:       config.ClientID,
		q:          q,
		retryDelay: helpers.IntMillisecondDefault(config.RetryDelayMs, DefaultRetryDelay),
		timeout:    helpers.IntSecondDefault(config.NetworkTimeoutSec, DefaultNetworkTimeout),
		topic:      topic,
	}
	self.alive.Add(1)
	go self.worker()
	return self, nil
}

func (self *Mirror) Topic() string { return self.topic }

// Publish queues reading on disk, delivery happens in background.
func (self *Mirror) Publish(r telemetry.Reading) error {
	values := r.Values()
	pb := &Reading{
		Node:   self.node,
		Kind:   r.Kind(),
		Pin:    int32(r.Pin()),
		Time:   r.Time().UnixNano(),
		Values: make([]*Reading_Value, len(values)),
	}
	for i, v := range values {
		pb.Values[i] = &Reading_Value{Type: v.Type, Value: v.Value}
	}
	b, err := proto.Marshal(pb)
	if err != nil {
		return errors.Annotate(err, "mirror encode")
	}
	return errors.Annotate(self.q.Push(b), "mirror queue push")
}

func (self *Mirror) Close() error {
	self.alive.Stop()
	err := self.q.Close()
	self.alive.Wait()
	self.client.Disconnect(uint(self.timeout / time.Millisecond / 10))
	return errors.Annotate(err, "mirror close")
}

func (self *Mirror) worker() {
	defer self.alive.Done()
	for {
		box, err := self.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			if err = self.send(b); err == nil {
				if err = self.q.Delete(box); err != nil {
					self.log.Errorf("mirror queue delete err=%v", err)
				}
				continue
			}
			if errors.IsNotValid(err) {
				self.log.Errorf("mirror drop b=%x err=%v", b, err)
				if err = self.q.Delete(box); err != nil {
					self.log.Errorf("mirror queue delete err=%v", err)
				}
				continue
			}
			self.log.Debugf("mirror publish err=%v, retry in %v", err, self.retryDelay)
			if err = self.q.DeletePush(box); err != nil {
				self.log.Errorf("mirror queue requeue err=%v", err)
			}
			select {
			case <-self.alive.StopChan():
				return
			case <-time.After(self.retryDelay):
			}

		case spq.ErrClosed:
			if self.alive.IsRunning() {
				self.log.Errorf("CRITICAL mirror queue closed unexpectedly")
			}
			return

		default:
			self.log.Errorf("CRITICAL mirror queue err=%v", err)
			select {
			case <-self.alive.StopChan():
				return
			case <-time.After(self.retryDelay):
			}
		}
	}
}

// send returns nil only after broker acknowledged QoS 1 publish.
// Nothing is handed to paho until connection is open: clean session
// connect wipes in-flight store and such publish waits full timeout.
func (self *Mirror) send(b []byte) error {
	var pb Reading
	if err := proto.Unmarshal(b, &pb); err != nil {
		return errors.NewNotValid(err, "mirror decode")
	}
	if !self.client.IsConnectionOpen() {
		return errors.Errorf("mirror mqtt not connected")
	}
	tok := self.client.Publish(self.topic, 1, false, b)
	if !tok.WaitTimeout(self.timeout) {
		return errors.Timeoutf("mirror publish topic=%s", self.topic)
	}
	return errors.Annotatef(tok.Error(), "mirror publish topic=%s", self.topic)
}
