// Package delivery runs the cooperative loop: sample sensors, encode,
// buffer, and on schedule drain buffers through the transport manager.
// Every encoded payload is at any time in exactly one place: memory
// queue, durable queue, or delivered.
package delivery

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/helpers"
	"github.com/sensorsafrica/airnode/internal/sensor"
	"github.com/sensorsafrica/airnode/internal/telemetry"
	"github.com/sensorsafrica/airnode/internal/transport"
	"github.com/sensorsafrica/airnode/internal/types"
	"github.com/sensorsafrica/airnode/log2"
)

const (
	DefaultSampleInterval = 30 * time.Second
	DefaultSendInterval   = 60 * time.Second
	loopTick              = 1 * time.Second
)

var ErrBacklog = errors.New("memory queue full and durable queue unavailable")

// Transport is satisfied by *transport.Manager.
type Transport interface {
	Poll(ctx context.Context)
	Send(ctx context.Context, req *types.Request) error
	Idle(ctx context.Context)
}

type Mirror interface {
	Publish(r telemetry.Reading) error
}

type Config struct {
	Host         string
	Port         int
	Path         string
	SensorID     string // X-Sensor header
	ExtraHeaders []types.Header

	Capacity       int
	SampleInterval time.Duration
	SendInterval   time.Duration
}

type Options struct {
	Config    Config
	Encoder   *telemetry.Encoder
	Durable   *telemetry.DurableQueue
	Audit     *telemetry.AuditLog // optional
	Transport Transport
	Mirror    Mirror // optional
	Sensors   []sensor.Sensor
	Clock     helpers.Clock
	// TimeSource stamps readings, Clock is used when it fails.
	TimeSource func() (time.Time, error)
	// OnCycle runs after every send cycle, used to store counters.
	OnCycle func(CycleStats)
	Log     *log2.Log
}

type CycleStats struct {
	Delivered int
	Deferred  int // appended to durable queue
	Kept      int // left in memory, durable append failed
	GaveUp    bool
	Replay    telemetry.ReplayStat
}

type Pipeline struct {
	config     Config
	encoder    *telemetry.Encoder
	structured *telemetry.MemoryQueue[telemetry.Payload]
	tabular    *telemetry.MemoryQueue[string]
	durable    *telemetry.DurableQueue
	audit      *telemetry.AuditLog
	transport  Transport
	mirror     Mirror
	sensors    []sensor.Sensor
	clock      helpers.Clock
	timeSource func() (time.Time, error)
	onCycle    func(CycleStats)
	log        *log2.Log

	sendNow    bool
	lastSend   time.Time
	lastSample time.Time
}

func New(opt Options) *Pipeline {
	if opt.Durable == nil || opt.Transport == nil {
		panic("code error delivery.New requires Durable and Transport")
	}
	c := opt.Config
	if c.SampleInterval == 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.SendInterval == 0 {
		c.SendInterval = DefaultSendInterval
	}
	if opt.Clock == nil {
		opt.Clock = helpers.SystemClock{}
	}
	if opt.Encoder == nil {
		opt.Encoder = &telemetry.Encoder{}
	}
	self := &Pipeline{
		config:     c,
		encoder:    opt.Encoder,
		structured: telemetry.NewMemoryQueue[telemetry.Payload](c.Capacity),
		tabular:    telemetry.NewMemoryQueue[string](c.Capacity),
		durable:    opt.Durable,
		audit:      opt.Audit,
		transport:  opt.Transport,
		mirror:     opt.Mirror,
		sensors:    opt.Sensors,
		clock:      opt.Clock,
		timeSource: opt.TimeSource,
		onCycle:    opt.OnCycle,
		log:        opt.Log,
	}
	self.lastSend = self.clock.Now()
	return self
}

// Pending is number of payloads waiting in memory.
func (self *Pipeline) Pending() int { return self.structured.Len() }

// Ingest encodes reading both ways. Data errors reject the reading.
// ErrBacklog means memory is full and spill to durable queue failed,
// the reading was not accepted.
func (self *Pipeline) Ingest(r telemetry.Reading) error {
	p, err := self.encoder.Structured(r)
	if err != nil {
		return errors.Annotate(err, "delivery ingest")
	}
	row, err := self.encoder.Tabular(r)
	if err != nil {
		return errors.Annotate(err, "delivery ingest")
	}

	if self.structured.Full() {
		if err := self.spill(); err != nil {
			return errors.Annotatef(errors.Wrap(err, ErrBacklog), "spill err=%v", err)
		}
	}
	self.structured.Push(p)
	if self.structured.Full() {
		self.log.Debugf("delivery memory queue full, send due now")
		self.sendNow = true
	}

	self.tabular.Push(row)
	if self.tabular.Full() {
		self.flushAudit()
	}

	if self.mirror != nil {
		if err := self.mirror.Publish(r); err != nil {
			self.log.Errorf("delivery mirror err=%v", err)
		}
	}
	return nil
}

// spill moves memory queue to durable queue, stops at first append failure.
func (self *Pipeline) spill() error {
	n := 0
	for {
		p, ok := self.structured.Front()
		if !ok {
			break
		}
		if err := self.durable.Append(p); err != nil {
			if n > 0 {
				self.log.Infof("delivery spilled=%d to durable queue", n)
			}
			if self.structured.Full() {
				return err
			}
			self.log.Errorf("delivery spill stopped err=%v", err)
			return nil
		}
		self.structured.Pop()
		n++
	}
	self.log.Infof("delivery spilled=%d to durable queue", n)
	return nil
}

func (self *Pipeline) flushAudit() {
	rows := self.tabular.Drain()
	if self.audit == nil || len(rows) == 0 {
		return
	}
	if err := self.audit.Append(self.clock.Now(), rows); err != nil {
		self.log.Errorf("delivery audit rows=%d err=%v", len(rows), err)
	}
}

func (self *Pipeline) Due(now time.Time) bool {
	return self.sendNow || now.Sub(self.lastSend) >= self.config.SendInterval
}

func (self *Pipeline) request(pin int, body []byte) *types.Request {
	headers := make([]types.Header, 0, 3+len(self.config.ExtraHeaders))
	headers = append(headers,
		types.Header{Name: "X-PIN", Value: strconv.Itoa(pin)},
		types.Header{Name: "X-Sensor", Value: self.config.SensorID},
		types.Header{Name: "Content-Type", Value: "application/json"},
	)
	headers = append(headers, self.config.ExtraHeaders...)
	return &types.Request{
		Host:    self.config.Host,
		Port:    self.config.Port,
		Path:    self.config.Path,
		Headers: headers,
		Body:    body,
	}
}

// Cycle drains memory queue through transport, failures go to durable
// queue, then durable queue is replayed, then links go idle.
func (self *Pipeline) Cycle(ctx context.Context) CycleStats {
	var stats CycleStats
	self.flushAudit()

	for {
		p, ok := self.structured.Pop()
		if !ok {
			break
		}
		err := self.transport.Send(ctx, self.request(p.Pin, p.Body))
		if err == nil {
			stats.Delivered++
			continue
		}
		if errors.Cause(err) == transport.ErrGaveUp {
			stats.GaveUp = true
		}
		if errAppend := self.durable.Append(p); errAppend != nil {
			self.log.Errorf("delivery durable append err=%v, keep in memory", errAppend)
			self.structured.PushFront(p)
			stats.Kept = self.structured.Len()
			break
		}
		stats.Deferred++
	}

	if stats.GaveUp {
		self.log.Infof("delivery transports gave up, skip durable replay")
	} else if ctx.Err() == nil {
		rs, err := self.durable.Replay(ctx, func(p telemetry.Payload) error {
			err := self.transport.Send(ctx, self.request(p.Pin, p.Body))
			if errors.Cause(err) == transport.ErrGaveUp {
				stats.GaveUp = true
			}
			return err
		})
		stats.Replay = rs
		if err != nil {
			self.log.Errorf("delivery durable replay err=%v", err)
		}
	}

	self.transport.Idle(ctx)
	self.lastSend = self.clock.Now()
	self.sendNow = false
	self.log.Infof("delivery cycle delivered=%d deferred=%d kept=%d replayed=%d gaveup=%t",
		stats.Delivered, stats.Deferred, stats.Kept, stats.Replay.Delivered, stats.GaveUp)
	if self.onCycle != nil {
		self.onCycle(stats)
	}
	return stats
}

func (self *Pipeline) now() time.Time {
	if self.timeSource != nil {
		t, err := self.timeSource()
		if err == nil {
			return t
		}
		self.log.Debugf("delivery time source err=%v, using system clock", err)
	}
	return self.clock.Now()
}

// Sample reads every sensor once. Sensor failures are logged, never fatal.
func (self *Pipeline) Sample(ctx context.Context) {
	self.lastSample = self.clock.Now()
	for _, s := range self.sensors {
		vs, err := s.Read(ctx)
		if err != nil {
			self.log.Errorf("delivery sensor kind=%s err=%v", s.Kind(), err)
			continue
		}
		r := telemetry.NewReading(self.now(), s.Kind(), s.Pin(), vs)
		if err := self.Ingest(r); err != nil {
			self.log.Errorf("delivery sensor kind=%s err=%v", s.Kind(), err)
		}
	}
}

// Step is one iteration of Run.
func (self *Pipeline) Step(ctx context.Context) {
	now := self.clock.Now()
	if self.lastSample.IsZero() || now.Sub(self.lastSample) >= self.config.SampleInterval {
		self.Sample(ctx)
	}
	self.transport.Poll(ctx)
	if self.Due(self.clock.Now()) {
		self.Cycle(ctx)
	}
}

// Run loops until ctx is done. Memory queue is spilled to durable
// queue on exit so nothing waits in RAM across restart.
func (self *Pipeline) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		self.Step(ctx)
		self.clock.Sleep(loopTick)
	}
	if self.structured.Len() != 0 {
		if err := self.spill(); err != nil {
			return errors.Annotate(err, "delivery shutdown spill")
		}
	}
	self.flushAudit()
	return nil
}
