package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/helpers"
	"github.com/sensorsafrica/airnode/helpers/atomic_clock"
	"github.com/sensorsafrica/airnode/internal/types"
	"github.com/sensorsafrica/airnode/log2"
)

const (
	MinProbeInterval        = 60 * time.Second
	DefaultBackoffMin       = 30 * time.Second
	DefaultBackoffMax       = 30 * time.Minute
	DefaultMaxRetryAttempts = 5
)

type Config struct {
	Priority         Kind
	ProbeInterval    time.Duration
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	MaxRetryAttempts uint8
}

// Counters survive restarts through persist.
type Counters struct {
	StationSent    uint32 `json:"station_sent"`
	StationFailed  uint32 `json:"station_failed"`
	CellularSent   uint32 `json:"cellular_sent"`
	CellularFailed uint32 `json:"cellular_failed"`
	Fallbacks      uint32 `json:"fallbacks"`
	GiveUps        uint32 `json:"give_ups"`
}

func (self *Counters) MarshalBinary() ([]byte, error) { return json.Marshal(self) }
func (self *Counters) UnmarshalBinary(b []byte) error {
	return errors.Annotate(json.Unmarshal(b, self), "transport counters")
}

type entry struct {
	link        Link
	reachable   bool
	failures    uint8
	backoff     helpers.Backoff
	lastSuccess atomic_clock.Clock
}

// Manager owns LinkState of both transports. Not safe for concurrent use
// except LastSuccess, the delivery loop is the only caller.
type Manager struct {
	config    Config
	clock     helpers.Clock
	log       *log2.Log
	links     [3]*entry // index by Kind
	lastProbe time.Time
	gaveUp    bool
	counters  Counters
}

func NewManager(config Config, clock helpers.Clock, log *log2.Log, links ...Link) *Manager {
	if config.ProbeInterval < MinProbeInterval {
		config.ProbeInterval = MinProbeInterval
	}
	if config.BackoffMin == 0 {
		config.BackoffMin = DefaultBackoffMin
	}
	if config.BackoffMax == 0 {
		config.BackoffMax = DefaultBackoffMax
	}
	if config.MaxRetryAttempts == 0 {
		config.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if clock == nil {
		clock = helpers.SystemClock{}
	}
	self := &Manager{config: config, clock: clock, log: log}
	for _, l := range links {
		if l == nil {
			continue
		}
		k := l.Kind()
		if k == KindNone || int(k) >= len(self.links) {
			panic("code error transport link kind=" + k.String())
		}
		self.links[k] = &entry{
			link:    l,
			backoff: helpers.Backoff{Clock: clock, Min: config.BackoffMin, Max: config.BackoffMax, K: 2, Res: time.Second},
		}
	}
	if self.config.Priority == KindNone || self.links[self.config.Priority] == nil {
		self.config.Priority = self.other(KindNone)
	}
	return self
}

func (self *Manager) Counters() Counters         { return self.counters }
func (self *Manager) RestoreCounters(c Counters) { self.counters = c }
func (self *Manager) CountersStater() *Counters  { return &self.counters }
func (self *Manager) GaveUp() bool               { return self.gaveUp }

func (self *Manager) Link(k Kind) Link {
	if e := self.get(k); e != nil {
		return e.link
	}
	return nil
}

// LastSuccess is safe to call from any goroutine.
func (self *Manager) LastSuccess() time.Time {
	var t time.Time
	for _, e := range self.links {
		if e != nil {
			if ls := e.lastSuccess.Time(); ls.After(t) {
				t = ls
			}
		}
	}
	return t
}

func (self *Manager) get(k Kind) *entry {
	if int(k) >= len(self.links) {
		return nil
	}
	return self.links[k]
}

// other returns present transport that is not k.
func (self *Manager) other(k Kind) Kind {
	for _, c := range []Kind{KindStation, KindCellular} {
		if c != k && self.links[c] != nil {
			return c
		}
	}
	return KindNone
}

// Preference is the priority transport if reachable, else the other if reachable.
func (self *Manager) Preference() Kind {
	if self.gaveUp {
		return KindNone
	}
	p := self.config.Priority
	if e := self.get(p); e != nil && e.reachable {
		return p
	}
	o := self.other(p)
	if e := self.get(o); e != nil && e.reachable {
		return o
	}
	return KindNone
}

// Poll probes links when ProbeInterval elapsed since the last probe.
func (self *Manager) Poll(ctx context.Context) {
	now := self.clock.Now()
	if !self.lastProbe.IsZero() && now.Sub(self.lastProbe) < self.config.ProbeInterval {
		return
	}
	self.Probe(ctx)
}

// Probe runs reachability check on every present link now.
// A link that failed to send stays unreachable until its backoff elapsed,
// even if the probe passes: probe sees the network, not the endpoint.
// In give-up state an unreachable link also gets a reconnect attempt
// when its backoff elapsed, so a link without cheap probe can recover.
func (self *Manager) Probe(ctx context.Context) {
	self.lastProbe = self.clock.Now()
	for _, e := range self.links {
		if e == nil {
			continue
		}
		k := e.link.Kind()
		ok := e.link.Probe(ctx)
		if ok && !self.gaveUp && e.failures > 0 && !e.backoff.Ready() {
			self.log.Debugf("transport %s probe ok, retry in %v", k, e.backoff.Remaining())
			ok = false
		}
		if !ok && self.gaveUp && e.backoff.Ready() {
			e.backoff.Attempt()
			if err := e.link.Reconnect(ctx); err != nil {
				self.log.Debugf("transport %s recovery reconnect err=%v", k, err)
				e.backoff.Failure()
			} else {
				ok = true
			}
		}
		if ok != e.reachable {
			self.log.Infof("transport %s reachable=%t", k, ok)
		}
		e.reachable = ok
		if ok && self.gaveUp {
			self.gaveUp = false
			self.log.Infof("transport %s probe ok, resume delivery", k)
		}
	}
}

// Send tries reachable transports in preference order, then reconnects
// unreachable ones whose backoff elapsed. Returns ErrGaveUp without I/O
// in give-up state.
func (self *Manager) Send(ctx context.Context, req *types.Request) error {
	if self.gaveUp {
		return ErrGaveUp
	}
	order := []Kind{self.config.Priority, self.other(self.config.Priority)}
	var errs []error
	attempted := 0
	for _, k := range order {
		e := self.get(k)
		if e == nil || !e.reachable {
			continue
		}
		if attempted > 0 {
			self.counters.Fallbacks++
			self.log.Infof("transport fallback to %s", k)
		}
		attempted++
		err := self.attempt(ctx, e, req)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	for _, k := range order {
		e := self.get(k)
		if e == nil || e.reachable {
			continue
		}
		if !e.backoff.Ready() {
			self.log.Debugf("transport %s reconnect in %v", k, e.backoff.Remaining())
			continue
		}
		if attempted > 0 {
			self.counters.Fallbacks++
		}
		attempted++
		e.backoff.Attempt()
		if err := e.link.Reconnect(ctx); err != nil {
			self.failure(e, err)
			errs = append(errs, errors.Annotatef(err, "transport %s reconnect", k))
			continue
		}
		e.reachable = true
		err := self.attempt(ctx, e, req)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if attempted == 0 {
		return ErrNoTransport
	}
	err := errs[0]
	if len(errs) > 1 {
		err = helpers.FoldErrors(errs)
	}
	if self.checkGiveUp() {
		return errors.Annotate(ErrGaveUp, err.Error())
	}
	return err
}

func (self *Manager) attempt(ctx context.Context, e *entry, req *types.Request) error {
	k := e.link.Kind()
	err := e.link.Send(ctx, req)
	if err != nil {
		self.failure(e, err)
		return errors.Annotatef(err, "transport %s send", k)
	}
	e.failures = 0
	e.backoff.Reset()
	e.lastSuccess.SetTime(self.clock.Now())
	switch k {
	case KindStation:
		self.counters.StationSent++
	case KindCellular:
		self.counters.CellularSent++
	}
	return nil
}

func (self *Manager) failure(e *entry, err error) {
	k := e.link.Kind()
	if e.failures < 255 {
		e.failures++
	}
	e.backoff.Failure()
	e.reachable = false
	switch k {
	case KindStation:
		self.counters.StationFailed++
	case KindCellular:
		self.counters.CellularFailed++
	}
	self.log.Errorf("transport %s failures=%d backoff=%v err=%v", k, e.failures, e.backoff.Interval(), err)
}

func (self *Manager) checkGiveUp() bool {
	present := 0
	for _, e := range self.links {
		if e == nil {
			continue
		}
		present++
		if e.failures < self.config.MaxRetryAttempts {
			return false
		}
	}
	if present == 0 {
		return false
	}
	self.gaveUp = true
	self.counters.GiveUps++
	self.log.Errorf("transport gave up, waiting for successful probe")
	return true
}

// Idle puts links that support it into low power. Errors are logged only.
func (self *Manager) Idle(ctx context.Context) {
	for _, e := range self.links {
		if e == nil {
			continue
		}
		if idler, ok := e.link.(Idler); ok {
			if err := idler.Idle(ctx); err != nil {
				self.log.Errorf("transport %s idle err=%v", e.link.Kind(), err)
			}
		}
	}
}

func (self *Manager) States() []LinkState {
	out := make([]LinkState, 0, 2)
	for _, k := range []Kind{KindStation, KindCellular} {
		s := LinkState{Kind: k}
		if e := self.links[k]; e != nil {
			s.Present = true
			s.Reachable = e.reachable
			s.ConsecutiveFailures = e.failures
			s.LastAttempt = e.backoff.Last()
			s.LastSuccess = e.lastSuccess.Time()
			s.BackoffInterval = e.backoff.Interval()
		}
		out = append(out, s)
	}
	return out
}
