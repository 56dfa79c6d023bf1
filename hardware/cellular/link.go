// Package cellular drives a modem from power-on to an active packet data
// context and posts HTTP requests through the modem's embedded client.
//
// Link is owned by one goroutine (the delivery loop), it has no locks.
// Every poll and warm-up wait goes through helpers.Clock.
package cellular

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/hardware/modem"
	"github.com/sensorsafrica/airnode/helpers"
	"github.com/sensorsafrica/airnode/log2"
)

const (
	iccidLength = 20

	regNotSearching = 0
	regHome         = 1
	regSearching    = 2
	regDenied       = 3
	regUnknown      = 4
	regRoaming      = 5
)

var (
	ErrIdentity      = errors.New("sim identity invalid")
	ErrNotRegistered = errors.New("network registration failed")
	ErrContext       = errors.New("packet data context activation failed")
	ErrStaleContext  = errors.New("packet data context handle is stale")
)

var registrationNames = map[int]string{
	regNotSearching: "not-searching",
	regHome:         "home",
	regSearching:    "searching",
	regDenied:       "denied",
	regUnknown:      "unknown",
	regRoaming:      "roaming",
}

type Config struct {
	APN      string
	User     string
	Password string

	CommandTimeout    time.Duration
	ShortTimeout      time.Duration
	PowerOnTimeout    time.Duration
	PollInterval      time.Duration
	ModeSettle        time.Duration
	RegisterPolls     int
	RegisterInterval  time.Duration
	RegisterFailLimit uint32
	ContextAttempts   int
	ContextRetryDelay time.Duration
	WarmUp            time.Duration
	ResetPulse        time.Duration
	PowerKeyPulse     time.Duration
	ConnectTimeout    time.Duration
	NotifyTimeout     time.Duration
	ServerReadTimeout int // seconds, passed to modem with POST
	ServerWaitTimeout int // seconds, passed to modem with POST
	InfoTimeout       time.Duration
}

func (c *Config) setDefaults() {
	def := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	def(&c.CommandTimeout, 10*time.Second)
	def(&c.ShortTimeout, 2*time.Second)
	def(&c.PowerOnTimeout, 30*time.Second)
	def(&c.PollInterval, 1*time.Second)
	def(&c.ModeSettle, 1*time.Second)
	def(&c.RegisterInterval, 3*time.Second)
	def(&c.ContextRetryDelay, 2*time.Second)
	def(&c.WarmUp, 30*time.Second)
	def(&c.ResetPulse, 120*time.Millisecond)
	def(&c.PowerKeyPulse, 600*time.Millisecond)
	def(&c.ConnectTimeout, 10*time.Second)
	def(&c.NotifyTimeout, 10*time.Second)
	def(&c.InfoTimeout, 300*time.Millisecond)
	if c.RegisterPolls == 0 {
		c.RegisterPolls = 20
	}
	if c.RegisterFailLimit == 0 {
		c.RegisterFailLimit = 5
	}
	if c.ContextAttempts == 0 {
		c.ContextAttempts = 5
	}
	if c.ServerReadTimeout == 0 {
		c.ServerReadTimeout = 30
	}
	if c.ServerWaitTimeout == 0 {
		c.ServerWaitTimeout = 60
	}
}

// Counters survive restarts through persist.
type Counters struct {
	RegisterFailures uint32
	ContextFailures  uint32
	PostFailures     uint32
	PowerOnFailures  uint32
	SoftResets       uint32
	HardResets       uint32
}

const countersWireLen = 6 * 4

func (self *Counters) MarshalBinary() ([]byte, error) {
	b := make([]byte, countersWireLen)
	for i, v := range self.fields() {
		binary.BigEndian.PutUint32(b[i*4:], *v)
	}
	return b, nil
}

func (self *Counters) UnmarshalBinary(b []byte) error {
	if len(b) != countersWireLen {
		return errors.NotValidf("cellular counters length=%d", len(b))
	}
	for i, v := range self.fields() {
		*v = binary.BigEndian.Uint32(b[i*4:])
	}
	return nil
}

func (self *Counters) fields() []*uint32 {
	return []*uint32{&self.RegisterFailures, &self.ContextFailures, &self.PostFailures,
		&self.PowerOnFailures, &self.SoftResets, &self.HardResets}
}

type Link struct {
	ch     *modem.Channel
	cmd    Commands
	config Config
	clock  helpers.Clock
	log    *log2.Log
	power  modem.PowerLine
	reset  modem.PowerLine // nil when reset pin is not wired

	state      State
	generation uint32
	iccid      string
	modeIndex  int
	lastReg    int
	counters   Counters
}

type Options struct {
	Channel  *modem.Channel
	Commands *Commands
	Config   Config
	Power    modem.PowerLine
	Reset    modem.PowerLine
	Log      *log2.Log
}

func NewLink(opt Options) *Link {
	if opt.Channel == nil {
		panic("code error cellular.NewLink requires Channel")
	}
	self := &Link{
		ch:      opt.Channel,
		config:  opt.Config,
		clock:   opt.Channel.Clock(),
		log:     opt.Log,
		power:   opt.Power,
		reset:   opt.Reset,
		lastReg: -1,
	}
	self.config.setDefaults()
	if opt.Commands != nil {
		self.cmd = *opt.Commands
	} else {
		self.cmd = QuectelCommands()
	}
	if self.power == nil {
		self.power = modem.NullPowerLine{}
	}
	return self
}

func (self *Link) State() State               { return self.state }
func (self *Link) ICCID() string              { return self.iccid }
func (self *Link) Counters() Counters         { return self.counters }
func (self *Link) RestoreCounters(c Counters) { self.counters = c }
func (self *Link) CountersStater() *Counters  { return &self.counters }
func (self *Link) Channel() *modem.Channel    { return self.ch }

func (self *Link) advance(to State) error {
	if err := checkTransition(self.state, to); err != nil {
		return err
	}
	if self.state != to {
		self.log.Infof("cellular %s -> %s", self.state, to)
	}
	self.state = to
	return nil
}

func (self *Link) require(s State, op string) error {
	if self.state != s {
		return errors.Annotatef(ErrIllegalTransition, "%s requires state=%s current=%s", op, s, self.state)
	}
	return nil
}

// resetSession forgets everything learned in this session.
// Outstanding *Context handles become stale.
func (self *Link) resetSession(reason string) {
	self.log.Infof("cellular session reset state=%s reason=%s", self.state, reason)
	self.state = StatePoweredOff
	self.generation++
	self.iccid = ""
}

// PowerOn pulses power key unless the modem already answers, then polls
// liveness for PowerOnTimeout.
func (self *Link) PowerOn(ctx context.Context) error {
	if err := self.require(StatePoweredOff, "power on"); err != nil {
		return err
	}
	// power key toggles, a modem that already answers is left alone
	if err := self.ch.Send(self.cmd.Liveness, "OK", self.config.PollInterval); err != nil {
		if err := modem.Pulse(self.power, self.clock, true, self.config.PowerKeyPulse); err != nil {
			self.counters.PowerOnFailures++
			return errors.Annotate(err, "cellular power key")
		}
		if err := self.awaitLiveness(ctx); err != nil {
			self.counters.PowerOnFailures++
			return err
		}
	}
	for _, c := range self.cmd.Setup {
		if err := self.ch.Send(c, "OK", self.config.ShortTimeout); err != nil {
			self.log.Errorf("cellular setup command=%s err=%v", c, err)
		}
	}
	return self.advance(StateCommsEstablished)
}

func (self *Link) awaitLiveness(ctx context.Context) error {
	deadline := self.clock.Now().Add(self.config.PowerOnTimeout)
	for {
		err := self.ch.Send(self.cmd.Liveness, "OK", self.config.PollInterval)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		if !self.clock.Now().Before(deadline) {
			return errors.Annotatef(err, "cellular power on no answer within %v", self.config.PowerOnTimeout)
		}
		if !errors.IsTimeout(err) {
			self.clock.Sleep(self.config.PollInterval)
		}
	}
}

// CheckIdentity reads SIM ICCID. Missing or malformed identity is a hard failure.
func (self *Link) CheckIdentity(ctx context.Context) (string, error) {
	if err := self.require(StateCommsEstablished, "identity"); err != nil {
		return "", err
	}
	r, err := self.ch.SendCapture(self.cmd.Identity, "OK", self.config.CommandTimeout)
	if err != nil {
		return "", errors.Annotatef(errors.Wrap(err, ErrIdentity), "query err=%v", err)
	}
	iccid, err := r.Field(self.cmd.IdentityPrefix)
	if err != nil {
		return "", errors.Annotatef(errors.Wrap(err, ErrIdentity), "parse err=%v", err)
	}
	if len(iccid) != iccidLength {
		return "", errors.Annotatef(ErrIdentity, "iccid=%q length=%d", iccid, len(iccid))
	}
	self.iccid = iccid
	return iccid, self.advance(StateIdentityValid)
}

// Register selects the next network mode in cycle and polls registration.
// Exhausted polling counts a failure, past RegisterFailLimit the modem is soft reset.
func (self *Link) Register(ctx context.Context) error {
	switch self.state {
	case StateRegistered, StateDataContextActive:
		return nil
	}
	if err := self.require(StateIdentityValid, "register"); err != nil {
		return err
	}

	self.selectNextMode()
	if err := self.ch.Send(self.cmd.RegisterEnable, "OK", self.config.CommandTimeout); err != nil {
		self.log.Errorf("cellular register enable err=%v", err)
	}
	for i := 1; i <= self.config.RegisterPolls; i++ {
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		status, err := self.registration()
		if err != nil {
			self.log.Debugf("cellular registration poll=%d err=%v", i, err)
		} else {
			self.lastReg = status
			if status == regHome || status == regRoaming {
				self.counters.RegisterFailures = 0
				self.log.Infof("cellular registered status=%s poll=%d", registrationNames[status], i)
				return self.advance(StateRegistered)
			}
			self.log.Debugf("cellular registration poll=%d status=%s", i, registrationNames[status])
		}
		self.clock.Sleep(self.config.RegisterInterval)
	}

	self.counters.RegisterFailures++
	err := errors.Annotatef(ErrNotRegistered, "status=%s failures=%d",
		registrationNames[self.lastReg], self.counters.RegisterFailures)
	if e := self.ch.Send(self.cmd.RegisterEnable, "OK", self.config.CommandTimeout); e != nil {
		self.log.Errorf("cellular register enable err=%v", e)
	}
	if self.counters.RegisterFailures > self.config.RegisterFailLimit {
		self.log.Errorf("cellular register failures=%d over limit, soft reset", self.counters.RegisterFailures)
		if e := self.SoftReset(ctx); e != nil {
			self.log.Errorf("cellular soft reset err=%v", e)
		}
		self.counters.RegisterFailures = 0
	}
	return err
}

func (self *Link) selectNextMode() {
	modes := self.cmd.NetworkModes
	for range modes {
		mode := modes[self.modeIndex%len(modes)]
		self.modeIndex++
		err := self.ch.Send(fmt.Sprintf(self.cmd.NetworkModeFmt, mode.Value), "OK", self.config.ShortTimeout)
		if err == nil {
			self.log.Infof("cellular network mode=%s", mode.Name)
			self.clock.Sleep(self.config.ModeSettle)
			return
		}
		self.log.Errorf("cellular network mode=%s err=%v", mode.Name, err)
	}
}

func (self *Link) registration() (int, error) {
	r, err := self.ch.SendCapture(self.cmd.RegisterQuery, "OK", self.config.CommandTimeout)
	if err != nil {
		return -1, err
	}
	vs, err := r.Values(self.cmd.RegisterPrefix)
	if err != nil {
		return -1, err
	}
	// query form is "<n>,<stat>[,...]", unsolicited form is "<stat>"
	s := vs[0]
	if len(vs) >= 2 {
		s = vs[1]
	}
	status, err := strconv.Atoi(s)
	if err != nil {
		return -1, &modem.ParseError{Prefix: self.cmd.RegisterPrefix, Text: string(r), Reason: "status not integer"}
	}
	return status, nil
}

// ActivateContext configures and attaches packet data context.
// Already attached is success without re-attaching.
func (self *Link) ActivateContext(ctx context.Context) (*Context, error) {
	if self.state == StateDataContextActive {
		return self.handle(), nil
	}
	if err := self.require(StateRegistered, "activate context"); err != nil {
		return nil, err
	}

	configCmd := self.cmd.ContextConfig
	if self.config.APN != "" {
		configCmd = fmt.Sprintf(self.cmd.ContextConfigFmt, self.config.APN, self.config.User, self.config.Password)
	}
	var err error
	for i := 1; i <= self.config.ContextAttempts; i++ {
		if err = self.ch.Send(configCmd, "OK", self.config.CommandTimeout); err == nil {
			break
		}
		self.log.Debugf("cellular context config attempt=%d err=%v", i, err)
		self.clock.Sleep(self.config.ContextRetryDelay)
	}
	if err != nil {
		self.counters.ContextFailures++
		return nil, errors.Annotatef(errors.Wrap(err, ErrContext), "config err=%v", err)
	}

	attached, err := self.Attached()
	if err != nil || !attached {
		if err = self.ch.Send(self.cmd.Attach, "OK", self.config.CommandTimeout); err != nil {
			self.counters.ContextFailures++
			return nil, errors.Annotatef(errors.Wrap(err, ErrContext), "attach err=%v", err)
		}
		self.clock.Sleep(self.config.ContextRetryDelay)
		if attached, err = self.Attached(); err != nil || !attached {
			self.counters.ContextFailures++
			return nil, errors.Annotatef(ErrContext, "attach not confirmed err=%v", err)
		}
	}

	for _, c := range self.cmd.HTTPSetup {
		if err := self.ch.Send(c, "OK", self.config.ShortTimeout); err != nil {
			self.log.Errorf("cellular http setup command=%s err=%v", c, err)
		}
	}
	self.counters.ContextFailures = 0
	if err := self.advance(StateDataContextActive); err != nil {
		return nil, err
	}
	return self.handle(), nil
}

// Attached queries packet service attach state.
func (self *Link) Attached() (bool, error) {
	r, err := self.ch.SendCapture(self.cmd.AttachQuery, "OK", self.config.CommandTimeout)
	if err != nil {
		return false, err
	}
	vs, err := r.Ints(self.cmd.AttachPrefix)
	if err != nil {
		return false, err
	}
	return vs[0] == 1, nil
}

// Sleep puts modem into low power mode. Next Ensure wakes it.
func (self *Link) Sleep(ctx context.Context) error {
	if self.state == StateSleeping {
		return nil
	}
	if err := self.require(StateDataContextActive, "sleep"); err != nil {
		return err
	}
	if err := self.ch.Send(self.cmd.Sleep, "OK", self.config.ShortTimeout); err != nil {
		return errors.Annotate(err, "cellular sleep")
	}
	return self.advance(StateSleeping)
}

// wake: first byte after sleep may be lost, so liveness is tried a few times.
func (self *Link) wake(ctx context.Context) error {
	var err error
	for i := 0; i < 3; i++ {
		if err = self.ch.Send(self.cmd.Liveness, "OK", self.config.PollInterval); err == nil {
			break
		}
	}
	if err != nil {
		self.resetSession("no answer after sleep")
		return errors.Annotate(err, "cellular wake")
	}
	attached, err := self.Attached()
	if err == nil && attached {
		return self.advance(StateDataContextActive)
	}
	self.log.Infof("cellular context lost during sleep err=%v", err)
	return self.advance(StateRegistered)
}

// Revalidate checks that an active context is still attached.
func (self *Link) Revalidate(ctx context.Context) error {
	if self.state != StateDataContextActive {
		return nil
	}
	attached, err := self.Attached()
	if err == nil && attached {
		return nil
	}
	self.log.Infof("cellular context lost err=%v", err)
	return self.advance(StateRegistered)
}

// SoftReset detaches, reboots modem firmware and waits for warm-up.
// Session starts over regardless of reboot command result.
func (self *Link) SoftReset(ctx context.Context) error {
	defer self.resetSession("soft reset")
	self.counters.SoftResets++
	if attached, err := self.Attached(); err == nil && attached {
		if err = self.ch.Send(self.cmd.Detach, "OK", self.config.CommandTimeout); err != nil {
			self.log.Errorf("cellular detach err=%v", err)
		}
	}
	if err := self.ch.Send(self.cmd.Reboot, "OK", self.config.CommandTimeout); err != nil {
		return errors.Annotate(err, "cellular soft reset")
	}
	self.clock.Sleep(self.config.WarmUp)
	return nil
}

// HardReset pulses reset pin low-high-low and waits for warm-up.
func (self *Link) HardReset(ctx context.Context) error {
	if self.reset == nil {
		return errors.NotSupportedf("cellular hard reset without reset pin")
	}
	defer self.resetSession("hard reset")
	self.counters.HardResets++
	if err := self.reset.Set(false); err != nil {
		return errors.Annotate(err, "cellular reset pin")
	}
	self.clock.Sleep(self.config.ResetPulse)
	if err := modem.Pulse(self.reset, self.clock, true, self.config.ResetPulse); err != nil {
		return errors.Annotate(err, "cellular reset pin")
	}
	self.clock.Sleep(self.config.WarmUp)
	return nil
}

// Ensure brings the session up to DataContextActive from any state.
func (self *Link) Ensure(ctx context.Context) (*Context, error) {
	// each state advances or returns, at most len(states)+wake iterations
	for i := 0; i < 8; i++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}
		var err error
		switch self.state {
		case StateDataContextActive:
			return self.handle(), nil
		case StateSleeping:
			err = self.wake(ctx)
		case StatePoweredOff:
			err = self.PowerOn(ctx)
		case StateCommsEstablished:
			_, err = self.CheckIdentity(ctx)
		case StateIdentityValid:
			err = self.Register(ctx)
		case StateRegistered:
			_, err = self.ActivateContext(ctx)
		}
		if err != nil {
			return nil, errors.Annotatef(err, "cellular ensure state=%s", self.state)
		}
	}
	return nil, errors.Errorf("code error cellular ensure did not converge state=%s", self.state)
}

func (self *Link) handle() *Context {
	return &Context{link: self, generation: self.generation}
}
