package cellular

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/hardware/modem"
	"github.com/sensorsafrica/airnode/helpers"
	"github.com/sensorsafrica/airnode/internal/types"
	"github.com/sensorsafrica/airnode/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testICCID = "89254021234567890123"

func newTestLink(t testing.TB, config Config, steps ...modem.MockStep) (*Link, *modem.MockPeer, *helpers.MockClock) {
	clock := helpers.NewMockClock(time.Time{})
	peer := modem.NewMockPeer(steps...)
	ch := modem.NewTestChannel(t, peer, clock)
	link := NewLink(Options{Channel: ch, Config: config, Log: log2.NewTest(t, log2.LDebug)})
	return link, peer, clock
}

func reply(command, text string) modem.MockStep {
	return modem.MockStep{Command: command, Reply: "\r\n" + text + "\r\n\r\nOK\r\n"}
}

func powerOnSteps() []modem.MockStep {
	return []modem.MockStep{modem.Ok("AT"), modem.Ok("ATE0"), modem.Ok("AT+CMEE=1"), modem.Ok("AT+CTZU=3")}
}

func httpSetupSteps() []modem.MockStep {
	cmd := QuectelCommands()
	steps := make([]modem.MockStep, len(cmd.HTTPSetup))
	for i, c := range cmd.HTTPSetup {
		steps[i] = modem.Ok(c)
	}
	return steps
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func TestEnsureBringUp(t *testing.T) {
	t.Parallel()
	steps := powerOnSteps()
	steps = append(steps,
		reply("AT+QCCID", "+QCCID: "+testICCID),
		modem.Ok(`AT+QCFG="nwscanmode",0`),
		modem.Ok("AT+CREG=1"),
		reply("AT+CREG?", "+CREG: 1,2"),
		reply("AT+CREG?", "+CREG: 1,1"),
		modem.Ok("AT+QICSGP=1,1"),
		reply("AT+CGATT?", "+CGATT: 0"),
		modem.Ok("AT+CGATT=1"),
		reply("AT+CGATT?", "+CGATT: 1"),
	)
	steps = append(steps, httpSetupSteps()...)
	link, peer, _ := newTestLink(t, Config{}, steps...)

	h, err := link.Ensure(context.Background())
	require.NoError(t, err)
	peer.Check(t)
	assert.True(t, h.Valid())
	assert.Equal(t, StateDataContextActive, link.State())
	assert.Equal(t, testICCID, link.ICCID())
	assert.Equal(t, Counters{}, link.Counters())

	// already active, no modem traffic
	h2, err := link.Ensure(context.Background())
	require.NoError(t, err)
	assert.True(t, h2.Valid())
}

func TestPowerOnNoAnswer(t *testing.T) {
	t.Parallel()
	link, peer, clock := newTestLink(t, Config{PowerOnTimeout: 3 * time.Second})
	peer.Fallback = func(string) (string, bool) { return "", true }

	err := link.PowerOn(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), err.Error())
	assert.Equal(t, StatePoweredOff, link.State())
	assert.Equal(t, uint32(1), link.Counters().PowerOnFailures)
	assert.True(t, clock.Slept() >= 3*time.Second)
}

type powerRecord struct {
	clock  helpers.Clock
	levels []bool
	at     []time.Time
}

func (self *powerRecord) Set(level bool) error {
	self.levels = append(self.levels, level)
	self.at = append(self.at, self.clock.Now())
	return nil
}
func (self *powerRecord) Close() error { return nil }

func TestPowerOnPulse(t *testing.T) {
	t.Parallel()

	type Case struct {
		name   string
		steps  []modem.MockStep
		levels []bool
	}
	cases := []Case{
		{"already-on", powerOnSteps(), nil},
		{"off", append([]modem.MockStep{modem.Silent("AT")}, powerOnSteps()...), []bool{true, false}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			clock := helpers.NewMockClock(time.Time{})
			peer := modem.NewMockPeer(c.steps...)
			power := &powerRecord{clock: clock}
			link := NewLink(Options{
				Channel: modem.NewTestChannel(t, peer, clock),
				Power:   power,
				Log:     log2.NewTest(t, log2.LDebug),
			})

			require.NoError(t, link.PowerOn(context.Background()))
			peer.Check(t)
			assert.Equal(t, StateCommsEstablished, link.State())
			assert.Equal(t, c.levels, power.levels)
			if len(power.at) == 2 {
				assert.Equal(t, 600*time.Millisecond, power.at[1].Sub(power.at[0]))
			}
		})
	}
}

func TestCheckIdentity(t *testing.T) {
	t.Parallel()

	type Case struct {
		name  string
		step  modem.MockStep
		iccid string
	}
	randomICCID := "89" + helpers.RandDigits(helpers.RandUnix(), iccidLength-2)
	cases := []Case{
		{"ok", reply("AT+QCCID", "+QCCID: "+testICCID), testICCID},
		{"random", reply("AT+QCCID", "+QCCID: "+randomICCID), randomICCID},
		{"short", reply("AT+QCCID", "+QCCID: 8925402"), ""},
		{"missing", modem.Ok("AT+QCCID"), ""},
		{"no-sim", modem.MockStep{Command: "AT+QCCID", Reply: "\r\n+CME ERROR: 10\r\n"}, ""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			link, peer, _ := newTestLink(t, Config{}, c.step)
			link.state = StateCommsEstablished

			iccid, err := link.CheckIdentity(context.Background())
			peer.Check(t)
			if c.iccid == "" {
				require.Error(t, err)
				assert.Equal(t, ErrIdentity, errors.Cause(err), err.Error())
				assert.Equal(t, StateCommsEstablished, link.State())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.iccid, iccid)
			assert.Equal(t, StateIdentityValid, link.State())
		})
	}
}

func registerFailSteps(mode int) []modem.MockStep {
	return []modem.MockStep{
		modem.Ok(fmt.Sprintf(`AT+QCFG="nwscanmode",%d`, mode)),
		modem.Ok("AT+CREG=1"),
		reply("AT+CREG?", "+CREG: 1,2"),
		modem.Ok("AT+CREG=1"),
	}
}

func TestRegisterModeCycle(t *testing.T) {
	t.Parallel()
	var steps []modem.MockStep
	for _, mode := range []int{0, 1, 3} {
		steps = append(steps, registerFailSteps(mode)...)
	}
	steps = append(steps,
		modem.Ok(`AT+QCFG="nwscanmode",0`),
		modem.Ok("AT+CREG=1"),
		reply("AT+CREG?", "+CREG: 1,5"),
	)
	link, peer, _ := newTestLink(t, Config{RegisterPolls: 1}, steps...)
	link.state = StateIdentityValid

	for i := 1; i <= 3; i++ {
		err := link.Register(context.Background())
		require.Error(t, err)
		assert.Equal(t, ErrNotRegistered, errors.Cause(err))
		assert.Equal(t, uint32(i), link.Counters().RegisterFailures)
		assert.Equal(t, StateIdentityValid, link.State())
	}
	require.NoError(t, link.Register(context.Background()))
	peer.Check(t)
	assert.Equal(t, StateRegistered, link.State())
	assert.Equal(t, uint32(0), link.Counters().RegisterFailures)
}

func TestRegisterSoftResetAfterLimit(t *testing.T) {
	t.Parallel()
	var steps []modem.MockStep
	modes := []int{0, 1, 3, 0, 1, 3}
	for _, mode := range modes {
		steps = append(steps, registerFailSteps(mode)...)
	}
	steps = append(steps, reply("AT+CGATT?", "+CGATT: 0"), modem.Ok("AT+CFUN=1,1"))
	link, peer, clock := newTestLink(t, Config{RegisterPolls: 1}, steps...)
	link.state = StateIdentityValid
	link.iccid = testICCID
	generation := link.generation

	for i := 1; i <= 5; i++ {
		require.Error(t, link.Register(context.Background()))
		assert.Equal(t, StateIdentityValid, link.State())
	}
	before := clock.Slept()
	err := link.Register(context.Background())
	require.Error(t, err)
	peer.Check(t)
	assert.False(t, contains(peer.Written(), "AT+CGATT=0"), "detach only when attached")
	assert.Equal(t, StatePoweredOff, link.State())
	assert.Equal(t, "", link.ICCID())
	assert.Equal(t, generation+1, link.generation)
	c := link.Counters()
	assert.Equal(t, uint32(0), c.RegisterFailures)
	assert.Equal(t, uint32(1), c.SoftResets)
	assert.True(t, clock.Slept()-before >= 30*time.Second)
}

func TestActivateContextAlreadyAttached(t *testing.T) {
	t.Parallel()
	steps := []modem.MockStep{
		modem.Ok("AT+QICSGP=1,1"),
		reply("AT+CGATT?", "+CGATT: 1"),
	}
	steps = append(steps, httpSetupSteps()...)
	link, peer, _ := newTestLink(t, Config{}, steps...)
	link.state = StateRegistered

	h, err := link.ActivateContext(context.Background())
	require.NoError(t, err)
	peer.Check(t)
	assert.True(t, h.Valid())
	assert.False(t, contains(peer.Written(), "AT+CGATT=1"))
}

func TestActivateContextAPN(t *testing.T) {
	t.Parallel()
	steps := []modem.MockStep{
		modem.Ok(`AT+QICSGP=1,1,"internet","","",1`),
		reply("AT+CGATT?", "+CGATT: 1"),
	}
	steps = append(steps, httpSetupSteps()...)
	link, peer, _ := newTestLink(t, Config{APN: "internet"}, steps...)
	link.state = StateRegistered

	_, err := link.ActivateContext(context.Background())
	require.NoError(t, err)
	peer.Check(t)
}

func TestActivateContextConfigRetries(t *testing.T) {
	t.Parallel()
	link, peer, clock := newTestLink(t, Config{ContextAttempts: 3})
	peer.ExpectN(3, modem.MockStep{Command: "AT+QICSGP=1,1", Reply: "\r\nERROR\r\n"})
	link.state = StateRegistered

	_, err := link.ActivateContext(context.Background())
	require.Error(t, err)
	peer.Check(t)
	assert.Equal(t, ErrContext, errors.Cause(err))
	assert.Equal(t, uint32(1), link.Counters().ContextFailures)
	assert.Equal(t, StateRegistered, link.State())
	assert.Equal(t, 6*time.Second, clock.Slept())
}

func TestSleepWake(t *testing.T) {
	t.Parallel()
	link, peer, _ := newTestLink(t, Config{},
		modem.Ok("AT+QSCLK=2"),
		modem.Ok("AT"),
		reply("AT+CGATT?", "+CGATT: 1"),
	)
	link.state = StateDataContextActive
	h := link.handle()

	require.NoError(t, link.Sleep(context.Background()))
	assert.Equal(t, StateSleeping, link.State())
	assert.True(t, h.Valid())

	h2, err := link.Ensure(context.Background())
	require.NoError(t, err)
	peer.Check(t)
	assert.Equal(t, StateDataContextActive, link.State())
	assert.Equal(t, h.generation, h2.generation)
}

func TestWakeNoAnswerStartsOver(t *testing.T) {
	t.Parallel()
	link, peer, _ := newTestLink(t, Config{},
		modem.Silent("AT"), modem.Silent("AT"), modem.Silent("AT"))
	link.state = StateSleeping
	h := link.handle()

	err := link.wake(context.Background())
	require.Error(t, err)
	peer.Check(t)
	assert.Equal(t, StatePoweredOff, link.State())
	assert.False(t, h.Valid())
}

func TestRevalidateLost(t *testing.T) {
	t.Parallel()
	link, peer, _ := newTestLink(t, Config{}, reply("AT+CGATT?", "+CGATT: 0"))
	link.state = StateDataContextActive

	require.NoError(t, link.Revalidate(context.Background()))
	peer.Check(t)
	assert.Equal(t, StateRegistered, link.State())
}

func TestIllegalTransitions(t *testing.T) {
	t.Parallel()
	link, peer, _ := newTestLink(t, Config{})

	_, err := link.ActivateContext(context.Background())
	assert.Equal(t, ErrIllegalTransition, errors.Cause(err))
	assert.Equal(t, ErrIllegalTransition, errors.Cause(link.Register(context.Background())))
	_, err = link.CheckIdentity(context.Background())
	assert.Equal(t, ErrIllegalTransition, errors.Cause(err))
	assert.Equal(t, ErrIllegalTransition, errors.Cause(link.Sleep(context.Background())))
	assert.Empty(t, peer.Written())

	assert.NoError(t, checkTransition(StateDataContextActive, StatePoweredOff))
	assert.Error(t, checkTransition(StatePoweredOff, StateRegistered))
	assert.Error(t, checkTransition(StateCommsEstablished, StateDataContextActive))
}

func TestHardResetWithoutPin(t *testing.T) {
	t.Parallel()
	link, _, _ := newTestLink(t, Config{})
	err := link.HardReset(context.Background())
	assert.True(t, errors.IsNotSupported(err))
}

func TestCountersBinary(t *testing.T) {
	t.Parallel()
	c := Counters{RegisterFailures: 3, PostFailures: 70000, HardResets: 1}
	b, err := c.MarshalBinary()
	require.NoError(t, err)
	var c2 Counters
	require.NoError(t, c2.UnmarshalBinary(b))
	assert.Equal(t, c, c2)
	assert.True(t, errors.IsNotValid(c2.UnmarshalBinary(b[:5])))
}

func testRequest(headers int) *types.Request {
	r := &types.Request{
		Host: "api.sensors.africa",
		Path: "/v1/push-sensor-data/",
		Body: []byte(`{"x":1}`),
	}
	names := []string{"Content-Type", "X-Pin", "X-Sensor"}
	values := []string{"application/json", "1", "esp8266-12345"}
	for i := 0; i < headers; i++ {
		r.Headers = append(r.Headers, types.Header{Name: names[i], Value: values[i]})
	}
	return r
}

const testURLCmd = `AT+QHTTPCFG="url","http://api.sensors.africa/v1/push-sensor-data/"`

func TestPostHeaderFailureAbortsBeforeBody(t *testing.T) {
	t.Parallel()
	link, peer, _ := newTestLink(t, Config{},
		modem.Ok(testURLCmd),
		modem.Ok(`AT+QHTTPCFG="header","Content-Type: application/json"`),
		modem.Silent(`AT+QHTTPCFG="header","X-Pin: 1"`),
	)
	link.state = StateDataContextActive
	h := link.handle()

	_, err := h.Post(context.Background(), testRequest(3))
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), err.Error())
	peer.Check(t)
	written := peer.Written()
	assert.Len(t, written, 3)
	for _, w := range written {
		assert.NotContains(t, w, "QHTTPPOST")
		assert.NotEqual(t, `{"x":1}`, w)
	}
	assert.Equal(t, uint32(1), link.Counters().PostFailures)
	assert.Equal(t, StateDataContextActive, link.State())
}

func TestPostResult(t *testing.T) {
	t.Parallel()

	type Case struct {
		name   string
		urc    string
		status int
		cause  error
	}
	cases := []Case{
		{"created", "+QHTTPPOST: 0,201,0", 201, nil},
		{"server-error", "+QHTTPPOST: 0,500,12", 500, ErrHTTPStatus},
		{"modem-error", "+QHTTPPOST: 703", 0, ErrHTTPFailed},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			link, peer, _ := newTestLink(t, Config{},
				modem.Ok(testURLCmd),
				modem.Ok(`AT+QHTTPCFG="header","Content-Type: application/json"`),
				modem.MockStep{Command: "AT+QHTTPPOST=7,30,60", Reply: "\r\nCONNECT\r\n"},
				modem.MockStep{Command: `{"x":1}`, Reply: "\r\nOK\r\n\r\n" + c.urc + "\r\n"},
			)
			link.state = StateDataContextActive

			status, err := link.handle().Post(context.Background(), testRequest(1))
			peer.Check(t)
			assert.Equal(t, c.status, status)
			if c.cause == nil {
				require.NoError(t, err)
				assert.Equal(t, uint32(0), link.Counters().PostFailures)
				return
			}
			require.Error(t, err)
			assert.Equal(t, c.cause, errors.Cause(err), err.Error())
			assert.Equal(t, uint32(1), link.Counters().PostFailures)
		})
	}
}

func TestPostStaleHandle(t *testing.T) {
	t.Parallel()
	link, peer, _ := newTestLink(t, Config{},
		reply("AT+CGATT?", "+CGATT: 1"),
		modem.Ok("AT+CGATT=0"),
		modem.Ok("AT+CFUN=1,1"),
	)
	link.state = StateDataContextActive
	h := link.handle()
	require.NoError(t, link.SoftReset(context.Background()))
	n := len(peer.Written())

	_, err := h.Post(context.Background(), testRequest(1))
	assert.Equal(t, ErrStaleContext, errors.Cause(err))
	assert.Len(t, peer.Written(), n)
	peer.Check(t)
}

func TestPostEmptyBody(t *testing.T) {
	t.Parallel()
	link, peer, _ := newTestLink(t, Config{})
	link.state = StateDataContextActive
	r := testRequest(0)
	r.Body = nil
	_, err := link.handle().Post(context.Background(), r)
	assert.True(t, errors.IsNotValid(err))
	assert.Empty(t, peer.Written())
}
