package delivery

import (
	"context"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/helpers"
	"github.com/sensorsafrica/airnode/internal/sensor"
	"github.com/sensorsafrica/airnode/internal/telemetry"
	"github.com/sensorsafrica/airnode/internal/transport"
	"github.com/sensorsafrica/airnode/internal/types"
	"github.com/sensorsafrica/airnode/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	fail  func(req *types.Request) error
	sent  [][]byte
	polls int
	idles int
}

func (self *fakeTransport) Poll(ctx context.Context) { self.polls++ }
func (self *fakeTransport) Idle(ctx context.Context) { self.idles++ }
func (self *fakeTransport) Send(ctx context.Context, req *types.Request) error {
	if self.fail != nil {
		if err := self.fail(req); err != nil {
			return err
		}
	}
	self.sent = append(self.sent, req.Body)
	return nil
}

type fakeMirror struct{ readings []telemetry.Reading }

func (self *fakeMirror) Publish(r telemetry.Reading) error {
	self.readings = append(self.readings, r)
	return nil
}

type env struct {
	p     *Pipeline
	tr    *fakeTransport
	dq    *telemetry.DurableQueue
	clock *helpers.MockClock
	dir   string
}

func newTestEnv(t testing.TB, config Config, opts ...func(*Options)) *env {
	dir, err := ioutil.TempDir("", "airnode-delivery")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	log := log2.NewTest(t, log2.LDebug)
	dq, err := telemetry.OpenDurable(filepath.Join(dir, "pending.jsonl"), 0, log)
	require.NoError(t, err)
	clock := helpers.NewMockClock(time.Time{})
	tr := &fakeTransport{}
	if config.Host == "" {
		config.Host = "api.sensors.africa"
		config.Path = "/v1/push-sensor-data/"
		config.SensorID = "airnode-12345"
	}
	opt := Options{Config: config, Durable: dq, Transport: tr, Clock: clock, Log: log}
	for _, f := range opts {
		f(&opt)
	}
	return &env{p: New(opt), tr: tr, dq: dq, clock: clock, dir: dir}
}

func (self *env) durableLen(t testing.TB) int {
	n, err := self.dq.Len()
	require.NoError(t, err)
	return n
}

func reading(i int) telemetry.Reading {
	return telemetry.NewReading(time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC), "pms5003", 1,
		[]telemetry.Value{{Type: "P0", Value: float64(i)}})
}

var errLink = fmt.Errorf("link down")

func TestIngestDueWhenFull(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Config{Capacity: 3})
	now := e.clock.Now()
	for i := 0; i < 2; i++ {
		require.NoError(t, e.p.Ingest(reading(i)))
	}
	assert.False(t, e.p.Due(now))
	require.NoError(t, e.p.Ingest(reading(2)))
	assert.True(t, e.p.Due(now))

	stats := e.p.Cycle(context.Background())
	assert.Equal(t, 3, stats.Delivered)
	assert.False(t, e.p.Due(e.clock.Now()))
	assert.True(t, e.p.Due(e.clock.Now().Add(DefaultSendInterval)))
	assert.Equal(t, 1, e.tr.idles)
}

func TestIngestRejectsDataError(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Config{})
	err := e.p.Ingest(telemetry.NewReading(time.Now(), "pms", 1, nil))
	assert.True(t, errors.IsNotValid(err))
	assert.Equal(t, 0, e.p.Pending())
}

func TestIngestSpillsOnOverflow(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Config{Capacity: 2})
	for i := 0; i < 3; i++ {
		require.NoError(t, e.p.Ingest(reading(i)))
	}
	assert.Equal(t, 1, e.p.Pending())
	assert.Equal(t, 2, e.durableLen(t))
	assert.Empty(t, e.tr.sent)
}

func TestIngestBacklog(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Config{Capacity: 2})
	require.NoError(t, e.p.Ingest(reading(0)))
	require.NoError(t, e.p.Ingest(reading(1)))
	// durable queue directory vanished, append fails
	require.NoError(t, os.RemoveAll(e.dir))
	err := e.p.Ingest(reading(2))
	assert.Equal(t, ErrBacklog, errors.Cause(err))
	assert.Equal(t, 2, e.p.Pending())
}

func TestCycleDefersAndReplays(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Config{})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, e.p.Ingest(reading(i)))
	}
	e.tr.fail = func(*types.Request) error { return errLink }
	stats := e.p.Cycle(ctx)
	assert.Equal(t, 4, stats.Deferred)
	assert.Equal(t, 0, e.p.Pending())
	assert.Equal(t, 4, e.durableLen(t))
	assert.Equal(t, telemetry.ReplayStat{Read: 4, Requeued: 4}, stats.Replay)

	e.tr.fail = nil
	require.NoError(t, e.p.Ingest(reading(9)))
	stats = e.p.Cycle(ctx)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 4, stats.Replay.Delivered)
	assert.Equal(t, 0, e.durableLen(t))
	assert.Len(t, e.tr.sent, 5)
}

func TestCycleGaveUpSkipsReplay(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Config{})
	require.NoError(t, e.p.Ingest(reading(0)))
	require.NoError(t, e.p.Ingest(reading(1)))
	e.tr.fail = func(*types.Request) error { return transport.ErrGaveUp }

	stats := e.p.Cycle(context.Background())
	assert.True(t, stats.GaveUp)
	assert.Equal(t, 2, stats.Deferred)
	assert.Equal(t, telemetry.ReplayStat{}, stats.Replay)
	assert.Equal(t, 2, e.durableLen(t))
}

func TestCycleKeepsInMemoryWhenDurableFails(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Config{})
	for i := 0; i < 3; i++ {
		require.NoError(t, e.p.Ingest(reading(i)))
	}
	require.NoError(t, os.RemoveAll(e.dir))
	e.tr.fail = func(*types.Request) error { return errLink }

	stats := e.p.Cycle(context.Background())
	assert.Equal(t, 3, stats.Kept)
	assert.Equal(t, 3, e.p.Pending())
}

func TestRequestHeaders(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Config{Host: "h", Path: "/p", SensorID: "s-1",
		ExtraHeaders: []types.Header{{Name: "User-Agent", Value: "airnode"}}})
	r := e.p.request(5, []byte("{}"))
	assert.Equal(t, "http://h/p", r.URL())
	assert.Equal(t, []types.Header{
		{Name: "X-PIN", Value: "5"},
		{Name: "X-Sensor", Value: "s-1"},
		{Name: "Content-Type", Value: "application/json"},
		{Name: "User-Agent", Value: "airnode"},
	}, r.Headers)
}

// Every accepted payload is in exactly one of memory, durable, delivered.
func TestNoLoss(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, Config{Capacity: 5})
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(42))
	e.tr.fail = func(*types.Request) error {
		if rnd.Intn(3) == 0 {
			return errLink
		}
		return nil
	}

	accepted := 0
	for step := 0; step < 200; step++ {
		if rnd.Intn(4) == 0 {
			e.p.Cycle(ctx)
		} else {
			require.NoError(t, e.p.Ingest(reading(step)))
			accepted++
		}
		total := e.p.Pending() + e.durableLen(t) + len(e.tr.sent)
		require.Equal(t, accepted, total, "step=%d", step)
	}

	e.tr.fail = nil
	e.p.Cycle(ctx)
	assert.Equal(t, accepted, len(e.tr.sent))
	seen := make(map[string]bool)
	for _, b := range e.tr.sent {
		assert.False(t, seen[string(b)], "delivered twice %s", b)
		seen[string(b)] = true
	}
}

func TestSampleAndAudit(t *testing.T) {
	t.Parallel()
	mirror := &fakeMirror{}
	var audit *telemetry.AuditLog
	calls := 0
	e := newTestEnv(t, Config{Capacity: 2}, func(opt *Options) {
		a, err := telemetry.NewAuditLog(filepath.Join(filepath.Dir(opt.Durable.Path()), "audit"), time.UTC)
		require.NoError(t, err)
		audit = a
		opt.Audit = a
		opt.Mirror = mirror
		opt.TimeSource = func() (time.Time, error) { return time.Time{}, fmt.Errorf("modem asleep") }
		opt.Sensors = []sensor.Sensor{
			&sensor.Func{KindName: "pms5003", PinNum: 1, F: func(context.Context) ([]telemetry.Value, error) {
				calls++
				return []telemetry.Value{{Type: "P0", Value: 1}}, nil
			}},
			&sensor.Func{KindName: "broken", PinNum: 7, F: func(context.Context) ([]telemetry.Value, error) {
				return nil, fmt.Errorf("no response")
			}},
		}
	})
	ctx := context.Background()

	e.p.Step(ctx)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, e.tr.polls)
	e.clock.Advance(time.Second)
	e.p.Step(ctx)
	assert.Equal(t, 1, calls, "sample interval not elapsed")

	e.clock.Advance(DefaultSampleInterval)
	e.p.Step(ctx)
	assert.Equal(t, 2, calls)
	assert.Len(t, mirror.readings, 2)
	assert.Equal(t, e.clock.Now(), mirror.readings[1].Time())

	b, err := ioutil.ReadFile(audit.PathFor(e.clock.Now()))
	require.NoError(t, err)
	assert.Contains(t, string(b), ",pms5003,1,P0,1\n")
}
