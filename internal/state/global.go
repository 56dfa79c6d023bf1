package state

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/helpers"
	"github.com/sensorsafrica/airnode/internal/delivery"
	"github.com/sensorsafrica/airnode/internal/mirror"
	"github.com/sensorsafrica/airnode/internal/sensor"
	"github.com/sensorsafrica/airnode/internal/state/persist"
	"github.com/sensorsafrica/airnode/internal/station"
	"github.com/sensorsafrica/airnode/internal/telemetry"
	"github.com/sensorsafrica/airnode/internal/transport"
	"github.com/sensorsafrica/airnode/internal/types"
	"github.com/sensorsafrica/airnode/log2"
	"github.com/temoto/alive/v2"
)

const (
	ContextKey = "run/state-global"

	defaultPersistRoot = "./tmp-airnode-db"
	durableFile        = "pending.jsonl"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Clock        helpers.Clock
	Config       *Config
	Hardware     hardware // hardware.go
	Log          *log2.Log

	// HTTPTransport is used by station link, nil means http.DefaultTransport.
	HTTPTransport http.RoundTripper

	Station   *station.Link
	Transport *transport.Manager
	Durable   *telemetry.DurableQueue
	Audit     *telemetry.AuditLog
	Mirror    *mirror.Mirror
	Pipeline  *delivery.Pipeline

	persistCellular  persist.Persist
	persistTransport persist.Persist

	_copy_guard sync.Mutex //nolint:unused
}

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive: alive.NewAlive(),
		Clock: helpers.SystemClock{},
		Log:   log,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	if g.Clock == nil {
		g.Clock = helpers.SystemClock{}
	}
	g.Log.Infof("build version=%s", g.BuildVersion)
	if g.BuildVersion == "unknown" {
		g.Error(errors.Errorf("build version is not set, please use script/build"))
	}

	if cfg.Node.SensorID == "" {
		return errors.NotValidf("config: node.sensor_id=empty")
	}
	if cfg.Endpoint.Host == "" {
		return errors.NotValidf("config: endpoint.host=empty")
	}
	if cfg.Persist.Root == "" {
		cfg.Persist.Root = defaultPersistRoot
		g.Log.Errorf("config: persist.root=empty changed=%s", cfg.Persist.Root)
	}
	g.Log.Debugf("config: persist.root=%s", cfg.Persist.Root)

	if err := g.initTransport(); err != nil {
		return errors.Annotate(err, "init transport")
	}
	if err := g.initQueue(); err != nil {
		return errors.Annotate(err, "init queue")
	}
	if cfg.Mirror.Enabled {
		if cfg.Mirror.PersistPath == "" {
			cfg.Mirror.PersistPath = filepath.Join(cfg.Persist.Root, "mirror")
		}
		if cfg.Mirror.ClientID == "" {
			cfg.Mirror.ClientID = cfg.Node.SensorID
		}
		m, err := mirror.New(cfg.Mirror, g.Log)
		if err != nil {
			return errors.Annotate(err, "init mirror")
		}
		g.Mirror = m
	}
	return g.initPipeline()
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

func (g *Global) initTransport() error {
	cfg := g.Config
	links := make([]transport.Link, 0, 2)
	if cfg.Station.Enable {
		g.Station = station.New(station.Config{
			Interface:    cfg.Station.Interface,
			ProbeAddr:    cfg.Station.ProbeAddr,
			ProbeTimeout: helpers.IntSecondDefault(cfg.Station.ProbeTimeoutSec, 0),
			PostTimeout:  helpers.IntSecondDefault(cfg.Station.PostTimeoutSec, 0),
		}, g.HTTPTransport, g.Log)
		links = append(links, transport.NewStationLink(g.Station))
	}
	cell, err := g.Cellular()
	if err != nil {
		return err
	}
	if cell != nil {
		links = append(links, transport.NewCellularLink(cell))
	}
	if len(links) == 0 {
		return errors.NotValidf("config: no transport enabled, need station or cellular")
	}

	tc := transport.Config{
		ProbeInterval: helpers.IntSecondDefault(cfg.Transport.ProbeIntervalSec, 0),
		BackoffMin:    helpers.IntSecondDefault(cfg.Transport.BackoffMinSec, 0),
		BackoffMax:    helpers.IntSecondDefault(cfg.Transport.BackoffMaxSec, 0),
	}
	if cfg.Transport.Priority != "" {
		if tc.Priority, err = transport.ParseKind(cfg.Transport.Priority); err != nil {
			return errors.Annotate(err, "config: transport.priority")
		}
	}
	n := cfg.Transport.MaxRetryAttempts
	if n < 0 || n > 255 {
		return errors.NotValidf("config: transport.max_retry_attempts=%d", n)
	}
	tc.MaxRetryAttempts = uint8(n)
	g.Transport = transport.NewManager(tc, g.Clock, g.Log, links...)

	// counters are diagnostics, unreadable state is reported and reset
	root, enabled := cfg.Persist.Root, cfg.Persist.Enable
	if err = g.persistTransport.Init("transport-counters", g.Transport.CountersStater(), root, enabled, g.Log); err != nil {
		return err
	}
	g.Error(g.persistTransport.Load())
	if cell != nil {
		if err = g.persistCellular.Init("cellular-counters", cell.CountersStater(), root, enabled, g.Log); err != nil {
			return err
		}
		g.Error(g.persistCellular.Load())
	}
	return nil
}

func (g *Global) initQueue() error {
	cfg := &g.Config.Queue
	if cfg.DurablePath == "" {
		cfg.DurablePath = filepath.Join(g.Config.Persist.Root, durableFile)
	}
	if cfg.StorageReserve < 0 {
		return errors.NotValidf("config: queue.storage_reserve=%d", cfg.StorageReserve)
	}
	var err error
	if g.Durable, err = telemetry.OpenDurable(cfg.DurablePath, uint64(cfg.StorageReserve), g.Log); err != nil {
		return err
	}
	if n, err := g.Durable.Len(); err == nil && n != 0 {
		g.Log.Infof("durable queue pending=%d path=%s", n, cfg.DurablePath)
	}
	if cfg.AuditDir != "" {
		if g.Audit, err = telemetry.NewAuditLog(cfg.AuditDir, time.Local); err != nil {
			return err
		}
	}
	return nil
}

func (g *Global) initPipeline() error {
	cfg := g.Config
	sensors := make([]sensor.Sensor, 0, len(cfg.Sensors))
	errs := make([]error, 0)
	for _, sc := range cfg.Sensors {
		s, err := sensor.NewCommand(sc.Kind, sc.Pin, sc.Command, helpers.IntSecondDefault(sc.TimeoutSec, 0))
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "config: sensor kind=%s", sc.Kind))
			continue
		}
		sensors = append(sensors, s)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return err
	}
	if len(sensors) == 0 {
		g.Log.Errorf("config: no sensor configured, node will only replay durable queue")
	}

	headers := make([]types.Header, 0, len(cfg.Endpoint.Headers))
	for _, h := range cfg.Endpoint.Headers {
		headers = append(headers, types.Header{Name: h.Name, Value: h.Value})
	}
	version := cfg.Node.SoftwareVersion
	if version == "" {
		version = g.BuildVersion
	}
	opt := delivery.Options{
		Config: delivery.Config{
			Host:           cfg.Endpoint.Host,
			Port:           cfg.Endpoint.Port,
			Path:           cfg.Endpoint.Path,
			SensorID:       cfg.Node.SensorID,
			ExtraHeaders:   headers,
			Capacity:       cfg.Queue.Capacity,
			SampleInterval: helpers.IntSecondDefault(cfg.Pipeline.SampleIntervalSec, 0),
			SendInterval:   helpers.IntSecondDefault(cfg.Pipeline.SendIntervalSec, 0),
		},
		Encoder:   &telemetry.Encoder{SoftwareVersion: version, MaxPayloadSize: cfg.Queue.MaxPayload},
		Durable:   g.Durable,
		Audit:     g.Audit,
		Transport: g.Transport,
		Sensors:   sensors,
		Clock:     g.Clock,
		OnCycle:   func(delivery.CycleStats) { g.Error(g.StoreCounters()) },
		Log:       g.Log,
	}
	// nil *Mirror must not become non-nil interface
	if g.Mirror != nil {
		opt.Mirror = g.Mirror
	}
	opt.TimeSource = g.timeSource()
	g.Pipeline = delivery.New(opt)
	return nil
}

// Run blocks until ctx is done or Stop.
func (g *Global) Run(ctx context.Context) error {
	if !g.Alive.Add(1) {
		return nil
	}
	defer g.Alive.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.Alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()
	g.Log.Infof("delivery loop start sensor_id=%s", g.Config.Node.SensorID)
	return g.Pipeline.Run(ctx)
}

func (g *Global) StoreCounters() error {
	errs := make([]error, 0, 2)
	for _, p := range []*persist.Persist{&g.persistTransport, &g.persistCellular} {
		if p.Enabled() {
			errs = append(errs, p.Store())
		}
	}
	return helpers.FoldErrors(errs)
}

// Close releases hardware and stops mirror. Pending readings stay on disk.
func (g *Global) Close() error {
	errs := make([]error, 0, 4)
	errs = append(errs, g.StoreCounters())
	if g.Mirror != nil {
		errs = append(errs, g.Mirror.Close())
	}
	errs = append(errs, g.closeHardware())
	return helpers.FoldErrors(errs)
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}
