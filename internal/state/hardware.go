package state

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/hardware/cellular"
	"github.com/sensorsafrica/airnode/hardware/modem"
	"github.com/sensorsafrica/airnode/helpers"
	"github.com/sensorsafrica/airnode/log2"
)

type hardware struct {
	Modem struct {
		once
		// Uarter is set by tests before first Cellular() call.
		Uarter  modem.Uarter
		Channel *modem.Channel
		Power   modem.PowerLine
		Reset   modem.PowerLine
		Link    *cellular.Link
	}
}

// Cellular opens modem UART and GPIO lines on first call.
// Returns nil, nil when cellular transport is disabled.
func (g *Global) Cellular() (*cellular.Link, error) {
	x := &g.Hardware.Modem // short alias
	_ = x.do(func() error {
		cfg := &g.Config.Cellular
		if !cfg.Enable {
			return nil
		}
		if cfg.UartDevice == "" && x.Uarter == nil {
			return errors.NotValidf("config: cellular.uart_device=empty")
		}
		cmds := cellular.QuectelCommands()
		modes, err := networkModes(cmds.NetworkModes, cfg.NetworkModes)
		if err != nil {
			return err
		}
		cmds.NetworkModes = modes

		mlog := g.Log.Clone(log2.LInfo)
		if cfg.LogDebug {
			mlog.SetLevel(log2.LDebug)
		}
		if x.Power, err = openLine(cfg.PinChip, cfg.PowerLine, "modem-power"); err != nil {
			return err
		}
		if x.Reset, err = openLine(cfg.PinChip, cfg.ResetLine, "modem-reset"); err != nil {
			return err
		}
		if x.Uarter == nil {
			x.Uarter = modem.NewSerialUart(0)
		}
		x.Channel, err = modem.NewChannel(x.Uarter, modem.Options{
			Path:  cfg.UartDevice,
			Baud:  cfg.Baud,
			Clock: g.Clock,
			Log:   mlog,
		})
		if err != nil {
			return errors.Annotate(err, "cellular")
		}
		x.Link = cellular.NewLink(cellular.Options{
			Channel:  x.Channel,
			Commands: &cmds,
			Config: cellular.Config{
				APN:              cfg.APN,
				User:             cfg.User,
				Password:         cfg.Password,
				CommandTimeout:   helpers.IntSecondDefault(cfg.CommandTimeoutSec, 0),
				PowerOnTimeout:   helpers.IntSecondDefault(cfg.PowerOnTimeoutSec, 0),
				WarmUp:           helpers.IntSecondDefault(cfg.WarmUpSec, 0),
				RegisterPolls:    cfg.RegisterPolls,
				RegisterInterval: helpers.IntSecondDefault(cfg.RegisterIntervalSec, 0),
				ConnectTimeout:   helpers.IntSecondDefault(cfg.ConnectTimeoutSec, 0),
			},
			Power: x.Power,
			Reset: x.Reset,
			Log:   mlog,
		})
		return nil
	})
	return x.Link, x.err
}

func (g *Global) closeHardware() error {
	x := &g.Hardware.Modem
	errs := make([]error, 0, 3)
	if x.Channel != nil {
		errs = append(errs, x.Channel.Close())
	}
	if x.Power != nil {
		errs = append(errs, x.Power.Close())
	}
	if x.Reset != nil {
		errs = append(errs, x.Reset.Close())
	}
	return helpers.FoldErrors(errs)
}

// networkModes keeps configured order, empty config means all known modes.
func networkModes(known []cellular.NetworkMode, names []string) ([]cellular.NetworkMode, error) {
	if len(names) == 0 {
		return known, nil
	}
	result := make([]cellular.NetworkMode, 0, len(names))
	for _, name := range names {
		found := false
		for _, m := range known {
			if m.Name == name {
				result = append(result, m)
				found = true
				break
			}
		}
		if !found {
			return nil, errors.NotValidf("config: cellular.network_modes unknown=%s", name)
		}
	}
	return result, nil
}

// openLine returns nil, nil for empty line config.
func openLine(chip, line, label string) (modem.PowerLine, error) {
	if line == "" {
		return nil, nil
	}
	if chip == "" {
		return nil, errors.NotValidf("config: cellular.pin_chip=empty but %s line=%s", label, line)
	}
	n, err := strconv.ParseUint(line, 10, 32)
	if err != nil {
		return nil, errors.NewNotValid(err, "config: cellular "+label+" line="+line)
	}
	return modem.OpenPowerLine(chip, uint32(n), label)
}

type once struct {
	sync.Mutex
	called uint32 // atomic bool
	err    error
}

func (o *once) done() bool {
	return atomic.LoadUint32(&o.called) == 1
}

func (o *once) do(f func() error) error {
	if o.done() { // fast path
		return o.err
	}
	o.Lock()
	defer o.Unlock()
	if o.done() {
		return o.err
	}
	o.err = f()
	atomic.StoreUint32(&o.called, 1)
	return o.err
}

// timeSource is nil (system clock) unless cellular.network_time is set.
func (g *Global) timeSource() func() (time.Time, error) {
	cell := g.Hardware.Modem.Link
	if cell == nil || !g.Config.Cellular.NetworkTime {
		return nil
	}
	return cellularTimeSource(cell)
}

// cellularTimeSource adapts link clock for reading timestamps.
// Modem is not queried while link is down or asleep, system clock is used instead.
func cellularTimeSource(link *cellular.Link) func() (time.Time, error) {
	return func() (time.Time, error) {
		switch link.State() {
		case cellular.StateDataContextActive, cellular.StateRegistered:
			return link.NetworkTime()
		}
		return time.Time{}, errors.NotFoundf("cellular network time state=%s", link.State())
	}
}
