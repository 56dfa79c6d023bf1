package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/hardware/cellular"
	"github.com/sensorsafrica/airnode/helpers/cli"
	"github.com/sensorsafrica/airnode/internal/state"
	"github.com/sensorsafrica/airnode/log2"
)

const usage = `syntax: AT lines are sent as is, other commands separated by whitespace
(raw)
- AT...        send line, show response until OK or ERROR
- wait PREFIX  wait for unsolicited line starting with PREFIX

(session)
- bringup      power on, register, activate data context
- state        show session state, ICCID, counters
- csq          signal quality
- op           operator name
- net          serving cell info
- time         network time
- sleep        enter sleep mode
- reset        soft reset (reboot command)
- hardreset    pulse reset line or power cycle
- sN           pause N milliseconds

(meta)
- log=yes      enable debug logging
- log=no       disable debug logging
- loop=N       repeat N times all commands on this line
`

var log = log2.NewStderr(log2.LDebug)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := cmdline.String("config", "", "read cellular section from airnode config, other flags ignored")
	devicePath := cmdline.String("device", "/dev/ttyS0", "")
	baud := cmdline.Int("baud", 115200, "")
	apn := cmdline.String("apn", "", "")
	pinChip := cmdline.String("pin-chip", "/dev/gpiochip0", "")
	powerLine := cmdline.String("power-line", "", "GPIO line number of modem power key, empty: not wired")
	resetLine := cmdline.String("reset-line", "", "GPIO line number of modem reset, empty: not wired")
	timeout := cmdline.Duration("timeout", 10*time.Second, "raw command timeout")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	var config *state.Config
	if *configPath != "" {
		config = state.MustReadConfig(log, state.NewOsFullReader(), *configPath)
	} else {
		config = new(state.Config)
		config.Cellular.UartDevice = *devicePath
		config.Cellular.Baud = *baud
		config.Cellular.APN = *apn
		config.Cellular.PinChip = *pinChip
		config.Cellular.PowerLine = *powerLine
		config.Cellular.ResetLine = *resetLine
	}
	config.Cellular.Enable = true
	config.Cellular.LogDebug = true

	ctx, g := state.NewContext(log)
	g.Config = config
	if _, err := g.Cellular(); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer g.Close()

	cli.MainLoop("airnode-modem-cli", newExecutor(ctx, *timeout), newCompleter(), func() { _ = g.Close() })
}

type step struct {
	name string
	f    func(ctx context.Context) error
}

type program struct {
	steps []step
	loop  uint
}

func (p program) run(ctx context.Context) error {
	n := p.loop
	if n == 0 {
		n = 1
	}
	for i := uint(0); i < n; i++ {
		for _, s := range p.steps {
			if err := s.f(ctx); err != nil {
				return errors.Annotatef(err, "step=%s", s.name)
			}
		}
	}
	return nil
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "AT", Description: "send raw command"},
		{Text: "wait", Description: "wait for unsolicited line"},
		{Text: "bringup", Description: "power on, register, activate data context"},
		{Text: "state", Description: "session state and counters"},
		{Text: "csq", Description: "signal quality"},
		{Text: "op", Description: "operator name"},
		{Text: "net", Description: "serving cell info"},
		{Text: "time", Description: "network time"},
		{Text: "sleep", Description: "enter sleep mode"},
		{Text: "reset", Description: "soft reset"},
		{Text: "hardreset", Description: "hardware reset"},
		{Text: "sN", Description: "pause for N ms"},
		{Text: "loop=N", Description: "repeat line N times"},
	}

	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(ctx context.Context, timeout time.Duration) func(string) {
	g := state.GetGlobal(ctx)
	return func(line string) {
		p, err := parseLine(line, timeout)
		if err != nil {
			g.Log.Error(errors.ErrorStack(err))
			return
		}
		if err = p.run(ctx); err != nil {
			g.Log.Error(errors.ErrorStack(err))
		}
	}
}

func parseLine(line string, timeout time.Duration) (program, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return program{}, nil
	case len(line) >= 2 && strings.EqualFold(line[:2], "AT"):
		return program{steps: []step{newRaw(line, timeout)}}, nil
	case strings.HasPrefix(line, "wait "):
		prefix := strings.TrimSpace(line[5:])
		return program{steps: []step{newWait(prefix, timeout)}}, nil
	}

	p := program{}
	for _, word := range strings.Fields(line) {
		switch {
		case word == "help":
			return program{steps: []step{{name: "help", f: func(context.Context) error {
				log.Info(usage)
				return nil
			}}}}, nil
		case strings.HasPrefix(word, "loop="):
			if p.loop != 0 {
				return program{}, errors.Errorf("multiple loop commands, expected at most one")
			}
			i, err := strconv.ParseUint(word[5:], 10, 32)
			if err != nil {
				return program{}, errors.Annotatef(err, "word=%s", word)
			}
			p.loop = uint(i)
		default:
			s, err := parseCommand(word)
			if err != nil {
				return program{}, err
			}
			p.steps = append(p.steps, s)
		}
	}
	return p, nil
}

func parseCommand(word string) (step, error) {
	if f, ok := linkCommands[word]; ok {
		return step{name: word, f: withLink(f)}, nil
	}
	switch {
	case word == "log=yes" || word == "log=no":
		level := log2.LDebug
		if word == "log=no" {
			level = log2.LError
		}
		return step{name: word, f: withLink(func(_ context.Context, l *cellular.Link) error {
			l.Channel().SetLog(log.Clone(level))
			return nil
		})}, nil
	case word[0] == 's':
		i, err := strconv.ParseUint(word[1:], 10, 32)
		if err != nil {
			return step{}, errors.Annotatef(err, "word=%s", word)
		}
		d := time.Duration(i) * time.Millisecond
		return step{name: word, f: func(ctx context.Context) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}, nil
	default:
		return step{}, errors.Errorf("error: invalid command: '%s'", word)
	}
}

var linkCommands = map[string]func(context.Context, *cellular.Link) error{
	"bringup": func(ctx context.Context, l *cellular.Link) error {
		_, err := l.Ensure(ctx)
		if err == nil {
			log.Infof("state=%s iccid=%s", l.State(), l.ICCID())
		}
		return err
	},
	"state": func(_ context.Context, l *cellular.Link) error {
		log.Infof("state=%s iccid=%s counters=%+v", l.State(), l.ICCID(), l.Counters())
		return nil
	},
	"csq": func(_ context.Context, l *cellular.Link) error {
		s, err := l.SignalQuality()
		if err == nil {
			log.Infof("rssi=%d ber=%d known=%t", s.RSSI, s.BER, s.Known())
		}
		return err
	},
	"op": func(_ context.Context, l *cellular.Link) error {
		name, err := l.OperatorName()
		if err == nil {
			log.Infof("operator=%s", name)
		}
		return err
	},
	"net": func(_ context.Context, l *cellular.Link) error {
		ni, err := l.NetworkInfo()
		if err == nil {
			log.Infof("access=%s operator=%s band=%s channel=%d", ni.Access, ni.Operator, ni.Band, ni.Channel)
		}
		return err
	},
	"time": func(_ context.Context, l *cellular.Link) error {
		t, err := l.NetworkTime()
		if err == nil {
			log.Infof("network time=%s", t.Format(time.RFC3339))
		}
		return err
	},
	"sleep":     func(ctx context.Context, l *cellular.Link) error { return l.Sleep(ctx) },
	"reset":     func(ctx context.Context, l *cellular.Link) error { return l.SoftReset(ctx) },
	"hardreset": func(ctx context.Context, l *cellular.Link) error { return l.HardReset(ctx) },
}

func withLink(f func(context.Context, *cellular.Link) error) func(context.Context) error {
	return func(ctx context.Context) error {
		l, err := state.GetGlobal(ctx).Cellular()
		if err != nil {
			return err
		}
		return f(ctx, l)
	}
}

func newRaw(command string, timeout time.Duration) step {
	return step{name: command, f: withLink(func(_ context.Context, l *cellular.Link) error {
		r, err := l.Channel().SendCapture(command, "\nOK", timeout)
		for _, line := range r.Lines() {
			log.Infof("< %s", line)
		}
		return err
	})}
}

func newWait(prefix string, timeout time.Duration) step {
	return step{name: "wait " + prefix, f: withLink(func(_ context.Context, l *cellular.Link) error {
		line, err := l.Channel().AwaitUnsolicited(prefix, timeout)
		if err == nil {
			log.Infof("< %s", line)
		}
		return err
	})}
}
