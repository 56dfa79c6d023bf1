package modem

import (
	"time"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/helpers"
	gpio "github.com/temoto/gpio-cdev-go"
)

// PowerLine is one output GPIO wired to modem power key or reset pin.
type PowerLine interface {
	Set(high bool) error
	Close() error
}

type gpioLine struct {
	chip  gpio.Chiper
	lines gpio.Lineser
	set   gpio.LineSetFunc
}

// OpenPowerLine requests line on chip (e.g. "/dev/gpiochip0") as output.
func OpenPowerLine(chipPath string, line uint32, label string) (PowerLine, error) {
	chip, err := gpio.Open(chipPath, "airnode")
	if err != nil {
		return nil, errors.Annotatef(err, "gpio open chip=%s", chipPath)
	}
	pl, err := NewPowerLine(chip, line, label)
	if err != nil {
		chip.Close()
		return nil, err
	}
	return pl, nil
}

func NewPowerLine(chip gpio.Chiper, line uint32, label string) (PowerLine, error) {
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, label, line)
	if err != nil {
		return nil, errors.Annotatef(err, "gpio request line=%d label=%s", line, label)
	}
	return &gpioLine{chip: chip, lines: lines, set: lines.SetFunc(line)}, nil
}

func (self *gpioLine) Set(high bool) error {
	var v byte
	if high {
		v = 1
	}
	self.set(v)
	return errors.Trace(self.lines.Flush())
}

func (self *gpioLine) Close() error {
	errs := []error{self.lines.Close(), self.chip.Close()}
	return helpers.FoldErrors(errs)
}

// Pulse drives line to level for d, then back.
func Pulse(pl PowerLine, clock helpers.Clock, level bool, d time.Duration) error {
	if err := pl.Set(level); err != nil {
		return errors.Annotate(err, "pulse begin")
	}
	clock.Sleep(d)
	return errors.Annotate(pl.Set(!level), "pulse end")
}

// NullPowerLine is used when modem power is not controlled by this host.
type NullPowerLine struct{}

func (NullPowerLine) Set(bool) error { return nil }
func (NullPowerLine) Close() error   { return nil }
