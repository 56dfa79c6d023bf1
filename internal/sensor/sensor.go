// Package sensor adapts external readers to the delivery pipeline.
// Sensor wire protocols are out of scope: a Command sensor runs a reader
// program that prints TYPE=value pairs.
package sensor

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/internal/telemetry"
)

const DefaultCommandTimeout = 10 * time.Second

type Sensor interface {
	Kind() string
	Pin() int
	Read(ctx context.Context) ([]telemetry.Value, error)
}

type Command struct {
	kind    string
	pin     int
	argv    []string
	timeout time.Duration
}

func NewCommand(kind string, pin int, argv []string, timeout time.Duration) (*Command, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.NotValidf("sensor kind=%s command empty", kind)
	}
	if timeout == 0 {
		timeout = DefaultCommandTimeout
	}
	return &Command{kind: kind, pin: pin, argv: argv, timeout: timeout}, nil
}

func (self *Command) Kind() string { return self.kind }
func (self *Command) Pin() int     { return self.pin }

func (self *Command) Read(ctx context.Context) ([]telemetry.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, self.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, self.argv[0], self.argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Annotatef(err, "sensor kind=%s stderr=%q", self.kind, strings.TrimSpace(stderr.String()))
	}
	return ParseValues(string(out))
}

// ParseValues reads whitespace separated TYPE=value pairs in order.
func ParseValues(s string) ([]telemetry.Value, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, errors.NotValidf("sensor output empty")
	}
	vs := make([]telemetry.Value, 0, len(fields))
	for _, f := range fields {
		i := strings.IndexByte(f, '=')
		if i <= 0 {
			return nil, errors.NotValidf("sensor output field=%q", f)
		}
		v, err := strconv.ParseFloat(f[i+1:], 64)
		if err != nil {
			return nil, errors.NewNotValid(err, "sensor output field="+f)
		}
		vs = append(vs, telemetry.Value{Type: f[:i], Value: v})
	}
	return vs, nil
}

// Func is a Sensor backed by a function, for in-process readers and tests.
type Func struct {
	KindName string
	PinNum   int
	F        func(ctx context.Context) ([]telemetry.Value, error)
}

func (self *Func) Kind() string { return self.KindName }
func (self *Func) Pin() int     { return self.PinNum }
func (self *Func) Read(ctx context.Context) ([]telemetry.Value, error) {
	return self.F(ctx)
}
