// Package transport tracks health of the station and cellular links,
// resolves which one to use and sends with same-cycle fallback and
// cross-cycle backoff.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/internal/types"
)

type Kind uint8

const (
	KindNone Kind = iota
	KindStation
	KindCellular
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindStation:
		return "station"
	case KindCellular:
		return "cellular"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "station", "wifi":
		return KindStation, nil
	case "cellular", "gsm", "modem":
		return KindCellular, nil
	}
	return KindNone, errors.NotValidf("transport kind=%q", s)
}

var (
	ErrGaveUp      = errors.New("all transports exceeded retry attempts")
	ErrNoTransport = errors.New("no reachable transport")
	ErrUnreachable = errors.New("transport unreachable")
)

type Link interface {
	Kind() Kind
	// Probe is a cheap reachability check, no payload exchanged.
	Probe(ctx context.Context) bool
	// Reconnect re-establishes the link, may take long (modem bring-up).
	Reconnect(ctx context.Context) error
	Send(ctx context.Context, req *types.Request) error
}

// Idler is implemented by links that can enter low power between cycles.
type Idler interface {
	Idle(ctx context.Context) error
}

// LinkState is a snapshot, Manager owns the live values.
type LinkState struct {
	Kind                Kind
	Present             bool
	Reachable           bool
	ConsecutiveFailures uint8
	LastAttempt         time.Time
	LastSuccess         time.Time
	BackoffInterval     time.Duration
}

func (s LinkState) String() string {
	return fmt.Sprintf("%s present=%t reachable=%t failures=%d backoff=%v",
		s.Kind, s.Present, s.Reachable, s.ConsecutiveFailures, s.BackoffInterval)
}
