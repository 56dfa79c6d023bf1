// Package telemetry encodes readings and buffers encoded payloads in
// bounded memory queues and a crash-safe durable queue file.
package telemetry

import (
	"time"
)

type Value struct {
	Type  string
	Value float64
}

// Reading is immutable, accessors return copies.
type Reading struct {
	time   time.Time
	kind   string
	pin    int
	values []Value
}

func NewReading(t time.Time, kind string, pin int, values []Value) Reading {
	vs := make([]Value, len(values))
	copy(vs, values)
	return Reading{time: t, kind: kind, pin: pin, values: vs}
}

func (r Reading) Time() time.Time { return r.time }
func (r Reading) Kind() string    { return r.kind }

// Pin identifies ingestion endpoint credential the reading is posted under.
func (r Reading) Pin() int { return r.pin }

func (r Reading) Values() []Value {
	vs := make([]Value, len(r.values))
	copy(vs, r.values)
	return vs
}
