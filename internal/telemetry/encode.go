package telemetry

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

const (
	DefaultMaxPayloadSize  = 512
	DefaultSoftwareVersion = "airnode-1"
)

var ErrPayloadTooLarge = errors.NewNotValid(nil, "payload too large")

// Payload is one structured record ready for delivery.
// Pin and Kind travel with it so durable replay needs no other context.
type Payload struct {
	Pin  int
	Kind string
	Body json.RawMessage
}

type Encoder struct {
	SoftwareVersion string
	MaxPayloadSize  int
}

type sensorValue struct {
	Type  string `json:"value_type"`
	Value string `json:"value"`
}

type record struct {
	SoftwareVersion string        `json:"software_version"`
	Timestamp       string        `json:"timestamp"`
	Values          []sensorValue `json:"sensordatavalues"`
}

func (self *Encoder) maxSize() int {
	if self.MaxPayloadSize <= 0 {
		return DefaultMaxPayloadSize
	}
	return self.MaxPayloadSize
}

func validReading(r Reading) error {
	if len(r.values) == 0 {
		return errors.NotValidf("reading kind=%s without values", r.kind)
	}
	if r.pin <= 0 {
		return errors.NotValidf("reading kind=%s pin=%d", r.kind, r.pin)
	}
	if r.time.IsZero() {
		return errors.NotValidf("reading kind=%s without time", r.kind)
	}
	for _, v := range r.values {
		if v.Type == "" || strings.ContainsAny(v.Type, "\",\n") {
			return errors.NotValidf("reading kind=%s value type=%q", r.kind, v.Type)
		}
	}
	return nil
}

func formatValue(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// Structured encodes the JSON record posted to the ingestion endpoint.
func (self *Encoder) Structured(r Reading) (Payload, error) {
	if err := validReading(r); err != nil {
		return Payload{}, err
	}
	version := self.SoftwareVersion
	if version == "" {
		version = DefaultSoftwareVersion
	}
	rec := record{
		SoftwareVersion: version,
		Timestamp:       r.time.Format(time.RFC3339),
		Values:          make([]sensorValue, len(r.values)),
	}
	for i, v := range r.values {
		rec.Values[i] = sensorValue{Type: v.Type, Value: formatValue(v.Value)}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return Payload{}, errors.Annotate(err, "telemetry encode structured")
	}
	if len(b) > self.maxSize() {
		return Payload{}, errors.Annotatef(ErrPayloadTooLarge, "structured size=%d max=%d", len(b), self.maxSize())
	}
	return Payload{Pin: r.pin, Kind: r.kind, Body: b}, nil
}

// Tabular encodes flat CSV row without line terminator:
// timestamp,kind,pin,type1,value1,type2,value2...
func (self *Encoder) Tabular(r Reading) (string, error) {
	if err := validReading(r); err != nil {
		return "", err
	}
	fields := make([]string, 0, 3+2*len(r.values))
	fields = append(fields, r.time.Format(time.RFC3339), r.kind, strconv.Itoa(r.pin))
	for _, v := range r.values {
		fields = append(fields, v.Type, formatValue(v.Value))
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return "", errors.Annotate(err, "telemetry encode tabular")
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", errors.Annotate(err, "telemetry encode tabular")
	}
	row := strings.TrimRight(buf.String(), "\r\n")
	if len(row) > self.maxSize() {
		return "", errors.Annotatef(ErrPayloadTooLarge, "tabular size=%d max=%d", len(row), self.maxSize())
	}
	return row, nil
}

// ValidBody checks stored body shape before replay.
func ValidBody(b []byte) error {
	var rec record
	d := json.NewDecoder(bytes.NewReader(b))
	if err := d.Decode(&rec); err != nil {
		return errors.NewNotValid(err, "payload body")
	}
	if len(rec.Values) == 0 {
		return errors.NotValidf("payload body without sensordatavalues")
	}
	return nil
}
