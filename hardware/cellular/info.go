package cellular

import (
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/hardware/modem"
)

// Modem clock keeps 1980 or 2000 epoch until network time is received.
const minSyncedYear = 2020

var ErrTimeNotSynced = errors.New("modem clock not synced with network")

type Signal struct {
	RSSI int // 0..31, 99 unknown
	BER  int
}

func (s Signal) Known() bool { return s.RSSI != 99 }

// DBm converts RSSI to dBm, zero when unknown.
func (s Signal) DBm() int {
	if !s.Known() {
		return 0
	}
	return -113 + 2*s.RSSI
}

type NetworkInfo struct {
	Access   string
	Operator string
	Band     string
	Channel  int
}

// SignalQuality needs only comms with modem, no registration.
func (self *Link) SignalQuality() (Signal, error) {
	r, err := self.info(self.cmd.Signal)
	if err != nil {
		return Signal{}, err
	}
	vs, err := r.Ints(self.cmd.SignalPrefix)
	if err != nil {
		return Signal{}, errors.Trace(err)
	}
	if len(vs) < 2 {
		return Signal{}, &modem.ParseError{Prefix: self.cmd.SignalPrefix, Text: string(r), Reason: "expected rssi,ber"}
	}
	return Signal{RSSI: vs[0], BER: vs[1]}, nil
}

func (self *Link) OperatorName() (string, error) {
	r, err := self.info(self.cmd.Operator)
	if err != nil {
		return "", err
	}
	vs, err := r.Values(self.cmd.OperatorPrefix)
	if err != nil {
		return "", errors.Trace(err)
	}
	return vs[0], nil
}

func (self *Link) NetworkInfo() (NetworkInfo, error) {
	r, err := self.info(self.cmd.NetworkInfo)
	if err != nil {
		return NetworkInfo{}, err
	}
	vs, err := r.Values(self.cmd.NetworkInfoPrefix)
	if err != nil {
		return NetworkInfo{}, errors.Trace(err)
	}
	if len(vs) < 3 {
		return NetworkInfo{}, &modem.ParseError{Prefix: self.cmd.NetworkInfoPrefix, Text: string(r), Reason: "expected access,operator,band"}
	}
	ni := NetworkInfo{Access: vs[0], Operator: vs[1], Band: vs[2]}
	if len(vs) >= 4 {
		ni.Channel, _ = strconv.Atoi(vs[3])
	}
	return ni, nil
}

// NetworkTime reads modem clock synced from network (NITZ).
func (self *Link) NetworkTime() (time.Time, error) {
	r, err := self.info(self.cmd.Clock)
	if err != nil {
		return time.Time{}, err
	}
	vs, err := r.Values(self.cmd.ClockPrefix)
	if err != nil {
		return time.Time{}, errors.Trace(err)
	}
	// value contains a comma inside quotes, SplitValues keeps it whole
	return ParseModemTime(vs[0])
}

// Now makes Link a reading time source.
func (self *Link) Now() (time.Time, error) { return self.NetworkTime() }

// ParseModemTime parses "yy/MM/dd,hh:mm:ss±zz" where zz is offset in quarter hours.
func ParseModemTime(s string) (time.Time, error) {
	if len(s) != 20 || s[2] != '/' || s[5] != '/' || s[8] != ',' || s[11] != ':' || s[14] != ':' ||
		(s[17] != '+' && s[17] != '-') {
		return time.Time{}, errors.NotValidf("modem time=%q", s)
	}
	num := func(i int) (int, error) { return strconv.Atoi(s[i : i+2]) }
	var parts [7]int
	for i, pos := range []int{0, 3, 6, 9, 12, 15, 18} {
		n, err := num(pos)
		if err != nil {
			return time.Time{}, errors.NotValidf("modem time=%q", s)
		}
		parts[i] = n
	}
	quarters := parts[6]
	if s[17] == '-' {
		quarters = -quarters
	}
	zone := time.FixedZone("", quarters*15*60)
	t := time.Date(2000+parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], 0, zone)
	if t.Month() != time.Month(parts[1]) || t.Day() != parts[2] {
		return time.Time{}, errors.NotValidf("modem time=%q", s)
	}
	if t.Year() < minSyncedYear {
		return t, errors.Annotatef(ErrTimeNotSynced, "modem time=%q", s)
	}
	return t, nil
}

func (self *Link) info(command string) (modem.Response, error) {
	if self.state == StatePoweredOff || self.state == StateSleeping {
		return "", errors.Annotatef(ErrIllegalTransition, "info command=%s state=%s", command, self.state)
	}
	r, err := self.ch.SendCapture(command, "OK", self.config.InfoTimeout)
	return r, errors.Annotatef(err, "cellular info command=%s", command)
}
