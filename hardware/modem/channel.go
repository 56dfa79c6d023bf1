// Package modem is the request/response driver for a cellular modem
// speaking a line oriented command protocol over a serial port.
//
// Channel contract:
// - every Send* discards unread input before writing the command
// - response matching is substring search over a bounded receive buffer
// - a call never blocks past its timeout (plus one read slice)
// - no retries here, retry policy belongs to the caller
package modem

import (
	"bytes"
	"expvar"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/helpers"
	"github.com/sensorsafrica/airnode/log2"
)

const (
	DefaultBaud       = 115200
	DefaultBufferSize = 256
	// on overflow the receive buffer keeps this many newest bytes
	DefaultBufferKeep = 128
	defaultPollSlice  = 10 * time.Millisecond
)

var ErrCommandRejected = errors.New("modem command rejected")

var rejectTokens = [][]byte{
	[]byte("\nERROR"),
	[]byte("+CME ERROR"),
	[]byte("+CMS ERROR"),
}

type Stat struct {
	Commands expvar.Int
	Timeouts expvar.Int
	Rejected expvar.Int
	Rx       expvar.Int
	Tx       expvar.Int
}

type Channel struct {
	io    Uarter
	rw    *helpers.StatReadWriter
	clock helpers.Clock
	log   *log2.Log
	lk    sync.Mutex

	buf     []byte
	bufSize int
	rbuf    [64]byte
	poll    time.Duration
	stat    Stat
}

type Options struct {
	Path       string
	Baud       int
	BufferSize int
	Clock      helpers.Clock
	Log        *log2.Log
}

// NewChannel opens the port. Use NewTestChannel with MockPeer in tests.
func NewChannel(u Uarter, opt Options) (*Channel, error) {
	if opt.Baud == 0 {
		opt.Baud = DefaultBaud
	}
	if opt.BufferSize == 0 {
		opt.BufferSize = DefaultBufferSize
	}
	if opt.Clock == nil {
		opt.Clock = helpers.SystemClock{}
	}
	self := &Channel{
		io:      u,
		clock:   opt.Clock,
		log:     opt.Log,
		bufSize: opt.BufferSize,
		buf:     make([]byte, 0, opt.BufferSize),
		poll:    defaultPollSlice,
	}
	self.rw = helpers.NewStatReadWriter(u, &self.stat.Rx, &self.stat.Tx)
	if err := u.Open(opt.Path, opt.Baud); err != nil {
		return nil, errors.Annotate(err, "modem channel")
	}
	return self, nil
}

func (self *Channel) SetLog(log *log2.Log) (previous *log2.Log) {
	self.lk.Lock()
	previous, self.log = self.log, log
	self.lk.Unlock()
	return previous
}

func (self *Channel) Stat() *Stat { return &self.stat }

func (self *Channel) Clock() helpers.Clock { return self.clock }

func (self *Channel) Close() error {
	self.lk.Lock()
	defer self.lk.Unlock()
	return errors.Trace(self.io.Close())
}

// Send writes command and waits for expect in the response.
// Errors: Timeout, ErrCommandRejected (final error result code before expect), I/O.
func (self *Channel) Send(command, expect string, timeout time.Duration) error {
	_, err := self.SendCapture(command, expect, timeout)
	return err
}

// SendCapture is Send returning everything received for this command.
func (self *Channel) SendCapture(command, expect string, timeout time.Duration) (Response, error) {
	self.lk.Lock()
	defer self.lk.Unlock()
	self.stat.Commands.Add(1)

	if err := self.io.ResetRead(); err != nil {
		return "", errors.Annotatef(err, "modem reset input before=%s", command)
	}
	self.buf = self.buf[:0]
	self.log.Debugf("modem > %s", command)
	if err := helpers.WriteAll(self.rw, []byte(command+"\r\n")); err != nil {
		return "", errors.Annotatef(err, "modem write command=%s", command)
	}

	expectb := []byte(expect)
	checkReject := !strings.Contains(expect, "ERROR")
	deadline := self.clock.Now().Add(timeout)
	for {
		if bytes.Contains(self.buf, expectb) {
			self.log.Debugf("modem < %q", self.buf)
			return Response(self.buf), nil
		}
		if checkReject && rejected(self.buf) {
			self.stat.Rejected.Add(1)
			self.log.Debugf("modem < %q rejected", self.buf)
			return Response(self.buf), errors.Annotatef(ErrCommandRejected, "command=%s", command)
		}
		if !self.clock.Now().Before(deadline) {
			self.stat.Timeouts.Add(1)
			self.log.Debugf("modem < %q timeout expect=%q", self.buf, expect)
			return Response(self.buf), errors.Timeoutf("modem command=%s expect=%s after %v", command, expect, timeout)
		}
		if err := self.readOnce(); err != nil {
			return Response(self.buf), errors.Annotatef(err, "modem read command=%s", command)
		}
	}
}

// SendRaw writes data as is, no drain and no terminator.
// Used to stream request body after the modem asked for it.
func (self *Channel) SendRaw(data []byte) error {
	self.lk.Lock()
	defer self.lk.Unlock()
	self.buf = self.buf[:0]
	self.log.Debugf("modem > (%d bytes)", len(data))
	return errors.Annotate(helpers.WriteAll(self.rw, data), "modem write raw")
}

// AwaitUnsolicited waits for a line starting with prefix and returns it whole.
// Input is not drained: notifications that arrived during the previous
// exchange are still seen.
func (self *Channel) AwaitUnsolicited(prefix string, timeout time.Duration) (string, error) {
	self.lk.Lock()
	defer self.lk.Unlock()

	deadline := self.clock.Now().Add(timeout)
	for {
		for {
			i := bytes.IndexByte(self.buf, '\n')
			if i < 0 {
				break
			}
			line := strings.TrimSpace(string(self.buf[:i]))
			self.buf = self.buf[:copy(self.buf, self.buf[i+1:])]
			if strings.HasPrefix(line, prefix) {
				self.log.Debugf("modem < urc %s", line)
				return line, nil
			}
		}
		if !self.clock.Now().Before(deadline) {
			self.stat.Timeouts.Add(1)
			return "", errors.Timeoutf("modem unsolicited prefix=%s after %v", prefix, timeout)
		}
		if err := self.readOnce(); err != nil {
			return "", errors.Annotatef(err, "modem read unsolicited prefix=%s", prefix)
		}
	}
}

func (self *Channel) readOnce() error {
	n, err := self.rw.Read(self.rbuf[:])
	if err != nil {
		return err
	}
	if n == 0 {
		self.clock.Sleep(self.poll)
		return nil
	}
	self.appendRecv(self.rbuf[:n])
	return nil
}

func (self *Channel) appendRecv(b []byte) {
	self.buf = append(self.buf, b...)
	if len(self.buf) > self.bufSize {
		keep := DefaultBufferKeep
		if keep > self.bufSize {
			keep = self.bufSize
		}
		self.buf = self.buf[:copy(self.buf, self.buf[len(self.buf)-keep:])]
	}
}

func rejected(b []byte) bool {
	for _, tok := range rejectTokens {
		if bytes.Contains(b, tok) {
			return true
		}
	}
	return bytes.HasPrefix(b, rejectTokens[0][1:])
}
