package modem

// Public API to create scripted modem stubs for tests of code above Channel.
import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/sensorsafrica/airnode/helpers"
	"github.com/sensorsafrica/airnode/log2"
)

// MockStep is one expected exchange. Command is compared to the written
// line without CR LF. For raw writes (no line terminator) Command is the
// exact data. Reply is queued for reading right after the write.
type MockStep struct {
	Command string
	Reply   string
}

// MockPeer is Uarter playing modem side from a script.
// Unexpected writes are recorded and get no reply, so the channel times out.
type MockPeer struct {
	mu       sync.Mutex
	rx       bytes.Buffer
	script   []MockStep
	written  []string
	errs     []string
	closed   bool
	Fallback func(command string) (reply string, ok bool)
}

func NewMockPeer(steps ...MockStep) *MockPeer {
	return &MockPeer{script: steps}
}

func (self *MockPeer) Open(path string, baud int) error { return nil }

func (self *MockPeer) Close() error {
	self.mu.Lock()
	self.closed = true
	self.mu.Unlock()
	return nil
}

func (self *MockPeer) Read(p []byte) (int, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.rx.Len() == 0 {
		return 0, nil
	}
	return self.rx.Read(p)
}

func (self *MockPeer) Write(p []byte) (int, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	s := string(p)
	command := strings.TrimSuffix(s, "\r\n")
	self.written = append(self.written, command)

	if len(self.script) > 0 {
		step := self.script[0]
		if step.Command == command {
			self.script = self.script[1:]
			self.rx.WriteString(step.Reply)
			return len(p), nil
		}
		if self.Fallback == nil {
			self.errs = append(self.errs, fmt.Sprintf("expected=%q written=%q", step.Command, command))
			return len(p), nil
		}
	}
	if self.Fallback != nil {
		if reply, ok := self.Fallback(command); ok {
			self.rx.WriteString(reply)
			return len(p), nil
		}
	}
	self.errs = append(self.errs, fmt.Sprintf("unexpected written=%q", command))
	return len(p), nil
}

func (self *MockPeer) ResetRead() error {
	self.mu.Lock()
	self.rx.Reset()
	self.mu.Unlock()
	return nil
}

// Expect appends steps to the script.
func (self *MockPeer) Expect(steps ...MockStep) {
	self.mu.Lock()
	self.script = append(self.script, steps...)
	self.mu.Unlock()
}

// ExpectN appends the same step n times.
func (self *MockPeer) ExpectN(n int, step MockStep) {
	for i := 0; i < n; i++ {
		self.Expect(step)
	}
}

// Inject queues bytes as if modem sent them unprompted.
func (self *MockPeer) Inject(s string) {
	self.mu.Lock()
	self.rx.WriteString(s)
	self.mu.Unlock()
}

// Written returns every write so far, line terminators stripped.
func (self *MockPeer) Written() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	out := make([]string, len(self.written))
	copy(out, self.written)
	return out
}

func (self *MockPeer) Remaining() []MockStep {
	self.mu.Lock()
	defer self.mu.Unlock()
	out := make([]MockStep, len(self.script))
	copy(out, self.script)
	return out
}

// Check fails test on script mismatch or leftover steps.
func (self *MockPeer) Check(t testing.TB) {
	t.Helper()
	self.mu.Lock()
	defer self.mu.Unlock()
	for _, e := range self.errs {
		t.Errorf("modem mock: %s", e)
	}
	for _, step := range self.script {
		t.Errorf("modem mock: step not executed command=%q", step.Command)
	}
}

// NewTestChannel returns channel over peer driven by virtual clock.
func NewTestChannel(t testing.TB, peer *MockPeer, clock helpers.Clock) *Channel {
	ch, err := NewChannel(peer, Options{Clock: clock, Log: log2.NewTest(t, log2.LDebug)})
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

// Ok is shorthand for command answered with final OK.
func Ok(command string) MockStep { return MockStep{Command: command, Reply: "\r\nOK\r\n"} }

// Silent is command that gets no answer at all.
func Silent(command string) MockStep { return MockStep{Command: command} }
