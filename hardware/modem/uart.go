package modem

import (
	"time"

	"github.com/juju/errors"
	"go.bug.st/serial"
)

// Uarter is the serial peer of the modem.
// Read must return (0, nil) after a short read timeout with no data,
// so the channel can enforce its own deadlines.
type Uarter interface {
	Open(path string, baud int) error
	Close() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// ResetRead discards input received but not yet read.
	ResetRead() error
}

const DefaultReadSlice = 20 * time.Millisecond

type serialUart struct {
	port  serial.Port
	slice time.Duration
}

func NewSerialUart(readSlice time.Duration) Uarter {
	if readSlice == 0 {
		readSlice = DefaultReadSlice
	}
	return &serialUart{slice: readSlice}
}

func (self *serialUart) Open(path string, baud int) error {
	if self.port != nil {
		_ = self.port.Close()
		self.port = nil
	}
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return errors.Annotatef(err, "serial open path=%s baud=%d", path, baud)
	}
	if err = port.SetReadTimeout(self.slice); err != nil {
		_ = port.Close()
		return errors.Annotatef(err, "serial read timeout path=%s", path)
	}
	self.port = port
	return nil
}

func (self *serialUart) Close() error {
	if self.port == nil {
		return nil
	}
	err := self.port.Close()
	self.port = nil
	return errors.Trace(err)
}

func (self *serialUart) Read(p []byte) (int, error)  { return self.port.Read(p) }
func (self *serialUart) Write(p []byte) (int, error) { return self.port.Write(p) }
func (self *serialUart) ResetRead() error            { return self.port.ResetInputBuffer() }
