package helpers

import (
	"expvar"
	"io"
)

// StatReadWriter counts bytes passing through RW.
// Counters are plain expvar.Int values, publish them if needed.
type StatReadWriter struct {
	RW io.ReadWriter
	Rx *expvar.Int
	Tx *expvar.Int
}

var _ io.ReadWriter = &StatReadWriter{}

func NewStatReadWriter(rw io.ReadWriter, rx, tx *expvar.Int) *StatReadWriter {
	return &StatReadWriter{RW: rw, Rx: rx, Tx: tx}
}

func (self *StatReadWriter) Read(p []byte) (int, error) {
	n, err := self.RW.Read(p)
	if self.Rx != nil && n > 0 {
		self.Rx.Add(int64(n))
	}
	return n, err
}

func (self *StatReadWriter) Write(p []byte) (int, error) {
	n, err := self.RW.Write(p)
	if self.Tx != nil && n > 0 {
		self.Tx.Add(int64(n))
	}
	return n, err
}
