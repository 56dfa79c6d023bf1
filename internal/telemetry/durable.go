package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/log2"
)

const (
	DefaultStorageReserve = 64 << 10
	tmpSuffix             = ".tmp"
)

var ErrStorageFull = errors.New("storage free space below reserve")

type envelope struct {
	Pin     int             `json:"pin"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// DurableQueue is append-only newline delimited file of payload envelopes.
// Replay rewrites survivors to path+".tmp" and swaps it in:
// fsync temp, remove original, rename temp. Open finishes or discards
// a swap interrupted by power loss, so the file is always either the
// original or a complete replacement.
// Single owner, no locks.
type DurableQueue struct {
	path      string
	reserve   uint64
	log       *log2.Log
	freeSpace func(dir string) (uint64, error)
}

type ReplayStat struct {
	Read        int
	Delivered   int
	Requeued    int
	Quarantined int
}

func OpenDurable(path string, reserve uint64, log *log2.Log) (*DurableQueue, error) {
	if path == "" {
		return nil, errors.NotValidf("durable queue path empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Annotatef(err, "durable queue mkdir path=%s", path)
	}
	self := &DurableQueue{path: path, reserve: reserve, log: log, freeSpace: FreeSpace}
	if err := self.recover(); err != nil {
		return nil, err
	}
	return self, nil
}

func (self *DurableQueue) Path() string { return self.path }

func (self *DurableQueue) recover() error {
	tmp := self.path + tmpSuffix
	_, errTmp := os.Stat(tmp)
	if os.IsNotExist(errTmp) {
		return nil
	}
	if errTmp != nil {
		return errors.Annotatef(errTmp, "durable queue recover stat=%s", tmp)
	}
	_, errOrig := os.Stat(self.path)
	switch {
	case errOrig == nil:
		// crashed before original was removed, temp may be incomplete
		self.log.Infof("durable queue discard interrupted replacement %s", tmp)
		return errors.Annotate(os.Remove(tmp), "durable queue recover")
	case os.IsNotExist(errOrig):
		// crashed between remove and rename, temp was synced
		self.log.Infof("durable queue finish interrupted replacement %s", tmp)
		if err := os.Rename(tmp, self.path); err != nil {
			return errors.Annotate(err, "durable queue recover")
		}
		return syncDir(filepath.Dir(self.path))
	default:
		return errors.Annotatef(errOrig, "durable queue recover stat=%s", self.path)
	}
}

// Append writes one payload and fsyncs. A tail left without newline by
// an interrupted append is terminated first, so that line alone is
// quarantined on replay. A swap left unfinished by a failed rename is
// completed before writing, so the original is never recreated beside it.
func (self *DurableQueue) Append(p Payload) error {
	if err := self.recover(); err != nil {
		return err
	}
	if err := self.checkSpace(); err != nil {
		return err
	}
	line, err := json.Marshal(envelope{Pin: p.Pin, Kind: p.Kind, Payload: p.Body})
	if err != nil {
		return errors.Annotate(err, "durable queue encode")
	}
	f, err := os.OpenFile(self.path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return errors.Annotate(err, "durable queue open")
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return errors.Annotate(err, "durable queue stat")
	}
	buf := make([]byte, 0, len(line)+2)
	if size := fi.Size(); size > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err != nil {
			return errors.Annotate(err, "durable queue read tail")
		}
		if last[0] != '\n' {
			self.log.Infof("durable queue terminate truncated tail size=%d", size)
			buf = append(buf, '\n')
		}
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return errors.Annotate(err, "durable queue write")
	}
	return errors.Annotate(f.Sync(), "durable queue sync")
}

func (self *DurableQueue) checkSpace() error {
	if self.reserve == 0 {
		return nil
	}
	free, err := self.freeSpace(filepath.Dir(self.path))
	if err != nil {
		return errors.Annotate(err, "durable queue statfs")
	}
	if free < self.reserve {
		return errors.Annotatef(ErrStorageFull, "free=%d reserve=%d", free, self.reserve)
	}
	return nil
}

// Len counts non-empty lines, malformed included.
func (self *DurableQueue) Len() (int, error) {
	f, err := os.Open(self.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Annotate(err, "durable queue open")
	}
	defer f.Close()
	n := 0
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) != 0 {
			n++
		}
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, errors.Annotate(err, "durable queue read")
		}
	}
}

// Replay makes one pass: well-formed entries are passed to send, delivered
// ones dropped, failed ones kept. Malformed lines are quarantined (dropped).
// After ctx is done the remaining lines are kept without sending.
// Temp file is created at the first dropped line, unchanged prefix is
// copied as is. A pass that drops nothing leaves the file untouched.
func (self *DurableQueue) Replay(ctx context.Context, send func(Payload) error) (ReplayStat, error) {
	var stat ReplayStat
	if err := self.recover(); err != nil {
		return stat, err
	}
	src, err := os.Open(self.path)
	if os.IsNotExist(err) {
		return stat, nil
	}
	if err != nil {
		return stat, errors.Annotate(err, "durable queue open")
	}
	defer src.Close()

	tmpPath := self.path + tmpSuffix
	var tmp *os.File
	var w *bufio.Writer
	begin := func(prefix int64) error {
		f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return errors.Annotate(err, "durable queue create temp")
		}
		tmp = f
		w = bufio.NewWriter(tmp)
		_, err = io.Copy(w, io.NewSectionReader(src, 0, prefix))
		return errors.Annotate(err, "durable queue copy temp")
	}
	abort := func(err error) (ReplayStat, error) {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
		return stat, err
	}

	r := bufio.NewReader(src)
	lineno := 0
	var offset int64
	for {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return abort(errors.Annotate(readErr, "durable queue read"))
		}
		lineStart := offset
		offset += int64(len(line))
		terminated := len(line) > 0 && line[len(line)-1] == '\n'
		line = bytes.TrimSpace(line)
		if len(line) != 0 {
			lineno++
			stat.Read++
			p, decodeErr := decodeLine(line)
			keep := false
			switch {
			case decodeErr != nil:
				stat.Quarantined++
				if !terminated {
					self.log.Errorf("durable queue quarantine truncated tail line=%d err=%v", lineno, decodeErr)
				} else {
					self.log.Errorf("durable queue quarantine line=%d err=%v", lineno, decodeErr)
				}
			case ctx.Err() != nil:
				stat.Requeued++
				keep = true
			default:
				if err := send(p); err != nil {
					stat.Requeued++
					self.log.Debugf("durable queue keep line=%d err=%v", lineno, err)
					keep = true
				} else {
					stat.Delivered++
				}
			}
			var writeErr error
			switch {
			case keep && tmp != nil:
				writeErr = writeLine(w, line)
			case !keep && tmp == nil:
				writeErr = begin(lineStart)
			}
			if writeErr != nil {
				return abort(errors.Annotate(writeErr, "durable queue write temp"))
			}
		}
		if readErr == io.EOF {
			break
		}
	}

	if tmp == nil {
		if stat.Read != 0 {
			self.log.Debugf("durable queue replay read=%d unchanged", stat.Read)
		}
		return stat, nil
	}
	if err := w.Flush(); err != nil {
		return abort(errors.Annotate(err, "durable queue flush temp"))
	}
	if err := tmp.Sync(); err != nil {
		return abort(errors.Annotate(err, "durable queue sync temp"))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return stat, errors.Annotate(err, "durable queue close temp")
	}
	src.Close()
	if err := os.Remove(self.path); err != nil {
		os.Remove(tmpPath)
		return stat, errors.Annotate(err, "durable queue remove original")
	}
	// from here until rename succeeds survivors live only in temp,
	// recover() at the next Append or Replay finishes the swap
	if err := os.Rename(tmpPath, self.path); err != nil {
		return stat, errors.Annotate(err, "durable queue rename temp")
	}
	if err := syncDir(filepath.Dir(self.path)); err != nil {
		self.log.Errorf("durable queue sync dir err=%v", err)
	}
	self.log.Infof("durable queue replay read=%d delivered=%d requeued=%d quarantined=%d",
		stat.Read, stat.Delivered, stat.Requeued, stat.Quarantined)
	return stat, nil
}

func decodeLine(line []byte) (Payload, error) {
	if line[0] != '{' || line[len(line)-1] != '}' {
		return Payload{}, errors.NotValidf("durable line shape")
	}
	var e envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return Payload{}, errors.NewNotValid(err, "durable line json")
	}
	if e.Pin <= 0 {
		return Payload{}, errors.NotValidf("durable line pin=%d", e.Pin)
	}
	if err := ValidBody(e.Payload); err != nil {
		return Payload{}, err
	}
	return Payload{Pin: e.Pin, Kind: e.Kind, Body: e.Payload}, nil
}

func writeLine(w *bufio.Writer, line []byte) error {
	if _, err := w.Write(line); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Annotate(err, "sync dir")
	}
	defer d.Close()
	return errors.Annotate(d.Sync(), "sync dir")
}
