package telemetry

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
)

// AuditLog appends tabular rows to one file per calendar day:
// <dir>/sensordata-2006-01-02.csv. It is a passive local record,
// never a delivery source.
type AuditLog struct {
	dir      string
	location *time.Location
}

func NewAuditLog(dir string, location *time.Location) (*AuditLog, error) {
	if dir == "" {
		return nil, errors.NotValidf("audit log dir empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Annotatef(err, "audit log mkdir=%s", dir)
	}
	if location == nil {
		location = time.UTC
	}
	return &AuditLog{dir: dir, location: location}, nil
}

// PathFor is pure function of date, rollover at midnight in log location.
func (self *AuditLog) PathFor(t time.Time) string {
	return filepath.Join(self.dir, "sensordata-"+t.In(self.location).Format("2006-01-02")+".csv")
}

func (self *AuditLog) Append(now time.Time, rows []string) error {
	if len(rows) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, r := range rows {
		buf.WriteString(r)
		buf.WriteByte('\n')
	}
	path := self.PathFor(now)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return errors.Annotate(err, "audit log open")
	}
	if _, err = f.Write(buf.Bytes()); err == nil {
		err = f.Sync()
	}
	if errClose := f.Close(); err == nil {
		err = errClose
	}
	return errors.Annotatef(err, "audit log append path=%s", path)
}
