package state

import (
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/helpers"
	"github.com/sensorsafrica/airnode/internal/mirror"
	"github.com/sensorsafrica/airnode/log2"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Node struct {
		SensorID        string `hcl:"sensor_id"`
		SoftwareVersion string `hcl:"software_version"`
		LogDebug        bool   `hcl:"log_debug"`
	} `hcl:"node"`

	Endpoint struct {
		Host    string         `hcl:"host"`
		Port    int            `hcl:"port"`
		Path    string         `hcl:"path"`
		Headers []HeaderConfig `hcl:"header"`
	} `hcl:"endpoint"`

	Station struct {
		Enable          bool   `hcl:"enable"`
		Interface       string `hcl:"interface"`
		ProbeAddr       string `hcl:"probe_addr"`
		ProbeTimeoutSec int    `hcl:"probe_timeout_sec"`
		PostTimeoutSec  int    `hcl:"post_timeout_sec"`
	} `hcl:"station"`

	Cellular struct { //nolint:maligned
		Enable     bool   `hcl:"enable"`
		UartDevice string `hcl:"uart_device"`
		Baud       int    `hcl:"baud"`
		PinChip    string `hcl:"pin_chip"`
		PowerLine  string `hcl:"power_line"` // empty: modem power is not switched
		ResetLine  string `hcl:"reset_line"` // empty: reset pin not wired
		APN        string `hcl:"apn"`
		User       string `hcl:"user"`
		Password   string `hcl:"password"`

		CommandTimeoutSec   int      `hcl:"command_timeout_sec"`
		PowerOnTimeoutSec   int      `hcl:"power_on_timeout_sec"`
		WarmUpSec           int      `hcl:"warm_up_sec"`
		RegisterPolls       int      `hcl:"register_polls"`
		RegisterIntervalSec int      `hcl:"register_interval_sec"`
		ConnectTimeoutSec   int      `hcl:"connect_timeout_sec"`
		NetworkModes        []string `hcl:"network_modes"`
		NetworkTime         bool     `hcl:"network_time"` // timestamp readings by modem clock while registered
		LogDebug            bool     `hcl:"log_debug"`
	} `hcl:"cellular"`

	Transport struct {
		Priority         string `hcl:"priority"`
		ProbeIntervalSec int    `hcl:"probe_interval_sec"`
		BackoffMinSec    int    `hcl:"backoff_min_sec"`
		BackoffMaxSec    int    `hcl:"backoff_max_sec"`
		MaxRetryAttempts int    `hcl:"max_retry_attempts"`
	} `hcl:"transport"`

	Queue struct {
		Capacity       int    `hcl:"capacity"`
		MaxPayload     int    `hcl:"max_payload"`
		DurablePath    string `hcl:"durable_path"`
		AuditDir       string `hcl:"audit_dir"`
		StorageReserve int    `hcl:"storage_reserve"`
	} `hcl:"queue"`

	Pipeline struct {
		SampleIntervalSec int `hcl:"sample_interval_sec"`
		SendIntervalSec   int `hcl:"send_interval_sec"`
	} `hcl:"pipeline"`

	Persist struct {
		Enable bool   `hcl:"enable"`
		Root   string `hcl:"root"`
	} `hcl:"persist"`

	Mirror mirror.Config `hcl:"mirror"`

	Sensors []SensorConfig `hcl:"sensor"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type HeaderConfig struct {
	Name  string `hcl:"name,key"`
	Value string `hcl:"value"`
}

// SensorConfig runs reader program that prints TYPE=value pairs.
type SensorConfig struct {
	Kind       string   `hcl:"kind,key"`
	Pin        int      `hcl:"pin"`
	Command    []string `hcl:"command"`
	TimeoutSec int      `hcl:"timeout_sec"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
