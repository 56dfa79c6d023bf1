// Package station posts requests over the OS network stack (WiFi station
// interface) and probes reachability with a short TCP connect.
package station

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/internal/types"
	"github.com/sensorsafrica/airnode/log2"
)

const (
	DefaultProbeAddr    = "8.8.8.8:53"
	DefaultProbeTimeout = 3 * time.Second
	DefaultPostTimeout  = 30 * time.Second
)

var ErrHTTPStatus = errors.New("http status not success")

type Config struct {
	Interface    string // optional, probe checks it is up
	ProbeAddr    string
	ProbeTimeout time.Duration
	PostTimeout  time.Duration
}

type Link struct {
	config Config
	client *http.Client
	log    *log2.Log
	dialer net.Dialer
	// test hook
	interfaceByName func(string) (*net.Interface, error)
}

// New with nil transport uses http.DefaultTransport.
func New(config Config, transport http.RoundTripper, log *log2.Log) *Link {
	if config.ProbeAddr == "" {
		config.ProbeAddr = DefaultProbeAddr
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	if config.PostTimeout == 0 {
		config.PostTimeout = DefaultPostTimeout
	}
	return &Link{
		config:          config,
		client:          &http.Client{Transport: transport, Timeout: config.PostTimeout},
		log:             log,
		interfaceByName: net.InterfaceByName,
	}
}

// Post sends one request. Non-2xx status is returned along with ErrHTTPStatus.
// No retries here.
func (self *Link) Post(ctx context.Context, req *types.Request) (int, error) {
	hreq, err := http.NewRequest(http.MethodPost, req.URL(), bytes.NewReader(req.Body))
	if err != nil {
		return 0, errors.Annotate(err, "station post")
	}
	hreq = hreq.WithContext(ctx)
	for _, h := range req.Headers {
		hreq.Header.Set(h.Name, h.Value)
	}
	resp, err := self.client.Do(hreq)
	if err != nil {
		return 0, errors.Annotatef(err, "station post url=%s", req.URL())
	}
	_, _ = io.Copy(ioutil.Discard, resp.Body)
	resp.Body.Close()
	if !types.StatusSuccess(resp.StatusCode) {
		return resp.StatusCode, errors.Annotatef(ErrHTTPStatus, "station post url=%s status=%d", req.URL(), resp.StatusCode)
	}
	self.log.Debugf("station post url=%s status=%d", req.URL(), resp.StatusCode)
	return resp.StatusCode, nil
}

// Probe is interface up (when configured) and TCP connect-and-close to ProbeAddr.
func (self *Link) Probe(ctx context.Context) bool {
	if self.config.Interface != "" {
		iface, err := self.interfaceByName(self.config.Interface)
		if err != nil {
			self.log.Debugf("station probe interface=%s err=%v", self.config.Interface, err)
			return false
		}
		if iface.Flags&net.FlagUp == 0 {
			self.log.Debugf("station probe interface=%s down", self.config.Interface)
			return false
		}
	}
	ctx, cancel := context.WithTimeout(ctx, self.config.ProbeTimeout)
	defer cancel()
	conn, err := self.dialer.DialContext(ctx, "tcp", self.config.ProbeAddr)
	if err != nil {
		self.log.Debugf("station probe addr=%s err=%v", self.config.ProbeAddr, err)
		return false
	}
	conn.Close()
	return true
}
