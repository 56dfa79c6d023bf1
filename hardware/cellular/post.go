package cellular

import (
	"context"
	"fmt"
	"strconv"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/hardware/modem"
	"github.com/sensorsafrica/airnode/internal/types"
)

var (
	ErrHTTPStatus = errors.New("http status not success")
	ErrHTTPFailed = errors.New("modem http request failed")
)

// Context is proof of an active packet data context in the current session.
// Only ActivateContext and Ensure create it, so POST before activation
// cannot be written. A handle from a previous session is rejected.
type Context struct {
	link       *Link
	generation uint32
}

func (self *Context) Valid() bool {
	l := self.link
	return l.generation == self.generation &&
		(l.state == StateDataContextActive || l.state == StateSleeping)
}

// Post runs the modem HTTP sub-protocol:
// url, headers one by one, length-prefixed POST, CONNECT, body, completion notification.
// Any failed step aborts before the body is sent. Only 2xx status is success.
func (self *Context) Post(ctx context.Context, req *types.Request) (int, error) {
	l := self.link
	if !self.Valid() {
		return 0, errors.Annotatef(ErrStaleContext, "handle generation=%d session=%d state=%s",
			self.generation, l.generation, l.state)
	}
	if len(req.Body) == 0 {
		return 0, errors.NotValidf("cellular post empty body")
	}
	if l.state == StateSleeping {
		if err := l.wake(ctx); err != nil {
			return 0, errors.Trace(err)
		}
		if l.state != StateDataContextActive {
			return 0, errors.Annotatef(ErrStaleContext, "context lost during sleep")
		}
	}
	status, err := l.post(req)
	if err != nil {
		l.counters.PostFailures++
		l.log.Errorf("cellular post url=%s err=%v", req.URL(), err)
	}
	return status, err
}

func (self *Link) post(req *types.Request) (int, error) {
	c := &self.cmd
	if err := self.ch.Send(fmt.Sprintf(c.HTTPURLFmt, req.URL()), "OK", self.config.ShortTimeout); err != nil {
		return 0, errors.Annotate(err, "cellular post url")
	}
	for i, h := range req.Headers {
		if err := self.ch.Send(fmt.Sprintf(c.HTTPHeaderFmt, h.String()), "OK", self.config.CommandTimeout); err != nil {
			return 0, errors.Annotatef(err, "cellular post header[%d]=%s", i, h.Name)
		}
	}
	postCmd := fmt.Sprintf(c.HTTPPostFmt, len(req.Body), self.config.ServerReadTimeout, self.config.ServerWaitTimeout)
	if err := self.ch.Send(postCmd, "CONNECT", self.config.ConnectTimeout); err != nil {
		return 0, errors.Annotate(err, "cellular post connect")
	}
	if err := self.ch.SendRaw(req.Body); err != nil {
		return 0, errors.Annotate(err, "cellular post body")
	}
	line, err := self.ch.AwaitUnsolicited(c.HTTPPostURC, self.config.NotifyTimeout)
	if err != nil {
		return 0, errors.Annotate(err, "cellular post completion")
	}
	return parsePostResult(c.HTTPPostURC, line)
}

// parsePostResult reads "<prefix> <err>,<status>[,<length>]".
func parsePostResult(prefix, line string) (int, error) {
	vs, err := modem.Response(line).Values(prefix)
	if err != nil {
		return 0, errors.Trace(err)
	}
	code, err := strconv.Atoi(vs[0])
	if err != nil {
		return 0, errors.NotValidf("cellular post result=%q", line)
	}
	if code != 0 {
		return 0, errors.Annotatef(ErrHTTPFailed, "modem error=%d", code)
	}
	if len(vs) < 2 {
		return 0, errors.NotValidf("cellular post result without status=%q", line)
	}
	status, err := strconv.Atoi(vs[1])
	if err != nil {
		return 0, errors.NotValidf("cellular post status=%q", vs[1])
	}
	if !types.StatusSuccess(status) {
		return status, errors.Annotatef(ErrHTTPStatus, "status=%d", status)
	}
	return status, nil
}
