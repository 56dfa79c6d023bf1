package modem

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Response is raw text received for one command.
type Response string

// ParseError means the response was received but its shape is wrong.
// Distinct from timeout: the modem answered something unexpected.
type ParseError struct {
	Prefix string
	Text   string
	Reason string
}

func (self *ParseError) Error() string {
	return fmt.Sprintf("modem response parse prefix=%s reason=%s text=%q", self.Prefix, self.Reason, self.Text)
}

func IsParseError(err error) bool {
	_, ok := errors.Cause(err).(*ParseError)
	return ok
}

// Lines returns non-empty trimmed lines.
func (self Response) Lines() []string {
	raw := strings.Split(string(self), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// Field returns text after prefix on the first line starting with prefix.
func (self Response) Field(prefix string) (string, error) {
	for _, l := range self.Lines() {
		if strings.HasPrefix(l, prefix) {
			return strings.TrimSpace(l[len(prefix):]), nil
		}
	}
	return "", &ParseError{Prefix: prefix, Text: string(self), Reason: "prefix not found"}
}

// Values splits Field by commas outside double quotes and unquotes each value.
func (self Response) Values(prefix string) ([]string, error) {
	f, err := self.Field(prefix)
	if err != nil {
		return nil, err
	}
	return SplitValues(f), nil
}

// Ints is Values converted to integers, all must be numeric.
func (self Response) Ints(prefix string) ([]int, error) {
	vs, err := self.Values(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(vs))
	for i, v := range vs {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, &ParseError{Prefix: prefix, Text: string(self), Reason: fmt.Sprintf("value[%d]=%q not integer", i, v)}
		}
		out[i] = n
	}
	return out, nil
}

// FirstLine returns first non-empty line that is not an echo of command
// and not a final result code.
func (self Response) FirstLine(command string) (string, error) {
	for _, l := range self.Lines() {
		switch {
		case l == command, l == "OK":
			continue
		case strings.Contains(l, "ERROR"):
			return "", &ParseError{Text: string(self), Reason: "error result"}
		}
		return l, nil
	}
	return "", &ParseError{Text: string(self), Reason: "no data line"}
}

func SplitValues(s string) []string {
	var out []string
	var cur strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	out = append(out, strings.TrimSpace(cur.String()))
	return out
}
