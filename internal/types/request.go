// Package types holds values shared by transports and the delivery pipeline.
package types

import (
	"fmt"
	"strconv"
)

type Header struct {
	Name  string
	Value string
}

func (h Header) String() string { return h.Name + ": " + h.Value }

// Request is one HTTP POST to the ingestion endpoint.
// Transports translate it to their wire form, plain HTTP or modem commands.
type Request struct {
	Host    string
	Port    int
	Path    string
	Headers []Header
	Body    []byte
}

// URL is http:// only, TLS is not supported by the node.
func (r *Request) URL() string {
	host := r.Host
	if r.Port != 0 && r.Port != 80 {
		host += ":" + strconv.Itoa(r.Port)
	}
	return fmt.Sprintf("http://%s%s", host, r.Path)
}

// StatusSuccess is true for 2xx codes.
func StatusSuccess(code int) bool { return code >= 200 && code <= 299 }
