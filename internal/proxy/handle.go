package proxy

import (
	"errors"
	"net/url"
	"sync/atomic"

	"github.com/google/uuid"
)

var ErrHandleInvalid = errors.New("proxy: handle invalid")

// StatusPrefix starts the human-readable status line for a running proxy.
const StatusPrefix = "Proxy running @ "

// Handle is an opaque reference to one run of a proxy server.
type Handle struct {
	id      string
	address string
	valid   atomic.Bool
}

func newHandle(address string) *Handle {
	h := &Handle{
		id:      uuid.NewString(),
		address: address,
	}
	h.valid.Store(true)
	return h
}

// ID is unique per server run.
func (h *Handle) ID() string {
	return h.id
}

// Address returns the advertised host:port.
func (h *Handle) Address() string {
	return h.address
}

func (h *Handle) URL() string {
	return "http://" + h.address + "/"
}

// Valid reports whether the server run behind h is still serving.
func (h *Handle) Valid() bool {
	return h.valid.Load()
}

func (h *Handle) StatusLine() string {
	return StatusPrefix + h.address
}

// ProxyURL returns the URL that fetches remote through this proxy with
// headers attached to the upstream request.
func (h *Handle) ProxyURL(remote string, headers map[string]string) (string, error) {
	if !h.Valid() {
		return "", ErrHandleInvalid
	}
	q, err := EncodeQuery(remote, headers)
	if err != nil {
		return "", err
	}
	return h.URL() + proxyPath(remote) + "?" + url.Values{queryParam: {q}}.Encode(), nil
}

func (h *Handle) String() string {
	return h.id + "@" + h.address
}

func (h *Handle) invalidate() {
	h.valid.Store(false)
}
