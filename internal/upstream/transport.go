package upstream

import (
	"net"
	"net/http"
	"time"
)

const (
	dialTimeout         = 30 * time.Second
	headerTimeout       = 30 * time.Second
	idleConnTimeout     = 30 * time.Second
	maxConnsPerHost     = 10
	maxIdleConnsPerHost = 5
)

// NewTransport builds the shared keep-alive pool for origin and CDN
// traffic. net/http pools connections per scheme and host, so one
// transport serves both plain and TLS targets.
func NewTransport() *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil

	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	transport.DialContext = dialer.DialContext
	transport.MaxConnsPerHost = maxConnsPerHost
	transport.MaxIdleConnsPerHost = maxIdleConnsPerHost
	transport.IdleConnTimeout = idleConnTimeout
	transport.ResponseHeaderTimeout = headerTimeout

	return transport
}

// ScrubHeaders removes browser context headers that must never reach the
// origin or a CDN.
func ScrubHeaders(h http.Header) {
	h.Del("Origin")
	h.Del("Referer")
}
