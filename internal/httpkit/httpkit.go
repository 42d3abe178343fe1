// Package httpkit builds the outbound HTTP client used to reach the
// annotation service. Every client gets bounded connect and header
// waits and identifies itself with the Wankr User-Agent.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gitNoodler/wankr-sub000/internal/buildinfo"
)

// Transport limits. Annotation calls go to one or two hosts, so the
// idle pool stays small.
const (
	DialTimeout           = 10 * time.Second
	TLSHandshakeTimeout   = 10 * time.Second
	ResponseHeaderTimeout = 60 * time.Second
	IdleConnTimeout       = 90 * time.Second
	MaxIdleConnsPerHost   = 4

	// DefaultTimeout bounds a whole request when no WithTimeout is given.
	DefaultTimeout = 60 * time.Second
)

// ClientOption configures NewClient.
type ClientOption func(*options)

type options struct {
	timeout   time.Duration
	userAgent string
}

// WithTimeout sets the whole-request timeout. Zero disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent replaces the build-derived User-Agent. An empty value
// sends none of our own.
func WithUserAgent(ua string) ClientOption {
	return func(o *options) { o.userAgent = ua }
}

// NewTransport returns the transport NewClient wraps.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: DialTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: ResponseHeaderTimeout,
		IdleConnTimeout:       IdleConnTimeout,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client for annotation calls.
func NewClient(opts ...ClientOption) *http.Client {
	o := options{timeout: DefaultTimeout, userAgent: buildinfo.UserAgent()}
	for _, opt := range opts {
		opt(&o)
	}

	var rt http.RoundTripper = NewTransport()
	if o.userAgent != "" {
		rt = &uaTransport{next: rt, ua: o.userAgent}
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

// uaTransport sets User-Agent on requests that carry none.
type uaTransport struct {
	next http.RoundTripper
	ua   string
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.ua)
	return t.next.RoundTrip(r)
}

// ReadErrorBody returns up to limit bytes of an error response for
// inclusion in an error message, then discards a little more and closes
// rc so the connection can be reused.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer rc.Close()
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1024))
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
