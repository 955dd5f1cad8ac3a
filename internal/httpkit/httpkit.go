// Package httpkit builds the HTTP clients used for every outbound call
// in Reeve. All clients share one transport configuration and identify
// themselves with the build's User-Agent.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nugget/reeve/internal/buildinfo"
)

// Shared transport limits. Outbound traffic is a handful of long-lived
// backends (model server, search instance, fetched pages), so the pool
// stays small.
const (
	dialTimeout         = 10 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	responseHeaderLimit = 15 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConns        = 20
	maxIdleConnsPerHost = 5
)

// NewClient returns an *http.Client with the shared transport and the
// Reeve User-Agent. timeout bounds the whole request including body
// read; zero disables it, in which case the caller's request context
// must carry the deadline.
func NewClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderLimit,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &identifyingTransport{
			base: transport,
			ua:   buildinfo.UserAgent(),
		},
	}
}

// identifyingTransport sets the User-Agent header on requests that do
// not already carry one.
type identifyingTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *identifyingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	// Clone rather than mutate, per the RoundTripper contract.
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(req)
}

// DrainAndClose consumes up to limit bytes of rc and closes it, so the
// underlying connection can return to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response body for
// inclusion in an error message, draining and closing the rest.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
