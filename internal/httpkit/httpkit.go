// Package httpkit builds the outbound HTTP clients used by the
// ClinicalTrials.gov, Pharos, and Anthropic callers. Centralizing
// construction keeps timeouts, pooling, and the User-Agent header
// consistent across every external service Scout talks to.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nugget/trial-scout/internal/buildinfo"
)

const (
	dialTimeout         = 10 * time.Second
	tcpKeepAlive        = 30 * time.Second
	tlsHandshakeTimeout = 10 * time.Second

	// responseHeaderTimeout caps the wait for response headers only.
	// Slow bodies (streaming model output, large study pages) are bounded
	// by the per-client request timeout instead.
	responseHeaderTimeout = 15 * time.Second

	idleConnTimeout = 90 * time.Second
	maxIdleConns    = 20
	maxIdlePerHost  = 5
	defaultTimeout  = 30 * time.Second
)

// NewTransport returns a transport with Scout's pooling and handshake
// limits applied. Callers that need a different header timeout (the
// streaming model client does) adjust the returned transport before
// passing it to [NewClient] via [WithTransport].
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: tcpKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		ForceAttemptHTTP2:     true,
	}
}

// Option configures a client built by [NewClient].
type Option func(*settings)

type settings struct {
	timeout    time.Duration
	timeoutSet bool
	transport  *http.Transport
}

// WithTimeout sets the whole-request timeout. Zero disables it, which
// streaming callers need since their responses stay open for minutes.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.timeout = d
		s.timeoutSet = true
	}
}

// WithTransport substitutes a caller-tuned transport for the default.
func WithTransport(t *http.Transport) Option {
	return func(s *settings) { s.transport = t }
}

// NewClient builds an *http.Client with the shared transport settings
// and the Scout User-Agent stamped on every request. With no options
// the request timeout is 30 seconds.
func NewClient(opts ...Option) *http.Client {
	s := &settings{}
	for _, o := range opts {
		o(s)
	}

	timeout := defaultTimeout
	if s.timeoutSet {
		timeout = s.timeout
	}

	transport := s.transport
	if transport == nil {
		transport = NewTransport()
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
// not carry one. The request is cloned first; RoundTrippers must not
// mutate their input.
type identifyingTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *identifyingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose consumes up to limit bytes of rc and closes it, so the
// underlying connection goes back into the pool instead of being torn
// down. Safe on a nil ReadCloser.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody captures up to limit bytes of an error response for
// inclusion in an error message, then drains and closes the rest.
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
