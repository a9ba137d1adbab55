// Package httpkit builds the outbound HTTP clients used for remote
// providers, the model backends and fetch_url. Every client sends a
// toolrelay User-Agent and shares the same connection limits. Dial
// failures can be retried; everything after the dial is left to the
// caller's context and the client timeout.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/toolrelay/internal/buildinfo"
)

// DefaultTimeout is the whole-request timeout when none is given.
const DefaultTimeout = 30 * time.Second

// Option configures [NewClient].
type Option func(*settings)

type settings struct {
	timeout   time.Duration
	userAgent string
	base      http.RoundTripper
	retries   int
	backoff   time.Duration
	logger    *slog.Logger
}

// WithTimeout sets the whole-request timeout. Zero disables it and
// leaves the request context as the only bound.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithUserAgent replaces [buildinfo.UserAgent].
func WithUserAgent(ua string) Option {
	return func(s *settings) { s.userAgent = ua }
}

// WithBase replaces the transport from [NewTransport].
func WithBase(rt http.RoundTripper) Option {
	return func(s *settings) { s.base = rt }
}

// WithRetry retries up to n times, backoff apart, when the connection
// could not be established at all. Requests whose body cannot be
// rewound are never retried.
func WithRetry(n int, backoff time.Duration) Option {
	return func(s *settings) {
		s.retries = n
		s.backoff = backoff
	}
}

// WithLogger receives retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// NewTransport returns a transport with bounded dial and TLS phases.
// It sets no response header timeout: a tool call may legitimately
// take minutes, and its request context decides when to give up.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 5,
		ForceAttemptHTTP2:   true,
	}
}

// NewClient builds a client from opts.
func NewClient(opts ...Option) *http.Client {
	s := settings{timeout: DefaultTimeout, userAgent: buildinfo.UserAgent()}
	for _, o := range opts {
		o(&s)
	}
	if s.base == nil {
		s.base = NewTransport()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return &http.Client{Timeout: s.timeout, Transport: &roundTripper{s: s}}
}

// roundTripper stamps the User-Agent and retries dial failures.
type roundTripper struct {
	s settings
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.s.userAgent)
	}

	for attempt := 0; ; attempt++ {
		resp, err := t.s.base.RoundTrip(req)
		if err == nil || attempt >= t.s.retries || !dialFailed(err) || !rewindable(req) {
			return resp, err
		}
		t.s.logger.Debug("connection failed, retrying",
			"method", req.Method, "url", req.URL.Redacted(),
			"attempt", attempt+1, "retries", t.s.retries, "error", err)

		timer := time.NewTimer(t.s.backoff)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			req = req.Clone(req.Context())
			req.Body = body
		}
	}
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// dialFailed reports errors raised before any byte reached the server.
// A reset connection is not one of them: the server may have acted.
func dialFailed(err error) bool {
	for _, errno := range []syscall.Errno{syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// DrainAndClose discards up to limit bytes of rc and closes it, which
// lets the connection be reused.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, rc, limit)
	_ = rc.Close()
}

// ReadErrorBody returns at most limit bytes of an error response,
// trimmed, with "..." appended when the body was longer. rc is drained
// and closed. A nil rc yields "".
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer DrainAndClose(rc, 64<<10)

	body, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return fmt.Sprintf("(error body unreadable: %v)", err)
	}
	suffix := ""
	if int64(len(body)) > limit {
		body, suffix = body[:limit], "..."
	}
	return strings.TrimSpace(string(body)) + suffix
}
