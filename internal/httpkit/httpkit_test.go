package httpkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/toolrelay/internal/buildinfo"
)

// scripted replays canned errors before handing off to next, and keeps
// every body it was sent.
type scripted struct {
	mu     sync.Mutex
	errs   []error
	bodies []string
	calls  int
	next   http.RoundTripper
}

func (s *scripted) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		s.bodies = append(s.bodies, string(b))
		req.Body = io.NopCloser(bytes.NewReader(b))
	}
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.next.RoundTrip(req)
}

func dialErr(errno syscall.Errno) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errno)}
}

func okServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		fmt.Fprint(w, r.Header.Get("User-Agent"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClient_Timeout(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want time.Duration
	}{
		{"default", nil, DefaultTimeout},
		{"provider override", []Option{WithTimeout(90 * time.Second)}, 90 * time.Second},
		{"streaming model call", []Option{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := okServer(t)

	tests := []struct {
		name   string
		opts   []Option
		header string
		want   string
	}{
		{"build identity", nil, "", buildinfo.UserAgent()},
		{"option", []Option{WithUserAgent("relay-check/2")}, "", "relay-check/2"},
		{"caller header wins", []Option{WithUserAgent("relay-check/2")}, "anthropic-sdk", "anthropic-sdk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tt.header != "" {
				req.Header.Set("User-Agent", tt.header)
			}
			resp, err := NewClient(tt.opts...).Do(req)
			if err != nil {
				t.Fatal(err)
			}
			got := ReadErrorBody(resp.Body, 256)
			if got != tt.want {
				t.Errorf("User-Agent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewClient_RequestContextBoundsSlowHeaders(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, "done")
	}))
	defer srv.Close()
	defer close(release)

	// No client timeout, as for a long-running tools/call.
	c := NewClient(WithTimeout(0))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, strings.NewReader("{}"))

	start := time.Now()
	_, err := c.Do(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("returned after %v, want close to the 50ms deadline", elapsed)
	}
}

func TestNewClient_SlowHeadersWithoutDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		fmt.Fprint(w, "late but fine")
	}))
	defer srv.Close()

	resp, err := NewClient(WithTimeout(0)).Get(srv.URL)
	if err != nil {
		t.Fatalf("slow response failed: %v", err)
	}
	if got := ReadErrorBody(resp.Body, 256); got != "late but fine" {
		t.Errorf("body = %q", got)
	}
}

func TestNewTransport_Limits(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout == 0 {
		t.Error("TLS handshake unbounded")
	}
	if tr.ResponseHeaderTimeout != 0 {
		t.Errorf("ResponseHeaderTimeout = %v, want 0 so the request context governs", tr.ResponseHeaderTimeout)
	}
	if tr.MaxIdleConnsPerHost == 0 {
		t.Error("MaxIdleConnsPerHost unset")
	}
}

func TestRetry(t *testing.T) {
	srv := okServer(t)

	tests := []struct {
		name      string
		errs      []error
		retries   int
		body      func() io.Reader
		wantErr   bool
		wantCalls int
	}{
		{
			name:      "refused then accepted",
			errs:      []error{dialErr(syscall.ECONNREFUSED)},
			retries:   2,
			wantCalls: 2,
		},
		{
			name:      "host unreachable twice",
			errs:      []error{dialErr(syscall.EHOSTUNREACH), dialErr(syscall.ENETUNREACH)},
			retries:   2,
			wantCalls: 3,
		},
		{
			name:      "gives up after retries",
			errs:      []error{dialErr(syscall.ECONNREFUSED), dialErr(syscall.ECONNREFUSED), dialErr(syscall.ECONNREFUSED)},
			retries:   2,
			wantErr:   true,
			wantCalls: 3,
		},
		{
			name:      "reset is not retried",
			errs:      []error{dialErr(syscall.ECONNRESET)},
			retries:   2,
			wantErr:   true,
			wantCalls: 1,
		},
		{
			name:      "retries disabled",
			errs:      []error{dialErr(syscall.ECONNREFUSED)},
			wantErr:   true,
			wantCalls: 1,
		},
		{
			name:      "body that cannot be rewound",
			errs:      []error{dialErr(syscall.ECONNREFUSED)},
			retries:   2,
			body:      func() io.Reader { return io.MultiReader(strings.NewReader(`{"jsonrpc":"2.0"}`)) },
			wantErr:   true,
			wantCalls: 1,
		},
		{
			name:      "rewindable body is resent",
			errs:      []error{dialErr(syscall.ECONNREFUSED)},
			retries:   1,
			body:      func() io.Reader { return strings.NewReader(`{"jsonrpc":"2.0"}`) },
			wantCalls: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &scripted{errs: tt.errs, next: http.DefaultTransport}
			c := NewClient(WithBase(base), WithRetry(tt.retries, time.Millisecond))

			var body io.Reader
			if tt.body != nil {
				body = tt.body()
			}
			req, _ := http.NewRequest(http.MethodPost, srv.URL, body)
			resp, err := c.Do(req)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				resp.Body.Close()
			}
			if base.calls != tt.wantCalls {
				t.Errorf("attempts = %d, want %d", base.calls, tt.wantCalls)
			}
			if tt.body != nil && !tt.wantErr {
				for i, b := range base.bodies {
					if b != `{"jsonrpc":"2.0"}` {
						t.Errorf("attempt %d sent body %q", i+1, b)
					}
				}
			}
		})
	}
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	base := &scripted{
		errs: []error{dialErr(syscall.ECONNREFUSED), dialErr(syscall.ECONNREFUSED)},
		next: http.DefaultTransport,
	}
	c := NewClient(WithBase(base), WithRetry(5, time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:1/mcp", nil)

	start := time.Now()
	_, err := c.Do(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff ignored the request context")
	}
	if base.calls != 1 {
		t.Errorf("attempts = %d, want 1", base.calls)
	}
}

type failingBody struct{ closed bool }

func (b *failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }
func (b *failingBody) Close() error             { b.closed = true; return nil }

type countingBody struct {
	io.Reader
	closed bool
}

func (b *countingBody) Close() error { b.closed = true; return nil }

func TestReadErrorBody(t *testing.T) {
	tests := []struct {
		name  string
		body  io.ReadCloser
		limit int64
		want  string
	}{
		{"nil", nil, 64, ""},
		{"short", io.NopCloser(strings.NewReader("  rate limited\n")), 64, "rate limited"},
		{"exact limit", io.NopCloser(strings.NewReader("abcd")), 4, "abcd"},
		{"over limit", io.NopCloser(strings.NewReader("overloaded_error: try later")), 10, "overloaded..."},
		{"unreadable", &failingBody{}, 64, "(error body unreadable: connection reset)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReadErrorBody(tt.body, tt.limit); got != tt.want {
				t.Errorf("ReadErrorBody = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadErrorBody_Closes(t *testing.T) {
	body := &countingBody{Reader: strings.NewReader(strings.Repeat("x", 1000))}
	ReadErrorBody(body, 16)
	if !body.closed {
		t.Error("body not closed")
	}
}

func TestDrainAndClose(t *testing.T) {
	DrainAndClose(nil, 10)

	r := strings.NewReader(strings.Repeat("y", 100))
	body := &countingBody{Reader: r}
	DrainAndClose(body, 40)
	if !body.closed {
		t.Error("body not closed")
	}
	if r.Len() != 60 {
		t.Errorf("%d bytes left unread, want 60", r.Len())
	}
}
