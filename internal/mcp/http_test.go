package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newRPCServer answers every POST by passing the decoded request to fn.
func newRPCServer(t *testing.T, fn func(w http.ResponseWriter, r *http.Request, req *Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		req, err := DecodeRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fn(w, r, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestHTTPTransport_CallTool(t *testing.T) {
	var gotAuth string
	srv := newRPCServer(t, func(w http.ResponseWriter, r *http.Request, req *Request) {
		gotAuth = r.Header.Get("Authorization")
		var params CallToolParams
		_ = json.Unmarshal(req.Params, &params)
		resp, _ := NewResult(req.ID, TextResult("Echo: "+params.Arguments["text"].(string)))
		writeResponse(w, resp)
	})

	tr := NewHTTPTransport(HTTPConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer secret"},
	})
	client := NewClient("remote", tr)

	out, err := client.CallTool(context.Background(), "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if out != "Echo: hi" {
		t.Errorf("CallTool = %q, want %q", out, "Echo: hi")
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want configured header", gotAuth)
	}
}

func TestHTTPTransport_SessionHeader(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get(sessionHeader))
		body, _ := io.ReadAll(r.Body)
		req, _ := DecodeRequest(body)
		w.Header().Set(sessionHeader, "sess-1")
		resp, _ := NewResult(req.ID, struct{}{})
		writeResponse(w, resp)
	}))
	t.Cleanup(srv.Close)

	client := NewClient("remote", NewHTTPTransport(HTTPConfig{URL: srv.URL}))
	for i := 0; i < 2; i++ {
		if err := client.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	}
	if len(seen) != 2 || seen[0] != "" || seen[1] != "sess-1" {
		t.Errorf("session headers = %q, want [\"\" \"sess-1\"]", seen)
	}
}

func TestHTTPTransport_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client := NewClient("remote", NewHTTPTransport(HTTPConfig{URL: srv.URL}))
	_, err := client.ListTools(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Errorf("ListTools = %v, want ErrTransport", err)
	}
}

func TestHTTPTransport_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient("remote", NewHTTPTransport(HTTPConfig{URL: url}))
	_, err := client.CallTool(context.Background(), "x", nil)
	if !errors.Is(err, ErrTransport) {
		t.Errorf("CallTool = %v, want ErrTransport", err)
	}
}

func TestHTTPTransport_MismatchedID(t *testing.T) {
	srv := newRPCServer(t, func(w http.ResponseWriter, _ *http.Request, req *Request) {
		resp, _ := NewResult(StringID("someone-else"), struct{}{})
		writeResponse(w, resp)
	})

	client := NewClient("remote", NewHTTPTransport(HTTPConfig{URL: srv.URL}))
	err := client.Ping(context.Background())
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("Ping = %v, want ProtocolError", err)
	}
}

func TestHTTPTransport_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	t.Cleanup(srv.Close)

	client := NewClient("remote", NewHTTPTransport(HTTPConfig{URL: srv.URL}))
	_, err := client.ListTools(context.Background())
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("ListTools = %v, want ProtocolError", err)
	}
}

func TestHTTPTransport_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, RequestTimeout: 100 * time.Millisecond, Client: srv.Client()})
	client := NewClient("remote", tr)
	_, err := client.CallTool(context.Background(), "slow", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("CallTool = %v, want ErrTimeout", err)
	}
}

func TestHTTPTransport_NotifyAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	if err := tr.Notify(context.Background(), NewNotification(MethodInitialized, nil)); err != nil {
		t.Errorf("Notify = %v, want nil", err)
	}
}
