package providers

import (
	"bufio"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/nugget/toolrelay/internal/mcp"
	"github.com/nugget/toolrelay/internal/tools"
	"github.com/nugget/toolrelay/internal/toolserver"
)

// TestHelperProcess is not a real test. Local providers in these tests
// re-execute the test binary with this function selected. In "serve"
// mode it runs the builtin tool server over stdio; in "hang" mode it
// reads requests and never answers.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("TOOLRELAY_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("TOOLRELAY_HELPER_MODE") {
	case "serve":
		srv := toolserver.New(mcp.Implementation{Name: "helper", Version: "test"}, nil)
		if err := tools.Register(srv); err != nil {
			os.Exit(2)
		}
		_ = srv.ServeStdio(context.Background(), os.Stdin, os.Stdout)
	case "hang":
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
		}
	}
	os.Exit(0)
}

func helperProvider(id, mode string) Provider {
	return Provider{
		ID:      id,
		Name:    id,
		Kind:    KindLocal,
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
		Env:     map[string]string{"TOOLRELAY_HELPER_PROCESS": "1", "TOOLRELAY_HELPER_MODE": mode},
		Active:  true,
	}
}

func TestLocalProviderEcho(t *testing.T) {
	agg := NewAggregator(StaticSource{helperProvider("local", "serve")}, ClientOptions{RequestTimeout: 5 * time.Second})
	defer agg.Close()
	ctx := context.Background()

	catalog, err := agg.GetAllTools(ctx)
	if err != nil {
		t.Fatalf("GetAllTools: %v", err)
	}
	var echo *mcp.Tool
	for i := range catalog {
		if catalog[i].Name == "echo" {
			echo = &catalog[i]
		}
	}
	if echo == nil {
		t.Fatalf("echo not advertised: %+v", catalog)
	}
	if len(echo.RequiredParameters) != 1 || echo.RequiredParameters[0] != "text" {
		t.Errorf("echo required = %v, want [text]", echo.RequiredParameters)
	}

	out, err := agg.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if out != "Echo: hi" {
		t.Errorf("out = %q, want %q", out, "Echo: hi")
	}

	_, err = agg.CallTool(ctx, "echo", map[string]any{})
	var nf *ToolNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("missing argument err = %v, want ToolNotFoundError", err)
	}
	var execErr *mcp.ToolExecutionError
	if !errors.As(err, &execErr) {
		t.Errorf("missing argument should surface the provider's ToolExecutionError, got %v", err)
	}
}

func TestRemoteProviderViaToolServer(t *testing.T) {
	srv := toolserver.New(mcp.Implementation{Name: "remote", Version: "test"}, nil)
	if err := tools.Register(srv); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	p := Provider{ID: "remote", Kind: KindRemote, URL: ts.URL, Active: true}
	agg := NewAggregator(StaticSource{p}, ClientOptions{RequestTimeout: 5 * time.Second})
	defer agg.Close()

	out, err := agg.CallTool(context.Background(), "word_count", map[string]any{"text": "one two three"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if out != "words=3 lines=1 characters=13" {
		t.Errorf("out = %q", out)
	}
}

// A hung local provider times out without affecting a healthy one.
func TestHungProviderDoesNotBlockHealthy(t *testing.T) {
	srv := toolserver.New(mcp.Implementation{Name: "healthy", Version: "test"}, nil)
	if err := tools.Register(srv); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	hung := helperProvider("hung", "hang")
	healthy := Provider{ID: "healthy", Kind: KindRemote, URL: ts.URL, Active: true}
	opts := ClientOptions{RequestTimeout: 300 * time.Millisecond, StopGrace: time.Second}

	direct, err := NewToolClient(hung, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer direct.Close()
	start := time.Now()
	_, err = direct.ListTools(context.Background())
	if !errors.Is(err, mcp.ErrTimeout) {
		t.Fatalf("hung provider err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	agg := NewAggregator(StaticSource{hung, healthy}, opts)
	defer agg.Close()
	out, err := agg.CallTool(context.Background(), "echo", map[string]any{"text": "still here"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if out != "Echo: still here" {
		t.Errorf("out = %q", out)
	}
}
