package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/toolrelay/internal/events"
	"github.com/nugget/toolrelay/internal/mcp"
)

type fakeClient struct {
	name      string
	tools     []mcp.Tool
	listErr   error
	listDelay time.Duration
	callErr   error
	gate      chan struct{}
	calls     atomic.Int32
	closed    atomic.Bool
}

func (f *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if f.listDelay > 0 {
		select {
		case <-time.After(f.listDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.tools, f.listErr
}

func (f *fakeClient) CallTool(_ context.Context, name string, _ map[string]any) (string, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.callErr != nil {
		return "", f.callErr
	}
	return f.name + ":" + name, nil
}

func (f *fakeClient) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeFactory hands out fakeClients by provider id and counts how many
// clients it built for each.
type fakeFactory struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	built   map[string]int
}

func newFakeFactory(clients map[string]*fakeClient) *fakeFactory {
	return &fakeFactory{clients: clients, built: make(map[string]int)}
}

func (f *fakeFactory) build(p Provider, _ ClientOptions) (ToolClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built[p.ID]++
	c, ok := f.clients[p.ID]
	if !ok {
		return nil, fmt.Errorf("no fake for %s", p.ID)
	}
	return c, nil
}

func (f *fakeFactory) builtCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[id]
}

func remote(id string, active bool) Provider {
	return Provider{ID: id, Name: id, Kind: KindRemote, URL: "http://" + id + "/", Active: active}
}

func tool(name string) mcp.Tool { return mcp.Tool{Name: name} }

func TestAggregator_InactiveNeverContacted(t *testing.T) {
	ff := newFakeFactory(map[string]*fakeClient{
		"on":  {name: "on", tools: []mcp.Tool{tool("echo")}},
		"off": {name: "off", tools: []mcp.Tool{tool("secret")}},
	})
	agg := NewAggregator(StaticSource{remote("on", true), remote("off", false)}, ClientOptions{}, WithFactory(ff.build))

	tools, err := agg.GetAllTools(context.Background())
	if err != nil {
		t.Fatalf("GetAllTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("tools = %+v, want only echo", tools)
	}
	if _, err := agg.CallTool(context.Background(), "secret", nil); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("CallTool(secret) = %v, want ErrToolNotFound", err)
	}
	if n := ff.builtCount("off"); n != 0 {
		t.Errorf("inactive provider client built %d times", n)
	}
}

func TestAggregator_GetAllToolsSkipsFailuresKeepsOrder(t *testing.T) {
	ff := newFakeFactory(map[string]*fakeClient{
		"slow":   {name: "slow", tools: []mcp.Tool{tool("a1"), tool("a2")}, listDelay: 50 * time.Millisecond},
		"broken": {name: "broken", listErr: errors.New("connection refused")},
		"fast":   {name: "fast", tools: []mcp.Tool{tool("b1")}},
	})
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	agg := NewAggregator(StaticSource{remote("slow", true), remote("broken", true), remote("fast", true)},
		ClientOptions{}, WithFactory(ff.build), WithBus(bus))

	entries, err := agg.Catalog(context.Background())
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.ProviderName+"/"+e.Tool.Name)
	}
	want := []string{"slow/a1", "slow/a2", "fast/b1"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("catalog = %v, want %v", names, want)
	}

	select {
	case ev := <-ch:
		if ev.Kind != events.KindProviderFailed || ev.Data["provider"] != "broken" {
			t.Errorf("event = %+v, want provider_failed for broken", ev)
		}
	default:
		t.Error("expected a provider_failed event")
	}
}

func TestAggregator_CallToolFallbackExactAttempts(t *testing.T) {
	reject := errors.New("unknown tool")
	clients := map[string]*fakeClient{
		"p1": {name: "p1", callErr: reject},
		"p2": {name: "p2", callErr: &mcp.ToolExecutionError{Name: "search", Code: mcp.CodeInvalidParams, Message: "unknown tool"}},
		"p3": {name: "p3"},
		"p4": {name: "p4"},
	}
	ff := newFakeFactory(clients)
	agg := NewAggregator(StaticSource{remote("p1", true), remote("p2", true), remote("p3", true), remote("p4", true)},
		ClientOptions{}, WithFactory(ff.build))

	out, err := agg.CallTool(context.Background(), "search", map[string]any{"q": "x"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if out != "p3:search" {
		t.Errorf("out = %q, want p3's result", out)
	}

	total := 0
	for _, c := range clients {
		total += int(c.calls.Load())
	}
	if total != 3 {
		t.Errorf("attempts = %d, want exactly 3", total)
	}
	if clients["p4"].calls.Load() != 0 {
		t.Error("provider after the winner must not be contacted")
	}
}

func TestAggregator_DuplicateNameFirstWins(t *testing.T) {
	clients := map[string]*fakeClient{
		"first":  {name: "first", tools: []mcp.Tool{tool("search")}},
		"second": {name: "second", tools: []mcp.Tool{tool("search")}},
	}
	agg := NewAggregator(StaticSource{remote("first", true), remote("second", true)},
		ClientOptions{}, WithFactory(newFakeFactory(clients).build))

	entries, _ := agg.Catalog(context.Background())
	conflicts := Conflicts(entries)
	if got := conflicts["search"]; len(got) != 2 || got[0] != "first" {
		t.Errorf("conflicts = %v", conflicts)
	}

	out, err := agg.CallTool(context.Background(), "search", nil)
	if err != nil || out != "first:search" {
		t.Errorf("CallTool = %q, %v; want first's result", out, err)
	}
	if clients["second"].calls.Load() != 0 {
		t.Error("second provider must not be reached when the first succeeds")
	}
}

func TestAggregator_AllFail(t *testing.T) {
	clients := map[string]*fakeClient{
		"a": {name: "a", callErr: mcp.ErrNotRunning},
		"b": {name: "b", callErr: &mcp.TimeoutError{Method: mcp.MethodToolsCall, After: time.Second}},
	}
	agg := NewAggregator(StaticSource{remote("a", true), remote("b", true)},
		ClientOptions{}, WithFactory(newFakeFactory(clients).build))

	_, err := agg.CallTool(context.Background(), "x", nil)
	var nf *ToolNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want *ToolNotFoundError", err)
	}
	if nf.Name != "x" || len(nf.Attempts) != 2 {
		t.Errorf("not found = %+v", nf)
	}
	if !errors.Is(err, mcp.ErrNotRunning) || !errors.Is(err, mcp.ErrTimeout) {
		t.Error("per-provider causes should be reachable with errors.Is")
	}
}

func TestAggregator_NoActiveProviders(t *testing.T) {
	agg := NewAggregator(StaticSource{remote("off", false)}, ClientOptions{}, WithFactory(newFakeFactory(nil).build))
	_, err := agg.CallTool(context.Background(), "echo", nil)
	var nf *ToolNotFoundError
	if !errors.As(err, &nf) || len(nf.Attempts) != 0 {
		t.Fatalf("err = %v, want ToolNotFoundError with no attempts", err)
	}
	tools, err := agg.GetAllTools(context.Background())
	if err != nil || len(tools) != 0 {
		t.Errorf("GetAllTools = %v, %v; want empty", tools, err)
	}
}

func TestAggregator_FactoryFailureIsAnAttempt(t *testing.T) {
	ff := newFakeFactory(map[string]*fakeClient{"good": {name: "good"}})
	agg := NewAggregator(StaticSource{remote("unbuildable", true), remote("good", true)},
		ClientOptions{}, WithFactory(ff.build))

	out, err := agg.CallTool(context.Background(), "echo", nil)
	if err != nil || out != "good:echo" {
		t.Errorf("CallTool = %q, %v", out, err)
	}
}

func TestAggregator_CancelStopsFallback(t *testing.T) {
	clients := map[string]*fakeClient{"a": {name: "a"}}
	agg := NewAggregator(StaticSource{remote("a", true)}, ClientOptions{}, WithFactory(newFakeFactory(clients).build))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := agg.CallTool(ctx, "echo", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if clients["a"].calls.Load() != 0 {
		t.Error("no provider should be tried after cancellation")
	}
}

func TestAggregator_ClientReusedUntilCleared(t *testing.T) {
	clients := map[string]*fakeClient{"a": {name: "a", tools: []mcp.Tool{tool("t")}}}
	ff := newFakeFactory(clients)
	agg := NewAggregator(StaticSource{remote("a", true)}, ClientOptions{}, WithFactory(ff.build))
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = agg.CallTool(ctx, "t", nil)
		}()
	}
	wg.Wait()
	if n := ff.builtCount("a"); n != 1 {
		t.Fatalf("client built %d times under concurrency, want 1", n)
	}

	if n := agg.ClearCache(); n != 1 {
		t.Errorf("ClearCache retired %d, want 1", n)
	}
	if !clients["a"].closed.Load() {
		t.Error("ClearCache must stop idle clients")
	}
	if _, err := agg.GetAllTools(ctx); err != nil {
		t.Fatal(err)
	}
	if n := ff.builtCount("a"); n != 2 {
		t.Errorf("client built %d times after clear, want 2", n)
	}

	if err := agg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !clients["a"].closed.Load() {
		t.Error("Close must close retired and cached clients")
	}
	if _, err := agg.CallTool(ctx, "t", nil); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("CallTool after Close = %v, want ToolNotFound", err)
	}
}

func TestAggregator_ClearCacheStopsBusyClientWhenIdle(t *testing.T) {
	busy := &fakeClient{name: "old", gate: make(chan struct{})}
	fresh := &fakeClient{name: "new"}
	var built atomic.Int32
	factory := func(Provider, ClientOptions) (ToolClient, error) {
		if built.Add(1) == 1 {
			return busy, nil
		}
		return fresh, nil
	}
	agg := NewAggregator(StaticSource{remote("a", true)}, ClientOptions{}, WithFactory(factory))
	ctx := context.Background()

	done := make(chan string, 1)
	go func() {
		out, _ := agg.CallTool(ctx, "t", nil)
		done <- out
	}()
	for busy.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	if n := agg.ClearCache(); n != 1 {
		t.Fatalf("ClearCache retired %d, want 1", n)
	}
	if busy.closed.Load() {
		t.Fatal("client stopped while a call was in flight")
	}
	if out, err := agg.CallTool(ctx, "t", nil); err != nil || out != "new:t" {
		t.Fatalf("CallTool after clear = %q, %v; want the fresh client", out, err)
	}

	close(busy.gate)
	if out := <-done; out != "old:t" {
		t.Errorf("in-flight call = %q, want old:t", out)
	}
	if !busy.closed.Load() {
		t.Error("retired client not stopped after its last call returned")
	}
	if fresh.closed.Load() {
		t.Error("current client stopped")
	}

	if err := agg.Close(); err != nil {
		t.Fatal(err)
	}
	if !fresh.closed.Load() {
		t.Error("Close must stop the current client")
	}
}

func TestAggregator_DefinitionChangeStopsIdleClient(t *testing.T) {
	first := &fakeClient{name: "first"}
	second := &fakeClient{name: "second"}
	var built atomic.Int32
	factory := func(Provider, ClientOptions) (ToolClient, error) {
		if built.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}
	src := &mutableSource{}
	src.set(remote("a", true))
	agg := NewAggregator(src, ClientOptions{}, WithFactory(factory))
	defer agg.Close()
	ctx := context.Background()

	_, _ = agg.CallTool(ctx, "t", nil)
	changed := remote("a", true)
	changed.URL = "http://moved/"
	src.set(changed)
	out, _ := agg.CallTool(ctx, "t", nil)

	if out != "second:t" {
		t.Errorf("CallTool = %q, want second:t", out)
	}
	if !first.closed.Load() {
		t.Error("replaced client not stopped")
	}
	if second.closed.Load() {
		t.Error("replacement stopped")
	}
}

type mutableSource struct {
	mu   sync.Mutex
	list []Provider
}

func (m *mutableSource) Providers(context.Context) ([]Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Provider(nil), m.list...), nil
}

func (m *mutableSource) set(list ...Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list = list
}

func TestAggregator_DefinitionChangeReplacesClient(t *testing.T) {
	clients := map[string]*fakeClient{"a": {name: "a"}}
	ff := newFakeFactory(clients)
	src := &mutableSource{}
	src.set(remote("a", true))
	agg := NewAggregator(src, ClientOptions{}, WithFactory(ff.build))
	ctx := context.Background()

	_, _ = agg.CallTool(ctx, "t", nil)
	changed := remote("a", true)
	changed.URL = "http://elsewhere/"
	src.set(changed)
	_, _ = agg.CallTool(ctx, "t", nil)

	if n := ff.builtCount("a"); n != 2 {
		t.Errorf("client built %d times, want 2 after definition change", n)
	}
}

type failingSource struct{}

func (failingSource) Providers(context.Context) ([]Provider, error) {
	return nil, errors.New("database is locked")
}

func TestAggregator_SourceFailure(t *testing.T) {
	agg := NewAggregator(failingSource{}, ClientOptions{})
	if _, err := agg.GetAllTools(context.Background()); err == nil {
		t.Error("GetAllTools should report a source failure")
	}
	if _, err := agg.CallTool(context.Background(), "x", nil); err == nil || errors.Is(err, ErrToolNotFound) {
		t.Errorf("CallTool = %v, want source error", err)
	}
}
