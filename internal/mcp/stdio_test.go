package mcp

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func newHelperClient(t *testing.T, cfg StdioConfig) (*Client, *StdioTransport) {
	t.Helper()
	tr := NewStdioTransport(cfg)
	client := NewClient("helper", tr, WithHandshake())
	t.Cleanup(func() { _ = client.Close() })
	return client, tr
}

func TestStdioTransport_Handshake(t *testing.T) {
	client, tr := newHelperClient(t, helperStdioConfig(helperProvider))
	ctx := context.Background()

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("tools = %+v, want a single echo tool", tools)
	}
	if got := tools[0].RequiredParameters; len(got) != 1 || got[0] != "text" {
		t.Errorf("RequiredParameters = %v, want [text]", got)
	}
	if info := client.ServerInfo(); info.Name != "helper" {
		t.Errorf("ServerInfo().Name = %q, want %q", info.Name, "helper")
	}

	out, err := client.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if out != "Echo: hi" {
		t.Errorf("CallTool = %q, want %q", out, "Echo: hi")
	}
	if gen := tr.Generation(); gen != 1 {
		t.Errorf("Generation() = %d, want 1 (one spawn)", gen)
	}
}

func TestStdioTransport_ToolError(t *testing.T) {
	client, _ := newHelperClient(t, helperStdioConfig(helperProvider))

	_, err := client.CallTool(context.Background(), "missing", nil)
	var te *ToolExecutionError
	if !errors.As(err, &te) {
		t.Fatalf("CallTool = %v, want ToolExecutionError", err)
	}
	if te.Code != CodeInvalidParams {
		t.Errorf("Code = %d, want %d", te.Code, CodeInvalidParams)
	}
}

func TestStdioTransport_MismatchedID(t *testing.T) {
	tr := NewStdioTransport(helperStdioConfig(helperMismatch))
	t.Cleanup(func() { _ = tr.Close() })

	req, _ := NewRequest(IntID(1), MethodPing, nil)
	_, err := tr.Send(context.Background(), req)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("Send = %v, want ProtocolError", err)
	}
}

func TestStdioTransport_KeepDropsLateResponse(t *testing.T) {
	cfg := helperStdioConfig(helperProvider)
	cfg.RequestTimeout = 5 * time.Second
	client, tr := newHelperClient(t, cfg)

	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := client.CallTool(ctx, "slow", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("slow CallTool = %v, want context.DeadlineExceeded", err)
	}

	// The late "slow" reply arrives first and must be discarded.
	out, err := client.CallTool(context.Background(), "echo", map[string]any{"text": "after"})
	if err != nil {
		t.Fatalf("CallTool after timeout: %v", err)
	}
	if out != "Echo: after" {
		t.Errorf("CallTool = %q, want %q", out, "Echo: after")
	}
	if gen := tr.Generation(); gen != 1 {
		t.Errorf("Generation() = %d, want 1 (process kept)", gen)
	}
}

func TestStdioTransport_RestartAfterTimeout(t *testing.T) {
	cfg := helperStdioConfig(helperProvider)
	cfg.RequestTimeout = 150 * time.Millisecond
	cfg.TimeoutPolicy = TimeoutRestart
	client, tr := newHelperClient(t, cfg)
	ctx := context.Background()

	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	before := tr.Generation()

	if _, err := client.CallTool(ctx, "slow", nil); !errors.Is(err, ErrTimeout) {
		t.Fatalf("slow CallTool = %v, want ErrTimeout", err)
	}

	// The helper rejects tools/call until initialized, so success here
	// proves the handshake was repeated on the new process.
	out, err := client.CallTool(ctx, "echo", map[string]any{"text": "fresh"})
	if err != nil {
		t.Fatalf("CallTool after restart: %v", err)
	}
	if out != "Echo: fresh" {
		t.Errorf("CallTool = %q, want %q", out, "Echo: fresh")
	}
	if after := tr.Generation(); after <= before {
		t.Errorf("Generation() = %d, want > %d after restart", after, before)
	}
}

func TestStdioTransport_SendAfterClose(t *testing.T) {
	tr := NewStdioTransport(helperStdioConfig(helperProvider))
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	req, _ := NewRequest(IntID(1), MethodPing, nil)
	if _, err := tr.Send(context.Background(), req); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Send after Close = %v, want ErrNotRunning", err)
	}
}

func TestStdioTransport_NoRestartAfterCrash(t *testing.T) {
	tr := NewStdioTransport(helperStdioConfig(helperExit))
	t.Cleanup(func() { _ = tr.Close() })

	req, _ := NewRequest(IntID(1), MethodPing, nil)
	if _, err := tr.Send(context.Background(), req); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Send = %v, want ErrNotRunning", err)
	}

	req, _ = NewRequest(IntID(2), MethodPing, nil)
	if _, err := tr.Send(context.Background(), req); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Send = %v, want ErrNotRunning", err)
	}
	if gen := tr.Generation(); gen != 1 {
		t.Errorf("Generation() = %d, want 1 (no respawn)", gen)
	}
}

func TestStdioTransport_QueuedCallHonoursContext(t *testing.T) {
	client, tr := newHelperClient(t, helperStdioConfig(helperProvider))
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	slowDone := make(chan error, 1)
	go func() {
		_, err := client.CallTool(context.Background(), "slow", nil)
		slowDone <- err
	}()
	time.Sleep(50 * time.Millisecond) // let "slow" take the session

	start := time.Now()
	if gen := tr.Generation(); gen != 1 {
		t.Errorf("Generation() = %d while busy, want 1", gen)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.ListTools(ctx)
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ListTools = %v, want context.DeadlineExceeded", err)
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("ListTools returned after %v; a queued caller must give up at its deadline", elapsed)
	}
	if err := <-slowDone; err != nil {
		t.Errorf("slow CallTool: %v", err)
	}
}

// stampedResult splits a helperStamped tool result.
func stampedResult(t *testing.T, out string) (text string, received, replied int64) {
	t.Helper()
	parts := strings.Split(out, "|")
	if len(parts) != 3 {
		t.Fatalf("result %q is not stamped", out)
	}
	received, err1 := strconv.ParseInt(parts[1], 10, 64)
	replied, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil {
		t.Fatalf("result %q has bad stamps", out)
	}
	return parts[0], received, replied
}

func TestStdioTransport_SerializesConcurrentCalls(t *testing.T) {
	client, _ := newHelperClient(t, helperStdioConfig(helperStamped))
	ctx := context.Background()
	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	type call struct {
		name string
		args map[string]any
		out  string
		err  error
	}
	calls := []*call{
		{name: "slow"},
		{name: "echo", args: map[string]any{"text": "x"}},
	}
	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.out, c.err = client.CallTool(ctx, c.name, c.args)
		}()
	}
	wg.Wait()

	type stamped struct {
		text              string
		received, replied int64
	}
	var got []stamped
	for _, c := range calls {
		if c.err != nil {
			t.Fatalf("CallTool(%s): %v", c.name, c.err)
		}
		text, received, replied := stampedResult(t, c.out)
		got = append(got, stamped{text, received, replied})
	}
	first, second := got[0], got[1]
	if second.received < first.received {
		first, second = second, first
	}
	if second.received < first.replied {
		t.Errorf("%q arrived %v before %q was answered; requests overlapped",
			second.text, time.Duration(first.replied-second.received), first.text)
	}
}

func TestStdioTransport_DropsOversizedLine(t *testing.T) {
	client, _ := newHelperClient(t, helperStdioConfig(helperHuge))

	out, err := client.CallTool(context.Background(), "echo", map[string]any{"text": "small"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if out != "Echo: small" {
		t.Errorf("CallTool = %q, want %q", out, "Echo: small")
	}
}

func TestStdioTransport_CloseWaitsForInFlightCall(t *testing.T) {
	client, tr := newHelperClient(t, helperStdioConfig(helperProvider))
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	type result struct {
		out string
		err error
	}
	slow := make(chan result, 1)
	go func() {
		out, err := client.CallTool(context.Background(), "slow", nil)
		slow <- result{out, err}
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if err := tr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("Close returned after %v, before the in-flight call could finish", elapsed)
	}
	if r := <-slow; r.err != nil || r.out != "late" {
		t.Errorf("in-flight call = %q, %v; want it answered before Close", r.out, r.err)
	}

	if _, err := client.CallTool(context.Background(), "echo", map[string]any{"text": "x"}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("CallTool after Close = %v, want ErrNotRunning", err)
	}
}

func TestStdioTransport_AcquireCancelled(t *testing.T) {
	tests := []struct {
		name string
		busy bool
		ctx  func() (context.Context, context.CancelFunc)
		want error
	}{
		{"busy slot, deadline", true, func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 20*time.Millisecond)
		}, context.DeadlineExceeded},
		{"free slot, already cancelled", false, func() (context.Context, context.CancelFunc) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			return ctx, cancel
		}, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewStdioTransport(StdioConfig{Command: "true"})
			if tt.busy {
				tr.sem <- struct{}{}
				defer tr.release()
			}
			ctx, cancel := tt.ctx()
			defer cancel()

			if err := tr.acquire(ctx); !errors.Is(err, tt.want) {
				t.Fatalf("acquire() = %v, want %v", err, tt.want)
			}
			if !tt.busy && len(tr.sem) != 0 {
				t.Error("cancelled acquire left the slot held")
			}
		})
	}
}
