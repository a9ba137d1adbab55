package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/toolrelay/internal/events"
	"github.com/nugget/toolrelay/internal/llm"
	"github.com/nugget/toolrelay/internal/mcp"
)

// Tools is the tool catalog and executor the loop works against,
// normally a *providers.Aggregator.
type Tools interface {
	GetAllTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// EventKind names a progress notification.
type EventKind string

// Progress notifications, in the order a run produces them. A run emits
// any number of tool events followed by exactly one of EventFinal or
// EventFailed.
const (
	EventToolExecuting EventKind = "tool_executing"
	EventToolResult    EventKind = "tool_result"
	EventFinal         EventKind = "final"
	EventFailed        EventKind = "failed"
)

// Event is one progress notification.
type Event struct {
	Kind      EventKind      `json:"kind"`
	RunID     string         `json:"run_id"`
	Iteration int            `json:"iteration"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	Text      string         `json:"text,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Terminal reports whether the event ends the run.
func (e Event) Terminal() bool {
	return e.Kind == EventFinal || e.Kind == EventFailed
}

// Request is one user message to answer.
type Request struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`

	// Tools replaces the catalog from the tool source when non-nil.
	Tools []mcp.Tool `json:"-"`
	// MaxIterations overrides the loop default when positive.
	MaxIterations int `json:"max_iterations,omitempty"`
}

// Result is a completed run.
type Result struct {
	RunID          string        `json:"run_id"`
	ConversationID string        `json:"conversation_id"`
	Text           string        `json:"text"`
	Model          string        `json:"model,omitempty"`
	Iterations     int           `json:"iterations"`
	ToolCalls      int           `json:"tool_calls"`
	InputTokens    int           `json:"input_tokens"`
	OutputTokens   int           `json:"output_tokens"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Config holds loop settings.
type Config struct {
	SystemPrompt  string
	MaxIterations int
}

// Loop runs orchestrations. It is safe for concurrent use; each call
// to Run owns its own state.
type Loop struct {
	model   llm.Client
	tools   Tools
	history History
	bus     *events.Bus
	logger  *slog.Logger
	cfg     Config
}

// NewLoop creates a loop. history and bus may be nil.
func NewLoop(model llm.Client, tools Tools, history History, bus *events.Bus, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Loop{
		model:   model,
		tools:   tools,
		history: history,
		bus:     bus,
		logger:  logger,
		cfg:     cfg,
	}
}

// Run answers req. Progress events go to emit (which may be nil) and to
// the event bus. A model failure aborts the run and is returned as is;
// a tool failure becomes that tool's result text.
func (l *Loop) Run(ctx context.Context, req *Request, emit func(Event)) (*Result, error) {
	started := time.Now()
	convID := req.ConversationID
	if convID == "" {
		convID = "default"
	}
	res := &Result{RunID: uuid.NewString(), ConversationID: convID}
	log := l.logger.With("run", res.RunID, "conversation", convID)

	send := func(e Event) {
		e.RunID = res.RunID
		l.publish(e)
		if emit != nil {
			emit(e)
		}
	}
	fail := func(iter int, err error) (*Result, error) {
		log.Warn("agent run failed", "iterations", iter, "error", err)
		send(Event{Kind: EventFailed, Iteration: iter, Error: err.Error()})
		return nil, err
	}

	catalog := req.Tools
	if catalog == nil && l.tools != nil {
		var err error
		if catalog, err = l.tools.GetAllTools(ctx); err != nil {
			return fail(0, fmt.Errorf("load tool catalog: %w", err))
		}
	}
	specs := ToolSpecs(catalog)

	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = l.cfg.MaxIterations
	}

	var prior []llm.Message
	if l.cfg.SystemPrompt != "" {
		prior = append(prior, llm.SystemMessage(l.cfg.SystemPrompt))
	}
	if l.history != nil {
		prior = append(prior, l.history.Load(convID)...)
	}

	log.Info("agent run started", "tools", len(specs), "max_iterations", maxIter, "history", len(prior))
	l.bus.Emit(events.SourceAgent, events.KindRunStart, map[string]any{
		"run_id":          res.RunID,
		"conversation_id": convID,
		"tools":           len(specs),
	})

	run := Begin(prior, req.Message, maxIter)
	for {
		iter := run.Iteration + 1
		l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{"run_id": res.RunID, "iter": iter})

		reply, err := l.model.Send(ctx, run.History, specs)
		if err != nil {
			return fail(run.Iteration, err)
		}
		res.Model = reply.Model
		res.InputTokens += reply.InputTokens
		res.OutputTokens += reply.OutputTokens
		l.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"run_id":     res.RunID,
			"iter":       iter,
			"model":      reply.Model,
			"tokens_in":  reply.InputTokens,
			"tokens_out": reply.OutputTokens,
			"tool_calls": len(reply.ToolCalls),
		})

		var step Step
		run, step = Advance(run, reply)
		if step.Kind == StepFinal {
			res.Text = step.Text
			res.Iterations = run.Iteration
			res.Elapsed = time.Since(started)
			if l.history != nil {
				l.history.Append(convID, run.NewTurns()...)
			}
			log.Info("agent run completed",
				"iterations", res.Iterations,
				"tool_calls", res.ToolCalls,
				"elapsed", res.Elapsed.Round(time.Millisecond),
			)
			send(Event{Kind: EventFinal, Iteration: run.Iteration, Text: res.Text})
			return res, nil
		}

		results := make([]ToolResult, 0, len(step.Calls))
		for _, call := range step.Calls {
			results = append(results, l.execute(ctx, log, run.Iteration, call, send))
			res.ToolCalls++
		}

		run, step = ApplyResults(run, results)
		if step.Kind == StepLimitExceeded {
			return fail(run.Iteration, step.Err)
		}
	}
}

func (l *Loop) execute(ctx context.Context, log *slog.Logger, iter int, call llm.ToolCall, send func(Event)) ToolResult {
	send(Event{Kind: EventToolExecuting, Iteration: iter, Tool: call.Name, Arguments: call.Arguments})

	start := time.Now()
	var out string
	var err error
	if l.tools == nil {
		err = errors.New("no tool executor configured")
	} else {
		out, err = l.tools.CallTool(ctx, call.Name, call.Arguments)
	}
	r := ToolResult{Call: call, Output: out, Err: err}

	if err != nil {
		log.Warn("tool call failed", "tool", call.Name, "error", err)
	} else {
		log.Debug("tool call succeeded", "tool", call.Name, "result_len", len(out), "elapsed", time.Since(start))
	}
	send(Event{Kind: EventToolResult, Iteration: iter, Tool: call.Name, Result: r.Content(), Error: errString(err)})
	return r
}

func (l *Loop) publish(e Event) {
	kind := events.KindToolResult
	switch e.Kind {
	case EventToolExecuting:
		kind = events.KindToolExecuting
	case EventFinal:
		kind = events.KindFinal
	case EventFailed:
		kind = events.KindFailed
	}
	data := map[string]any{"run_id": e.RunID, "iter": e.Iteration}
	if e.Tool != "" {
		data["tool"] = e.Tool
	}
	if e.Kind == EventToolResult {
		data["ok"] = e.Error == ""
	}
	if e.Error != "" {
		data["error"] = e.Error
	}
	l.bus.Emit(events.SourceAgent, kind, data)
}

// ToolSpecs converts a catalog into model tool offers. When several
// providers advertise the same name only the first is offered, which
// is also the one the aggregator tries first.
func ToolSpecs(catalog []mcp.Tool) []llm.ToolSpec {
	seen := make(map[string]bool, len(catalog))
	specs := make([]llm.ToolSpec, 0, len(catalog))
	for _, t := range catalog {
		if t.Name == "" || seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		specs = append(specs, llm.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	return specs
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
