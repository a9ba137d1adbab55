// Package agent drives a language model through bounded rounds of tool
// calls until it produces a final answer.
//
// The loop state lives in [Run] and moves forward only through the pure
// functions [Begin], [Advance] and [ApplyResults], so every transition
// can be tested without a model or a provider. [Loop] is the driver that
// performs the I/O between transitions.
package agent

import (
	"errors"
	"fmt"
	"slices"

	"github.com/nugget/toolrelay/internal/llm"
)

// DefaultMaxIterations bounds the number of model requests in one run.
const DefaultMaxIterations = 3

// ErrIterationLimitExceeded is matched by [IterationLimitError].
var ErrIterationLimitExceeded = errors.New("tool loop exceeded maximum iterations")

// IterationLimitError reports a run in which every model reply, up to
// the limit, still requested tools.
type IterationLimitError struct {
	Max int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("tool loop exceeded maximum iterations (%d)", e.Max)
}

func (e *IterationLimitError) Unwrap() error { return ErrIterationLimitExceeded }

// Run is the state of one orchestration. Its history is append-only;
// transitions return a new Run and never modify the slice they were
// given.
type Run struct {
	History       []llm.Message
	Iteration     int
	MaxIterations int

	// base is the length of the caller-supplied prefix; turns after it
	// were produced by this run.
	base int
}

// NewTurns returns the turns this run added after the prior history,
// starting with the user message.
func (r Run) NewTurns() []llm.Message {
	return slices.Clone(r.History[r.base:])
}

// StepKind says what the driver must do next.
type StepKind int

const (
	// StepFinal means the reply was the answer; the run is over.
	StepFinal StepKind = iota
	// StepExecute means the driver must run Step.Calls and hand the
	// outcomes to ApplyResults.
	StepExecute
	// StepContinue means the model must be asked again.
	StepContinue
	// StepLimitExceeded means the run failed with Step.Err.
	StepLimitExceeded
)

func (k StepKind) String() string {
	switch k {
	case StepFinal:
		return "final"
	case StepExecute:
		return "execute"
	case StepContinue:
		return "continue"
	case StepLimitExceeded:
		return "limit_exceeded"
	default:
		return fmt.Sprintf("StepKind(%d)", int(k))
	}
}

// Step is the outcome of a transition.
type Step struct {
	Kind  StepKind
	Text  string
	Calls []llm.ToolCall
	Err   error
}

// ToolResult is the outcome of one executed tool call. A failed call
// still produces a result: the model sees the error text.
type ToolResult struct {
	Call   llm.ToolCall
	Output string
	Err    error
}

// Content is the text recorded in the history for this result.
func (r ToolResult) Content() string {
	if r.Err != nil {
		return "ERROR: " + r.Err.Error()
	}
	return r.Output
}

// Begin starts a run from prior history and a new user message. A
// non-positive maxIterations selects [DefaultMaxIterations].
func Begin(prior []llm.Message, userMessage string, maxIterations int) Run {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	history := make([]llm.Message, 0, len(prior)+1)
	history = append(history, prior...)
	history = append(history, llm.UserMessage(userMessage))
	return Run{
		History:       history,
		MaxIterations: maxIterations,
		base:          len(prior),
	}
}

// Advance records a model reply. A reply without tool calls ends the
// run; otherwise the calls are handed back for execution.
func Advance(run Run, reply *llm.Reply) (Run, Step) {
	next := run
	next.Iteration = run.Iteration + 1
	next.History = appendTurns(run.History, reply.Message())

	if !reply.HasToolCalls() {
		return next, Step{Kind: StepFinal, Text: reply.Text}
	}
	return next, Step{Kind: StepExecute, Calls: slices.Clone(reply.ToolCalls)}
}

// ApplyResults appends one tool turn per result, in order. If the run
// has used all of its iterations it fails; otherwise the model is asked
// again.
func ApplyResults(run Run, results []ToolResult) (Run, Step) {
	turns := make([]llm.Message, 0, len(results))
	for _, r := range results {
		turns = append(turns, llm.ToolMessage(r.Call, r.Content()))
	}
	next := run
	next.History = appendTurns(run.History, turns...)

	if next.Iteration >= next.MaxIterations {
		return next, Step{Kind: StepLimitExceeded, Err: &IterationLimitError{Max: next.MaxIterations}}
	}
	return next, Step{Kind: StepContinue}
}

// appendTurns copies before appending so earlier Run values keep their
// history.
func appendTurns(history []llm.Message, turns ...llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history)+len(turns))
	out = append(out, history...)
	return append(out, turns...)
}
