// Package events carries operational events from the LLM loop, the
// provider aggregator and the API to the WebSocket stream and the MQTT
// forwarder. A nil *Bus accepts events and drops them.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the orchestration loop.
	SourceAgent = "agent"
	// SourceProviders identifies events from the provider aggregator.
	SourceProviders = "providers"
	// SourceAPI identifies events from the HTTP surface.
	SourceAPI = "api"
	// SourceHealth identifies events from the connection watcher.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals the beginning of an orchestration run.
	// Data: run_id, conversation_id, tools.
	KindRunStart = "run_start"
	// KindLLMCall signals the start of a model request.
	// Data: run_id, iter.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model request.
	// Data: run_id, iter, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolExecuting signals the start of a tool execution.
	// Data: run_id, iter, tool, arguments.
	KindToolExecuting = "tool_executing"
	// KindToolResult signals completion of a tool execution.
	// Data: run_id, iter, tool, ok, result, duration_ms.
	KindToolResult = "tool_result"
	// KindFinal signals a run ended with a final answer.
	// Data: run_id, iterations, text.
	KindFinal = "final"
	// KindFailed signals a run ended with an error.
	// Data: run_id, iterations, error.
	KindFailed = "failed"

	// KindProviderFailed signals a provider could not list or run tools.
	// Data: provider, op, error.
	KindProviderFailed = "provider_failed"
	// KindToolConflict signals two providers advertise the same tool.
	// Data: tool, winner, shadowed.
	KindToolConflict = "tool_conflict"
	// KindCacheCleared signals the provider client cache was reset.
	// Data: retired.
	KindCacheCleared = "cache_cleared"

	// KindProviderChanged signals a stored provider was added,
	// updated or removed.
	// Data: provider, action.
	KindProviderChanged = "provider_changed"

	// KindServiceReady signals a watched service answered its health check.
	// Data: service.
	KindServiceReady = "service_ready"
	// KindServiceDown signals a watched service stopped answering.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers without ever blocking the
// publisher. A subscriber whose buffer is full misses the event.
type Bus struct {
	mu sync.RWMutex
	// Keyed by the receive side handed to the subscriber.
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with a buffer of size events. Every
// Subscribe needs a matching [Bus.Unsubscribe].
func (b *Bus) Subscribe(size int) <-chan Event {
	ch := make(chan Event, size)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes ch and closes it. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount reports how many subscribers are registered.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
