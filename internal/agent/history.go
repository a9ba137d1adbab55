package agent

import (
	"slices"
	"sync"

	"github.com/nugget/toolrelay/internal/llm"
)

// History stores conversation turns between runs.
type History interface {
	// Load returns the turns recorded for a conversation, oldest first.
	Load(conversationID string) []llm.Message
	// Append records turns produced by a completed run.
	Append(conversationID string, turns ...llm.Message)
}

// DefaultHistoryLimit caps the turns kept per conversation.
const DefaultHistoryLimit = 200

// MemoryHistory is a process-local [History]. The oldest turns are
// dropped once a conversation exceeds the limit.
type MemoryHistory struct {
	mu    sync.Mutex
	limit int
	convs map[string][]llm.Message
}

// NewMemoryHistory creates an empty history. A non-positive limit
// selects [DefaultHistoryLimit].
func NewMemoryHistory(limit int) *MemoryHistory {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &MemoryHistory{limit: limit, convs: make(map[string][]llm.Message)}
}

// Load returns a copy of the conversation's turns.
func (h *MemoryHistory) Load(conversationID string) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.convs[conversationID])
}

// Append records turns and trims the conversation to the limit. A trim
// never leaves a tool result at the head without the assistant turn
// that requested it.
func (h *MemoryHistory) Append(conversationID string, turns ...llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conv := append(h.convs[conversationID], turns...)
	if over := len(conv) - h.limit; over > 0 {
		conv = conv[over:]
		for len(conv) > 0 && conv[0].Role == llm.RoleTool {
			conv = conv[1:]
		}
		conv = slices.Clone(conv)
	}
	h.convs[conversationID] = conv
}

// Reset forgets a conversation.
func (h *MemoryHistory) Reset(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.convs, conversationID)
}

// Conversations returns the number of conversations held.
func (h *MemoryHistory) Conversations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.convs)
}
