package session

import (
	"fmt"
	"strings"
)

// HistoryCapacity bounds the recent-question ring. The hand-off channel
// only needs short-term context; anything older is dropped to avoid
// unbounded PII retention.
const HistoryCapacity = 3

// emptySnapshot is rendered when no questions have been recorded yet.
const emptySnapshot = "Nueva conversación"

// History is the ordered ring of the visitor's most recent questions,
// oldest first. Mutated only by Append; cleared on new-conversation.
type History struct {
	items []string
}

// NewHistory restores a History from persisted items, enforcing the
// capacity bound on whatever was stored.
func NewHistory(items []string) *History {
	h := &History{}
	for _, q := range items {
		h.Append(q)
	}
	return h
}

// Append records a question. Empty-after-trim input is ignored; the
// oldest entry is evicted once the ring is full.
func (h *History) Append(question string) {
	q := strings.TrimSpace(question)
	if q == "" {
		return
	}
	h.items = append(h.items, q)
	if len(h.items) > HistoryCapacity {
		h.items = h.items[len(h.items)-HistoryCapacity:]
	}
}

// Snapshot renders the ring as "[1] q1 | [2] q2 | [3] q3" in
// chronological order, or a fixed placeholder when empty.
func (h *History) Snapshot() string {
	if len(h.items) == 0 {
		return emptySnapshot
	}
	parts := make([]string, 0, len(h.items))
	for i, q := range h.items {
		parts = append(parts, fmt.Sprintf("[%d] %s", i+1, q))
	}
	return strings.Join(parts, " | ")
}

// Clear empties the ring.
func (h *History) Clear() {
	h.items = nil
}

// Items returns the questions oldest-first for persistence.
func (h *History) Items() []string {
	out := make([]string, len(h.items))
	copy(out, h.items)
	return out
}
