package llm

import (
	"maps"
	"slices"
)

// ToolCallBuffer assembles tool calls that stream in as fragments keyed by
// the call's index within the response. The zero value is ready to use.
type ToolCallBuffer struct {
	calls map[int]*ToolCall
}

// Add merges one fragment into the call at index. Non-empty id and name
// replace earlier values; args are appended.
func (b *ToolCallBuffer) Add(index int, id, name, args string) {
	if b.calls == nil {
		b.calls = make(map[int]*ToolCall)
	}
	tc, ok := b.calls[index]
	if !ok {
		tc = &ToolCall{}
		b.calls[index] = tc
	}
	if id != "" {
		tc.ID = id
	}
	if name != "" {
		tc.Name = name
	}
	tc.Arguments += args
}

// Len returns the number of calls buffered.
func (b *ToolCallBuffer) Len() int { return len(b.calls) }

// Flush returns the buffered calls in index order and empties the buffer.
// It returns nil when nothing is buffered.
func (b *ToolCallBuffer) Flush() []ToolCall {
	if len(b.calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(b.calls))
	for _, i := range slices.Sorted(maps.Keys(b.calls)) {
		out = append(out, *b.calls[i])
	}
	clear(b.calls)
	return out
}
