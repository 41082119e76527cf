package llm

import (
	"slices"
	"testing"
)

func TestToolCallBuffer(t *testing.T) {
	var b ToolCallBuffer
	if got := b.Flush(); got != nil {
		t.Fatalf("Flush of empty buffer = %v, want nil", got)
	}

	b.Add(1, "call_b", "set_face", `{"face":`)
	b.Add(0, "call_a", "current_time", "{}")
	b.Add(1, "", "", `"smile"}`)
	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}

	want := []ToolCall{
		{ID: "call_a", Name: "current_time", Arguments: "{}"},
		{ID: "call_b", Name: "set_face", Arguments: `{"face":"smile"}`},
	}
	if got := b.Flush(); !slices.Equal(got, want) {
		t.Errorf("Flush = %+v, want %+v", got, want)
	}
	if b.Len() != 0 {
		t.Errorf("Len after Flush = %d, want 0", b.Len())
	}
}
