package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

func history() []llm.Message {
	return []llm.Message{
		{Role: llm.RoleUser, Content: "one"},
		{Role: llm.RoleAssistant, Content: "1"},
		{Role: llm.RoleUser, Content: "two"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "clock"}}},
		{Role: llm.RoleTool, Content: "noon", ToolCallID: "c1"},
		{Role: llm.RoleAssistant, Content: "2"},
		{Role: llm.RoleUser, Content: "three"},
		{Role: llm.RoleAssistant, Content: "3"},
	}
}

func TestSession_Recent(t *testing.T) {
	t.Parallel()
	s := &Session{History: history()}

	tests := []struct {
		turns     int
		wantLen   int
		wantFirst string
	}{
		{0, 8, "one"},
		{1, 2, "three"},
		{2, 6, "two"},
		{3, 8, "one"},
		{10, 8, "one"},
	}
	for _, tc := range tests {
		got := s.Recent(tc.turns)
		if len(got) != tc.wantLen {
			t.Errorf("Recent(%d) len = %d, want %d", tc.turns, len(got), tc.wantLen)
			continue
		}
		if got[0].Content != tc.wantFirst {
			t.Errorf("Recent(%d)[0] = %q, want %q", tc.turns, got[0].Content, tc.wantFirst)
		}
	}
}

func TestSession_RecentSkipsFollowUps(t *testing.T) {
	t.Parallel()
	s := &Session{History: []llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "hi"},
		{Role: llm.RoleUser, Content: "what am I holding?"},
		{Role: llm.RoleAssistant, Content: "Let me look."},
		{Role: llm.RoleUser, Content: "Here is the image you asked for.", FollowUp: true},
		{Role: llm.RoleAssistant, Content: "A cup."},
	}}
	got := s.Recent(1)
	if len(got) != 4 || got[0].Content != "what am I holding?" {
		t.Errorf("Recent(1) = %+v, want the whole vision turn", got)
	}
	if got := s.Recent(2); len(got) != 6 {
		t.Errorf("Recent(2) len = %d, want 6", len(got))
	}
}

func TestSession_RecentDoesNotAlias(t *testing.T) {
	t.Parallel()
	s := &Session{History: history()}
	got := s.Recent(1)
	got[0].Content = "mutated"
	if s.History[6].Content != "three" {
		t.Error("Recent returned a slice aliasing the history")
	}
}

func TestSession_Stale(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		updated time.Time
		timeout time.Duration
		want    bool
	}{
		{"never saved", time.Time{}, time.Minute, false},
		{"no timeout", now.Add(-time.Hour), 0, false},
		{"fresh", now.Add(-30 * time.Second), time.Minute, false},
		{"stale", now.Add(-2 * time.Minute), time.Minute, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := &Session{UpdatedAt: tc.updated}
			if got := s.Stale(now, tc.timeout); got != tc.want {
				t.Errorf("Stale = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSession_Reset(t *testing.T) {
	t.Parallel()
	s := &Session{UserID: "u", ContextID: "ctx", History: history(), Topic: Topic{Name: "weather", Continue: true}}
	s.Reset()
	if s.ContextID != "" || len(s.History) != 0 || s.Topic.Continue || s.Topic.Name != "" {
		t.Errorf("Reset left state behind: %+v", s)
	}
	if s.UserID != "u" {
		t.Error("Reset must keep the user id")
	}
}

func TestSession_CloneDropsImages(t *testing.T) {
	t.Parallel()
	s := &Session{History: []llm.Message{{Role: llm.RoleUser, Content: "look", Images: []llm.Image{{MIMEType: "image/png"}}}}}
	c := s.Clone()
	if len(c.History[0].Images) != 0 {
		t.Error("Clone kept images")
	}
	c.History[0].Content = "changed"
	if s.History[0].Content != "look" {
		t.Error("Clone aliases history")
	}
}

func TestInMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewInMemoryStore()

	if _, err := st.Load(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load on empty store err = %v, want ErrNotFound", err)
	}

	s := NewSession("u1")
	s.ContextID = "conv-1"
	s.History = append(s.History, llm.Message{Role: llm.RoleUser, Content: "hi"})
	if err := st.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s.History[0].Content = "mutated after save"

	got, err := st.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ContextID != "conv-1" || got.History[0].Content != "hi" {
		t.Errorf("Load = %+v", got)
	}

	if err := st.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Delete(ctx, "u1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if st.Len() != 0 {
		t.Errorf("Len = %d after delete", st.Len())
	}
}
