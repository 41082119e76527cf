package file

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/avatarkit/pkg/memory"
	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	updated := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sess := &memory.Session{
		UserID:    "alice",
		ContextID: "conv-9",
		History: []llm.Message{
			{Role: llm.RoleUser, Content: "Hi"},
			{Role: llm.RoleAssistant, Content: "Hello!"},
		},
		Topic:     memory.Topic{Continue: true},
		UpdatedAt: updated,
	}
	if err := s.Save(ctx, sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, "alice")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ContextID != "conv-9" || len(got.History) != 2 || !got.Topic.Continue {
		t.Errorf("Load = %+v", got)
	}
	if !got.UpdatedAt.Equal(updated) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, updated)
	}
}

func TestStore_DocumentShape(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	sess := memory.NewSession("bob")
	sess.ContextID = "c"
	if err := s.Save(context.Background(), sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(s.Path("bob"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"user_id", "context_id", "history", "updated_at"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("document missing %q: %s", key, data)
		}
	}
}

func TestStore_LoadMissing(t *testing.T) {
	t.Parallel()
	if _, err := newStore(t).Load(context.Background(), "nobody"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_LoadCorrupt(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	if err := os.WriteFile(s.Path("eve"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := s.Load(context.Background(), "eve")
	if err == nil || errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("err = %v, want decode error", err)
	}
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	if err := s.Save(ctx, memory.NewSession("carol")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, "carol"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "carol"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("Load after Delete err = %v", err)
	}
	if err := s.Delete(ctx, "carol"); err != nil {
		t.Errorf("Delete of missing session: %v", err)
	}
}

func TestStore_PathIsContained(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	for _, id := range []string{"../escape", "a/b", "用户"} {
		p := s.Path(id)
		if filepath.Dir(p) != s.dir {
			t.Errorf("Path(%q) = %q escapes %q", id, p, s.dir)
		}
		if !strings.HasSuffix(p, ".json") {
			t.Errorf("Path(%q) = %q, want .json suffix", id, p)
		}
	}
}

func TestStore_Ping(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := os.RemoveAll(s.dir); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping to fail after directory removal")
	}
}
