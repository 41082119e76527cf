// Package memory defines the per-user dialog session and the persistence
// contract used to keep it across turns and restarts.
//
// A [Session] holds the role-tagged conversation history, the backend
// context id returned by stateful backends and the current topic. It is
// loaded at the start of a turn, mutated in memory, and written back only
// after the turn completes successfully.
//
// Backends live in sub-packages (file, redis, postgres) and the in-memory
// [InMemoryStore] in this package. Every implementation must be safe for
// concurrent use.
package memory

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// ErrNotFound is returned by [Store.Load] when no session exists for a user.
var ErrNotFound = errors.New("memory: session not found")

// Store persists sessions keyed by user id.
type Store interface {
	// Load returns the stored session for userID or [ErrNotFound].
	Load(ctx context.Context, userID string) (*Session, error)

	// Save writes s, replacing any previous session for s.UserID.
	Save(ctx context.Context, s *Session) error

	// Delete removes the session for userID. Deleting a missing session is
	// not an error.
	Delete(ctx context.Context, userID string) error
}

// Pinger is implemented by stores backed by a remote service so readiness
// probes can check reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// InputModality names the kind of input the next turn expects.
type InputModality string

const (
	InputVoice InputModality = "voice"
	InputText  InputModality = "text"
	InputImage InputModality = "image"
)

// Topic is the conversation state carried between turns.
type Topic struct {
	// Name is a free-form label for the current topic. Empty means none.
	Name string `json:"name,omitempty"`

	// Continue reports whether the dialog stays open after the current turn.
	Continue bool `json:"continue"`

	// RequiredInput is the modality expected next turn. Empty means any.
	RequiredInput InputModality `json:"required_input,omitempty"`
}

// Session is the persisted dialog state of one user.
type Session struct {
	UserID    string        `json:"user_id"`
	ContextID string        `json:"context_id,omitempty"`
	History   []llm.Message `json:"history"`
	Topic     Topic         `json:"topic"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewSession returns an empty session for userID.
func NewSession(userID string) *Session {
	return &Session{UserID: userID, History: []llm.Message{}}
}

// Stale reports whether the session has not been updated within timeout.
// A non-positive timeout never expires. A session that was never saved is
// not stale.
func (s *Session) Stale(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 || s.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(s.UpdatedAt) > timeout
}

// Reset clears the history, the backend context and the topic.
func (s *Session) Reset() {
	s.ContextID = ""
	s.History = []llm.Message{}
	s.Topic = Topic{}
}

// Recent returns the messages of the last n turns. A turn starts at a user
// message that is not a follow-up. n <= 0 returns the full history.
func (s *Session) Recent(n int) []llm.Message {
	if n <= 0 {
		return slices.Clone(s.History)
	}
	turns := 0
	for i := len(s.History) - 1; i >= 0; i-- {
		if m := s.History[i]; m.Role != llm.RoleUser || m.FollowUp {
			continue
		}
		turns++
		if turns == n {
			return slices.Clone(s.History[i:])
		}
	}
	return slices.Clone(s.History)
}

// Clone returns a deep copy of s. Message images are not copied since they
// are never persisted.
func (s *Session) Clone() *Session {
	c := *s
	c.History = make([]llm.Message, len(s.History))
	for i, m := range s.History {
		m.Images = nil
		m.ToolCalls = slices.Clone(m.ToolCalls)
		c.History[i] = m
	}
	return &c
}
