// Package mock provides a test double for [memory.Store].
//
// Store keeps sessions in memory, records every call and lets tests inject
// errors per method. It is safe for concurrent use.
//
// Typical usage:
//
//	store := mock.NewStore()
//	store.SaveErr = errors.New("disk full")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Save"); got != 1 {
//	    t.Errorf("expected 1 Save call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/avatarkit/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Call records the name and user id of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// UserID is the user the call was made for.
	UserID string
}

// Store is a configurable test double for [memory.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call
	data  *memory.InMemoryStore

	// LoadErr is returned by [Store.Load] when non-nil.
	LoadErr error

	// SaveErr is returned by [Store.Save] when non-nil.
	SaveErr error

	// DeleteErr is returned by [Store.Delete] when non-nil.
	DeleteErr error
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{data: memory.NewInMemoryStore()}
}

func (s *Store) record(method, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: method, UserID: userID})
}

func (s *Store) err(p *error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *p
}

// Load implements [memory.Store].
func (s *Store) Load(ctx context.Context, userID string) (*memory.Session, error) {
	s.record("Load", userID)
	if err := s.err(&s.LoadErr); err != nil {
		return nil, err
	}
	return s.data.Load(ctx, userID)
}

// Save implements [memory.Store].
func (s *Store) Save(ctx context.Context, sess *memory.Session) error {
	s.record("Save", sess.UserID)
	if err := s.err(&s.SaveErr); err != nil {
		return err
	}
	return s.data.Save(ctx, sess)
}

// Delete implements [memory.Store].
func (s *Store) Delete(ctx context.Context, userID string) error {
	s.record("Delete", userID)
	if err := s.err(&s.DeleteErr); err != nil {
		return err
	}
	return s.data.Delete(ctx, userID)
}

// Put stores sess directly without recording a call.
func (s *Store) Put(sess *memory.Session) {
	_ = s.data.Save(context.Background(), sess)
}

// Get returns the stored session for userID or nil, without recording a call.
func (s *Store) Get(userID string) *memory.Session {
	sess, err := s.data.Load(context.Background(), userID)
	if err != nil {
		return nil
	}
	return sess
}

// Calls returns a copy of all recorded calls in order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}
