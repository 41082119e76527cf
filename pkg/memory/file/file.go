// Package file stores sessions as one JSON document per user in a directory.
// The file name is derived from the user id, so the same user always maps to
// the same file.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/MrWong99/avatarkit/pkg/memory"
)

var (
	_ memory.Store  = (*Store)(nil)
	_ memory.Pinger = (*Store)(nil)
)

// Store is a directory-backed [memory.Store].
type Store struct {
	dir string

	// mu serialises writes so a concurrent Save and Delete for the same user
	// cannot interleave their rename and remove.
	mu sync.Mutex
}

// New returns a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("file store: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("file store: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the file that holds userID's session.
func (s *Store) Path(userID string) string {
	return filepath.Join(s.dir, url.PathEscape(userID)+".json")
}

// Load implements [memory.Store].
func (s *Store) Load(_ context.Context, userID string) (*memory.Session, error) {
	data, err := os.ReadFile(s.Path(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("file store: load %q: %w", userID, err)
	}
	var sess memory.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("file store: decode %q: %w", userID, err)
	}
	sess.UserID = userID
	return &sess, nil
}

// Save implements [memory.Store]. The document is written to a temporary
// file and renamed into place so a crash never leaves a truncated session.
func (s *Store) Save(_ context.Context, sess *memory.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: encode %q: %w", sess.UserID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("file store: save %q: %w", sess.UserID, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("file store: save %q: %w", sess.UserID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file store: save %q: %w", sess.UserID, err)
	}
	if err := os.Rename(tmp.Name(), s.Path(sess.UserID)); err != nil {
		return fmt.Errorf("file store: save %q: %w", sess.UserID, err)
	}
	return nil
}

// Delete implements [memory.Store].
func (s *Store) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.Path(userID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file store: delete %q: %w", userID, err)
	}
	return nil
}

// Ping reports whether the directory is still accessible.
func (s *Store) Ping(_ context.Context) error {
	fi, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("file store: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("file store: %s is not a directory", s.dir)
	}
	return nil
}
