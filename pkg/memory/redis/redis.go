// Package redis stores sessions as JSON strings in Redis, one key per user.
// An optional TTL lets Redis evict abandoned sessions on its own.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/avatarkit/pkg/memory"
)

var (
	_ memory.Store  = (*Store)(nil)
	_ memory.Pinger = (*Store)(nil)
)

const defaultPrefix = "avatarkit:session:"

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the key prefix. The default is "avatarkit:session:".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithTTL sets the key expiry applied on every Save. Zero keeps keys forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// Store is a Redis-backed [memory.Store].
type Store struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New connects to the Redis server described by url
// (e.g. "redis://:password@localhost:6379/0") and verifies it with PING.
func New(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis store: parse url: %w", err)
	}
	client := goredis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis store: ping: %w", err)
	}
	return NewWithClient(client, opts...), nil
}

// NewWithClient wraps an existing client. The Store takes ownership and
// closes it in [Store.Close].
func NewWithClient(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) key(userID string) string { return s.prefix + userID }

// Load implements [memory.Store].
func (s *Store) Load(ctx context.Context, userID string) (*memory.Session, error) {
	data, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: load %q: %w", userID, err)
	}
	var sess memory.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("redis store: decode %q: %w", userID, err)
	}
	sess.UserID = userID
	return &sess, nil
}

// Save implements [memory.Store].
func (s *Store) Save(ctx context.Context, sess *memory.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("redis store: encode %q: %w", sess.UserID, err)
	}
	if err := s.client.Set(ctx, s.key(sess.UserID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis store: save %q: %w", sess.UserID, err)
	}
	return nil
}

// Delete implements [memory.Store].
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("redis store: delete %q: %w", userID, err)
	}
	return nil
}

// Ping implements [memory.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis store: %w", err)
	}
	return nil
}

// Close releases the client's connections.
func (s *Store) Close() error {
	return s.client.Close()
}
