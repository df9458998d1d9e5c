// Package session keeps browser sessions for the intranet login flow.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("session not found")

const CookieName = "opex_session"

type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists sessions. Get returns ErrNotFound for unknown and expired
// ids alike.
type Store interface {
	Create(ctx context.Context, s Session, ttl time.Duration) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	Delete(ctx context.Context, id string) error
}

func newID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func prepare(s Session, ttl time.Duration, now time.Time) (Session, error) {
	if strings.TrimSpace(s.Email) == "" {
		return s, errors.New("session email required")
	}
	if ttl <= 0 {
		return s, errors.New("session ttl must be positive")
	}
	id, err := newID()
	if err != nil {
		return s, err
	}
	s.ID = id
	s.CreatedAt = now.UTC()
	s.ExpiresAt = s.CreatedAt.Add(ttl)
	return s, nil
}

// MemoryStore is a process-local store for single-node setups and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	Now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]Session{}, Now: time.Now}
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryStore) Create(_ context.Context, s Session, ttl time.Duration) (Session, error) {
	s, err := prepare(s, ttl, m.now())
	if err != nil {
		return s, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !m.now().Before(s.ExpiresAt) {
		delete(m.sessions, id)
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// RedisStore shares sessions between replicas. Expiry is left to Redis.
type RedisStore struct {
	Client *redis.Client
	Prefix string
	Now    func() time.Time
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{Client: rdb, Prefix: "opex:session:", Now: time.Now}, nil
}

func (r *RedisStore) key(id string) string {
	return r.Prefix + id
}

func (r *RedisStore) Create(ctx context.Context, s Session, ttl time.Duration) (Session, error) {
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	s, err := prepare(s, ttl, now)
	if err != nil {
		return s, err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return s, err
	}
	if err := r.Client.Set(ctx, r.key(s.ID), data, ttl).Err(); err != nil {
		return s, err
	}
	return s, nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	data, err := r.Client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.Client.Del(ctx, r.key(id)).Err()
}

func (r *RedisStore) Close() error {
	return r.Client.Close()
}
