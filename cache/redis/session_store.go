package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fortressauth/fortress/cache"
	"github.com/fortressauth/fortress/domain"
)

// PendingSessionStore implements cache.PendingSessionStore on Redis, for
// deployments where login and challenge requests may land on different
// instances.
type PendingSessionStore struct {
	client *redis.Client
	prefix string
}

// NewPendingSessionStore creates a redis-backed pending-session store.
func NewPendingSessionStore(client *redis.Client, prefix string) *PendingSessionStore {
	return &PendingSessionStore{client: client, prefix: prefix}
}

func (s *PendingSessionStore) key(token string) string {
	return fmt.Sprintf("%s:mfa:pending:%s", s.prefix, token)
}

func (s *PendingSessionStore) Put(ctx context.Context, session *domain.PendingMultiFactorSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal pending session: %w", err)
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return domain.ErrSessionExpired
	}
	if err := s.client.Set(ctx, s.key(session.Token), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending session: %w", err)
	}
	return nil
}

func (s *PendingSessionStore) Get(ctx context.Context, token string) (*domain.PendingMultiFactorSession, error) {
	raw, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending session: %w", err)
	}
	return decodePending(raw)
}

func (s *PendingSessionStore) Update(ctx context.Context, session *domain.PendingMultiFactorSession) error {
	exists, err := s.client.Exists(ctx, s.key(session.Token)).Result()
	if err != nil {
		return fmt.Errorf("failed to check pending session: %w", err)
	}
	if exists == 0 {
		return domain.ErrSessionNotFound
	}
	return s.Put(ctx, session)
}

// Take removes and returns the session in one round trip (GETDEL), so two
// racing resolutions cannot both succeed.
func (s *PendingSessionStore) Take(ctx context.Context, token string) (*domain.PendingMultiFactorSession, error) {
	raw, err := s.client.GetDel(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take pending session: %w", err)
	}
	return decodePending(raw)
}

func (s *PendingSessionStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("failed to delete pending session: %w", err)
	}
	return nil
}

// Len counts live sessions by scanning the key prefix. Expired entries never
// show up: redis removes them when their TTL runs out. Called at metrics
// scrape time only.
func (s *PendingSessionStore) Len(ctx context.Context) (int, error) {
	var cursor uint64
	n := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.key("*"), 100).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count pending sessions: %w", err)
		}
		n += len(keys)
		cursor = next
		if cursor == 0 {
			return n, nil
		}
	}
}

func (s *PendingSessionStore) Close() error {
	return nil
}

func decodePending(raw []byte) (*domain.PendingMultiFactorSession, error) {
	var session domain.PendingMultiFactorSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending session: %w", err)
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, domain.ErrSessionExpired
	}
	return &session, nil
}

// EnrollmentStore implements cache.EnrollmentStore on Redis.
type EnrollmentStore struct {
	client *redis.Client
	prefix string
}

// NewEnrollmentStore creates a redis-backed enrollment store.
func NewEnrollmentStore(client *redis.Client, prefix string) *EnrollmentStore {
	return &EnrollmentStore{client: client, prefix: prefix}
}

func (s *EnrollmentStore) key(token string) string {
	return fmt.Sprintf("%s:mfa:enroll:%s", s.prefix, token)
}

func (s *EnrollmentStore) Put(ctx context.Context, session *domain.EnrollmentSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal enrollment session: %w", err)
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return domain.ErrSessionExpired
	}
	if err := s.client.Set(ctx, s.key(session.Token), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store enrollment session: %w", err)
	}
	return nil
}

func (s *EnrollmentStore) Get(ctx context.Context, token string) (*domain.EnrollmentSession, error) {
	raw, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment session: %w", err)
	}
	var session domain.EnrollmentSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal enrollment session: %w", err)
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, domain.ErrSessionExpired
	}
	return &session, nil
}

func (s *EnrollmentStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("failed to delete enrollment session: %w", err)
	}
	return nil
}

func (s *EnrollmentStore) Close() error {
	return nil
}

var (
	_ cache.PendingSessionStore = (*PendingSessionStore)(nil)
	_ cache.EnrollmentStore     = (*EnrollmentStore)(nil)
)
