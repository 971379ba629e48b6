package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/fortressauth/fortress/domain"
)

// MemoryPendingSessionStore implements PendingSessionStore on ttlcache.
type MemoryPendingSessionStore struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *domain.PendingMultiFactorSession]
}

// NewMemoryPendingSessionStore creates an in-memory pending-session store
// whose entries expire after ttl.
func NewMemoryPendingSessionStore(ttl time.Duration) *MemoryPendingSessionStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *domain.PendingMultiFactorSession](ttl),
		ttlcache.WithDisableTouchOnHit[string, *domain.PendingMultiFactorSession](),
	)
	go cache.Start()
	return &MemoryPendingSessionStore{cache: cache}
}

func (s *MemoryPendingSessionStore) Put(_ context.Context, session *domain.PendingMultiFactorSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(session.Token, session, time.Until(session.ExpiresAt))
	return nil
}

func (s *MemoryPendingSessionStore) Get(_ context.Context, token string) (*domain.PendingMultiFactorSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(token)
}

func (s *MemoryPendingSessionStore) get(token string) (*domain.PendingMultiFactorSession, error) {
	item := s.cache.Get(token)
	if item == nil {
		return nil, domain.ErrSessionNotFound
	}
	session := item.Value()
	if time.Now().After(session.ExpiresAt) {
		return nil, domain.ErrSessionExpired
	}
	return session, nil
}

func (s *MemoryPendingSessionStore) Update(_ context.Context, session *domain.PendingMultiFactorSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.Get(session.Token) == nil {
		return domain.ErrSessionNotFound
	}
	s.cache.Set(session.Token, session, time.Until(session.ExpiresAt))
	return nil
}

func (s *MemoryPendingSessionStore) Take(_ context.Context, token string) (*domain.PendingMultiFactorSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.get(token)
	if err != nil {
		return nil, err
	}
	s.cache.Delete(token)
	return session, nil
}

func (s *MemoryPendingSessionStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(token)
	return nil
}

// Len counts un-expired sessions. Entries past their deadline but not yet
// reaped by the cleanup goroutine are excluded.
func (s *MemoryPendingSessionStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for _, item := range s.cache.Items() {
		if now.Before(item.Value().ExpiresAt) {
			n++
		}
	}
	return n, nil
}

// Close stops the background cleanup goroutine.
func (s *MemoryPendingSessionStore) Close() error {
	s.cache.Stop()
	return nil
}

// MemoryEnrollmentStore implements EnrollmentStore on ttlcache.
type MemoryEnrollmentStore struct {
	cache *ttlcache.Cache[string, *domain.EnrollmentSession]
}

// NewMemoryEnrollmentStore creates an in-memory enrollment store whose
// entries expire after ttl.
func NewMemoryEnrollmentStore(ttl time.Duration) *MemoryEnrollmentStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *domain.EnrollmentSession](ttl),
		ttlcache.WithDisableTouchOnHit[string, *domain.EnrollmentSession](),
	)
	go cache.Start()
	return &MemoryEnrollmentStore{cache: cache}
}

func (s *MemoryEnrollmentStore) Put(_ context.Context, session *domain.EnrollmentSession) error {
	s.cache.Set(session.Token, session, time.Until(session.ExpiresAt))
	return nil
}

func (s *MemoryEnrollmentStore) Get(_ context.Context, token string) (*domain.EnrollmentSession, error) {
	item := s.cache.Get(token)
	if item == nil {
		return nil, domain.ErrSessionNotFound
	}
	session := item.Value()
	if time.Now().After(session.ExpiresAt) {
		return nil, domain.ErrSessionExpired
	}
	return session, nil
}

func (s *MemoryEnrollmentStore) Delete(_ context.Context, token string) error {
	s.cache.Delete(token)
	return nil
}

// Close stops the background cleanup goroutine.
func (s *MemoryEnrollmentStore) Close() error {
	s.cache.Stop()
	return nil
}

var (
	_ PendingSessionStore = (*MemoryPendingSessionStore)(nil)
	_ EnrollmentStore     = (*MemoryEnrollmentStore)(nil)
)
