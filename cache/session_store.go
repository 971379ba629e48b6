package cache

import (
	"context"

	"github.com/fortressauth/fortress/domain"
)

// PendingSessionStore holds in-flight multi-factor sign-in sessions keyed by
// their opaque challenge token. Entries are TTL-bound; an expired or missing
// token reads as domain.ErrSessionNotFound / domain.ErrSessionExpired.
type PendingSessionStore interface {
	Put(ctx context.Context, session *domain.PendingMultiFactorSession) error
	Get(ctx context.Context, token string) (*domain.PendingMultiFactorSession, error)
	Update(ctx context.Context, session *domain.PendingMultiFactorSession) error
	// Take atomically removes and returns the session. Used at resolution
	// time so a sign-in can never be resolved twice.
	Take(ctx context.Context, token string) (*domain.PendingMultiFactorSession, error)
	Delete(ctx context.Context, token string) error
	// Len reports the number of live sessions. Backs the pending-challenges
	// gauge, which is computed from the store at scrape time.
	Len(ctx context.Context) (int, error)
	Close() error
}

// EnrollmentStore holds open enrollment dialog sessions keyed by their
// opaque token. Closing a dialog deletes the entry; a reopened dialog gets a
// fresh token, so results from a superseded session can be detected by
// comparing tokens before committing state.
type EnrollmentStore interface {
	Put(ctx context.Context, session *domain.EnrollmentSession) error
	Get(ctx context.Context, token string) (*domain.EnrollmentSession, error)
	Delete(ctx context.Context, token string) error
	Close() error
}
