package services

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fortressauth/fortress/cache"
	"github.com/fortressauth/fortress/domain"
	"github.com/fortressauth/fortress/internal/audit"
	"github.com/fortressauth/fortress/internal/identity"
	"github.com/fortressauth/fortress/internal/metrics"
	"github.com/fortressauth/fortress/internal/presence"
)

// codePattern is the client-visible contract for proof codes: exactly six
// digits, checked before any network call is made.
var codePattern = regexp.MustCompile(`^\d{6}$`)

// ErrChallengeRestartRequired is returned when a failed phone challenge is
// re-submitted. The dispatch handle is single-use, so the user must re-enter
// the flow from the start.
var ErrChallengeRestartRequired = errors.New("challenge must be restarted")

// ChallengeService drives the second-factor challenge at login time:
// Idle -> AwaitingProof -> Resolving -> Resolved | Failed. One
// PendingMultiFactorSession exists per blocked sign-in; it lives in the
// session store keyed by an opaque token and is destroyed on resolution.
type ChallengeService struct {
	identity identity.Client
	store    cache.PendingSessionStore
	presence presence.Factory
	ttl      time.Duration
}

// NewChallengeService creates the challenge state machine driver.
func NewChallengeService(idc identity.Client, store cache.PendingSessionStore, pf presence.Factory, ttl time.Duration) *ChallengeService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ChallengeService{identity: idc, store: store, presence: pf, ttl: ttl}
}

// selectFactor picks the factor to challenge: Totp wins over Phone whenever
// both are enrolled, regardless of list order, because it needs no outbound
// message. A list with no recognized kind yields ErrUnsupportedFactor.
func selectFactor(factors []domain.MFAFactorDescriptor) (*domain.MFAFactorDescriptor, error) {
	var phone *domain.MFAFactorDescriptor
	for i := range factors {
		switch factors[i].FactorKind {
		case domain.FactorKindTotp:
			return &factors[i], nil
		case domain.FactorKindPhone:
			if phone == nil {
				phone = &factors[i]
			}
		}
	}
	if phone != nil {
		return phone, nil
	}
	return nil, domain.ErrUnsupportedFactor
}

// Begin creates the pending session for a sign-in the provider blocked with
// a step-up requirement. TOTP challenges start directly in AwaitingProof;
// phone challenges start Idle until the code has been dispatched.
func (s *ChallengeService) Begin(ctx context.Context, sfr *identity.SecondFactorRequiredError) (*domain.PendingMultiFactorSession, error) {
	now := time.Now()
	session := &domain.PendingMultiFactorSession{
		Token:            uuid.NewString(),
		ResolverToken:    sfr.ResolverToken,
		AvailableFactors: sfr.Factors,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.ttl),
	}

	selected, err := selectFactor(sfr.Factors)
	if err != nil {
		session.Phase = domain.ChallengeFailed
		session.FailureReason = "unsupported factor"
	} else {
		session.SelectedFactor = selected
		if selected.FactorKind == domain.FactorKindTotp {
			session.Phase = domain.ChallengeAwaitingProof
		} else {
			session.Phase = domain.ChallengeIdle
		}
	}

	if err := s.store.Put(ctx, session); err != nil {
		return nil, err
	}
	log.Info().Str("challenge", session.Token).Str("phase", string(session.Phase)).Msg("Multi-factor challenge created")
	return session, nil
}

// Get returns the current state of a challenge.
func (s *ChallengeService) Get(ctx context.Context, token string) (*domain.PendingMultiFactorSession, error) {
	return s.store.Get(ctx, token)
}

// SendCode dispatches the SMS for a phone challenge. The human-presence
// check must resolve before dispatch is attempted; the verifier is released
// on every exit path. A dispatch failure is terminal for this session: the
// machine does not auto-retry and the user must re-enter the flow.
func (s *ChallengeService) SendCode(ctx context.Context, token, presenceToken, remoteIP string) error {
	session, err := s.store.Get(ctx, token)
	if err != nil {
		return err
	}
	if session.SelectedFactor == nil || session.SelectedFactor.FactorKind != domain.FactorKindPhone {
		return domain.ErrUnsupportedFactor
	}
	if session.Phase != domain.ChallengeIdle {
		return ErrChallengeRestartRequired
	}

	verifier := s.presence.New()
	defer verifier.Release()
	if err := verifier.Verify(ctx, presenceToken, remoteIP); err != nil {
		return err
	}

	handle, err := s.identity.StartPhoneVerification(ctx, session.SelectedFactor.OpaqueHint, presenceToken)
	if err != nil {
		log.Error().Err(err).Str("challenge", token).Msg("Challenge SMS dispatch failed")
		session.Phase = domain.ChallengeFailed
		session.FailureReason = "failed to send code"
		if updErr := s.store.Update(ctx, session); updErr != nil {
			log.Warn().Err(updErr).Str("challenge", token).Msg("Could not record dispatch failure")
		}
		return domain.ErrDispatchFailed
	}

	session.DispatchHandle = handle
	session.Phase = domain.ChallengeAwaitingProof
	return s.store.Update(ctx, session)
}

// Resolve submits the proof code and finishes the blocked sign-in.
// On success the pending session is destroyed, so a second submission after
// resolution is rejected rather than double-resolving. On provider rejection
// the failure reason is always the generic "invalid code": wrong, expired
// and malformed proofs are indistinguishable to the caller.
func (s *ChallengeService) Resolve(ctx context.Context, token, code string) (*identity.UserSession, error) {
	if !codePattern.MatchString(code) {
		return nil, domain.ErrMalformedCode
	}

	session, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}

	switch session.Phase {
	case domain.ChallengeAwaitingProof:
	case domain.ChallengeFailed:
		// TOTP proofs may be re-submitted after a failure; a failed phone
		// challenge holds a spent dispatch handle and must restart.
		if session.SelectedFactor == nil || session.SelectedFactor.FactorKind != domain.FactorKindTotp {
			return nil, ErrChallengeRestartRequired
		}
	default:
		return nil, ErrChallengeRestartRequired
	}

	assertion := identity.Assertion{
		FactorKind: session.SelectedFactor.FactorKind,
		Code:       code,
	}
	if session.SelectedFactor.FactorKind == domain.FactorKindPhone {
		assertion.DispatchHandle = session.DispatchHandle
	} else {
		assertion.FactorHint = session.SelectedFactor.OpaqueHint
	}

	session.Phase = domain.ChallengeResolving
	if err := s.store.Update(ctx, session); err != nil {
		return nil, err
	}

	userSession, err := s.identity.ResolveSecondFactor(ctx, session.ResolverToken, assertion)
	if err != nil {
		metrics.ChallengeFailedTotal.Inc()
		audit.Log("ChallengeService", "Resolve", "", token, "Second factor rejected", false, err)
		session.Phase = domain.ChallengeFailed
		session.FailureReason = "invalid code"
		if session.SelectedFactor.FactorKind == domain.FactorKindPhone {
			session.DispatchHandle = ""
		}
		if updErr := s.store.Update(ctx, session); updErr != nil {
			log.Warn().Err(updErr).Str("challenge", token).Msg("Could not record resolution failure")
		}
		return nil, domain.ErrInvalidCode
	}

	// Take rather than Delete: only one caller can observe the removal, so
	// the sign-in resolves exactly once even under a racing double submit.
	if _, err := s.store.Take(ctx, token); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		log.Warn().Err(err).Str("challenge", token).Msg("Could not destroy resolved challenge session")
	}
	metrics.ChallengeResolvedTotal.Inc()
	audit.Log("ChallengeService", "Resolve", userSession.UserID, token, "Second factor verified", true, nil)
	return userSession, nil
}

// Abandon destroys a pending session without resolving it.
func (s *ChallengeService) Abandon(ctx context.Context, token string) error {
	return s.store.Delete(ctx, token)
}
