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
	"github.com/fortressauth/fortress/internal/auth/totp"
	"github.com/fortressauth/fortress/internal/identity"
	"github.com/fortressauth/fortress/internal/metrics"
	"github.com/fortressauth/fortress/internal/presence"
)

// phonePattern is the E.164 contract for enrollment targets, checked before
// any network call is made.
var phonePattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// FactorMirror is the external directory that duplicates enrolled factors
// for display. The identity provider stays the source of truth; the mirror
// is a reconcilable cache.
type FactorMirror interface {
	Upsert(ctx context.Context, userID string, factor domain.MFAFactorDescriptor) error
	ListByUser(ctx context.Context, userID string) ([]domain.MFAFactorDescriptor, error)
	ReconcileFromProvider(ctx context.Context, userID string, providerFactors []domain.MFAFactorDescriptor) error
}

// EnrollmentService drives factor enrollment dialogs:
// CollectConfiguration -> AwaitingProof -> Enrolled | Failed. Each open
// dialog owns one EnrollmentSession in the store; closing the dialog
// destroys it, and a reopened dialog always gets a fresh secret or dispatch
// handle under a fresh token. A rejected proof keeps the session in
// AwaitingProof so the code can be re-entered within the open dialog.
type EnrollmentService struct {
	identity identity.Client
	store    cache.EnrollmentStore
	mirror   FactorMirror
	presence presence.Factory
	ttl      time.Duration
}

// NewEnrollmentService creates the enrollment state machine driver.
func NewEnrollmentService(idc identity.Client, store cache.EnrollmentStore, mirror FactorMirror, pf presence.Factory, ttl time.Duration) *EnrollmentService {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &EnrollmentService{identity: idc, store: store, mirror: mirror, presence: pf, ttl: ttl}
}

// StartPhone validates the target number, runs the human-presence check,
// dispatches the verification SMS and opens the enrollment session in
// AwaitingProof. The verifier is released on every exit path.
func (s *EnrollmentService) StartPhone(ctx context.Context, userID, phoneNumber, presenceToken, remoteIP string) (*domain.EnrollmentSession, error) {
	if !phonePattern.MatchString(phoneNumber) {
		return nil, domain.ErrInvalidPhoneNumber
	}

	verifier := s.presence.New()
	defer verifier.Release()
	if err := verifier.Verify(ctx, presenceToken, remoteIP); err != nil {
		return nil, err
	}

	handle, err := s.identity.StartPhoneVerification(ctx, phoneNumber, presenceToken)
	if err != nil {
		log.Error().Err(err).Str("userID", userID).Msg("Enrollment SMS dispatch failed")
		metrics.EnrollFailedTotal.WithLabelValues(string(domain.FactorKindPhone)).Inc()
		return nil, domain.ErrDispatchFailed
	}

	now := time.Now()
	session := &domain.EnrollmentSession{
		Token:          uuid.NewString(),
		UserID:         userID,
		FactorKind:     domain.FactorKindPhone,
		Phase:          domain.EnrollAwaitingProof,
		PhoneNumber:    phoneNumber,
		DispatchHandle: handle,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if err := s.store.Put(ctx, session); err != nil {
		return nil, err
	}
	metrics.EnrollStartedTotal.WithLabelValues(string(domain.FactorKindPhone)).Inc()
	return session, nil
}

// VerifyPhone submits the SMS code and enrolls the phone factor. The
// provider enrollment and the directory mirror write fail with the same
// generic error: the user cannot tell the two classes apart.
func (s *EnrollmentService) VerifyPhone(ctx context.Context, userID, token, code string) error {
	if !codePattern.MatchString(code) {
		return domain.ErrMalformedCode
	}
	session, err := s.session(ctx, userID, token, domain.FactorKindPhone)
	if err != nil {
		return err
	}

	assertion := identity.Assertion{
		FactorKind:     domain.FactorKindPhone,
		Code:           code,
		DispatchHandle: session.DispatchHandle,
	}
	factor, err := s.identity.EnrollFactor(ctx, userID, assertion, session.DisplayLabel())
	if err != nil {
		return s.reject(session, "Phone enrollment rejected", err)
	}

	// The dialog may have been closed while the provider call was in
	// flight. A superseded session must not commit anything further.
	if _, err := s.store.Get(ctx, token); err != nil {
		log.Info().Str("enrollment", token).Msg("Enrollment session superseded, discarding late result")
		return domain.ErrSessionSuperseded
	}

	if err := s.mirror.Upsert(ctx, userID, *factor); err != nil {
		// Provider enrollment already succeeded; the mirror heals on the
		// next reconcile. Surfaced with the same generic message as a
		// primary enrollment failure.
		log.Error().Err(err).Str("userID", userID).Msg("Factor mirror write failed after enrollment")
		audit.Log("EnrollmentService", "MirrorFactor", userID, factor.OpaqueHint, "Mirror write failed", false, err)
		_ = s.store.Delete(ctx, token)
		return domain.ErrInvalidCode
	}

	if err := s.store.Delete(ctx, token); err != nil {
		log.Warn().Err(err).Str("enrollment", token).Msg("Could not destroy completed enrollment session")
	}
	metrics.EnrollCompletedTotal.WithLabelValues(string(domain.FactorKindPhone)).Inc()
	audit.Log("EnrollmentService", "EnrollPhone", userID, factor.OpaqueHint, "Phone factor enrolled", true, nil)
	return nil
}

// StartTOTP requests a fresh shared secret from the provider and opens the
// enrollment session directly in AwaitingProof; there is no configuration
// input to collect. The provider's mechanism-disabled configuration error is
// passed through distinct, never genericized.
func (s *EnrollmentService) StartTOTP(ctx context.Context, userID string) (*domain.EnrollmentSession, error) {
	start, err := s.identity.StartTOTPEnrollment(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrTOTPDisabled) {
			return nil, err
		}
		log.Error().Err(err).Str("userID", userID).Msg("TOTP enrollment start failed")
		metrics.EnrollFailedTotal.WithLabelValues(string(domain.FactorKindTotp)).Inc()
		return nil, err
	}

	now := time.Now()
	session := &domain.EnrollmentSession{
		Token:      uuid.NewString(),
		UserID:     userID,
		FactorKind: domain.FactorKindTotp,
		Phase:      domain.EnrollAwaitingProof,
		TOTPSecret: start.Secret,
		OtpauthURI: start.OtpauthURI,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	if err := s.store.Put(ctx, session); err != nil {
		return nil, err
	}
	metrics.EnrollStartedTotal.WithLabelValues(string(domain.FactorKindTotp)).Inc()
	return session, nil
}

// QRCode renders the session's otpauth URI as a PNG for scanning.
func (s *EnrollmentService) QRCode(ctx context.Context, userID, token string) ([]byte, error) {
	session, err := s.session(ctx, userID, token, domain.FactorKindTotp)
	if err != nil {
		return nil, err
	}
	return totp.QRCodePNG(session.OtpauthURI)
}

// VerifyTOTP submits the authenticator code, enrolls the factor under the
// fixed label and issues a fresh set of recovery codes. The plaintext codes
// are returned exactly once.
func (s *EnrollmentService) VerifyTOTP(ctx context.Context, userID, token, code string) ([]string, error) {
	if !codePattern.MatchString(code) {
		return nil, domain.ErrMalformedCode
	}
	session, err := s.session(ctx, userID, token, domain.FactorKindTotp)
	if err != nil {
		return nil, err
	}

	factor, err := s.identity.FinishTOTPEnrollment(ctx, userID, session.TOTPSecret, code)
	if err != nil {
		if errors.Is(err, domain.ErrTOTPDisabled) {
			metrics.EnrollFailedTotal.WithLabelValues(string(domain.FactorKindTotp)).Inc()
			return nil, err
		}
		return nil, s.reject(session, "TOTP enrollment rejected", err)
	}

	if _, err := s.store.Get(ctx, token); err != nil {
		log.Info().Str("enrollment", token).Msg("Enrollment session superseded, discarding late result")
		return nil, domain.ErrSessionSuperseded
	}

	plaintext, hashed, err := totp.GenerateRecoveryCodes(totp.DefaultNumRecoveryCodes, totp.DefaultRecoveryCodeLength)
	if err != nil {
		log.Error().Err(err).Str("userID", userID).Msg("Could not generate recovery codes")
		plaintext = nil
	} else if err := s.identity.StoreRecoveryCodes(ctx, userID, hashed); err != nil {
		log.Error().Err(err).Str("userID", userID).Msg("Could not store recovery codes")
		plaintext = nil
	}

	if err := s.mirror.Upsert(ctx, userID, *factor); err != nil {
		log.Error().Err(err).Str("userID", userID).Msg("Factor mirror write failed after enrollment")
		audit.Log("EnrollmentService", "MirrorFactor", userID, factor.OpaqueHint, "Mirror write failed", false, err)
	}

	if err := s.store.Delete(ctx, token); err != nil {
		log.Warn().Err(err).Str("enrollment", token).Msg("Could not destroy completed enrollment session")
	}
	metrics.EnrollCompletedTotal.WithLabelValues(string(domain.FactorKindTotp)).Inc()
	audit.Log("EnrollmentService", "EnrollTOTP", userID, factor.OpaqueHint, "TOTP factor enrolled", true, nil)
	return plaintext, nil
}

// Cancel discards the enrollment session. No partial state survives; a
// reopened dialog starts fresh.
func (s *EnrollmentService) Cancel(ctx context.Context, userID, token string) error {
	session, err := s.store.Get(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) || errors.Is(err, domain.ErrSessionExpired) {
			return nil
		}
		return err
	}
	if session.UserID != userID {
		return domain.ErrSessionNotFound
	}
	return s.store.Delete(ctx, token)
}

// Factors lists the user's enrolled factors from the provider and
// reconciles the display mirror against that list.
func (s *EnrollmentService) Factors(ctx context.Context, userID string) ([]domain.MFAFactorDescriptor, error) {
	factors, err := s.identity.EnrolledFactors(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.mirror.ReconcileFromProvider(ctx, userID, factors); err != nil {
		log.Warn().Err(err).Str("userID", userID).Msg("Factor mirror reconcile failed")
	}
	return factors, nil
}

// session loads and checks an enrollment session: it must exist, belong to
// the caller, match the expected kind and be awaiting proof. Sessions are
// never shared across users.
func (s *EnrollmentService) session(ctx context.Context, userID, token string, kind domain.FactorKind) (*domain.EnrollmentSession, error) {
	session, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID || session.FactorKind != kind {
		return nil, domain.ErrSessionNotFound
	}
	if session.Phase != domain.EnrollAwaitingProof {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

// reject records a rejected enrollment proof and collapses the cause into
// the generic invalid-code error. The session stays in AwaitingProof: the
// TOTP secret and the SMS dispatch remain valid, so the user re-enters the
// code without reopening the dialog.
func (s *EnrollmentService) reject(session *domain.EnrollmentSession, details string, cause error) error {
	metrics.EnrollFailedTotal.WithLabelValues(string(session.FactorKind)).Inc()
	audit.Log("EnrollmentService", "Enroll", session.UserID, session.Token, details, false, cause)
	return domain.ErrInvalidCode
}
