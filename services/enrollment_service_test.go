package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fortressauth/fortress/cache"
	"github.com/fortressauth/fortress/domain"
	"github.com/fortressauth/fortress/internal/identity"
	"github.com/fortressauth/fortress/internal/presence"
)

const testOtpauthURI = "otpauth://totp/Fortress%20Auth:user@example.com?secret=JBSWY3DPEHPK3PXP&issuer=Fortress%20Auth"

func newEnrollmentFixture(t *testing.T) (*EnrollmentService, *mockIdentityClient, *mockFactorMirror, *stubVerifierFactory, cache.EnrollmentStore) {
	t.Helper()
	idc := new(mockIdentityClient)
	mirror := new(mockFactorMirror)
	pf := &stubVerifierFactory{}
	store := cache.NewMemoryEnrollmentStore(10 * time.Minute)
	t.Cleanup(func() { _ = store.Close() })
	return NewEnrollmentService(idc, store, mirror, pf, 10*time.Minute), idc, mirror, pf, store
}

func TestEnrollmentService_StartPhone_NumberValidation(t *testing.T) {
	valid := []string{"+12223334444", "+447911123456", "+36201234567"}
	invalid := []string{"", "2223334444", "+0123456789", "+1", "12345", "+1222333444455556667", "+1 222 333 4444"}

	for _, number := range valid {
		t.Run("accepts "+number, func(t *testing.T) {
			svc, idc, _, _, _ := newEnrollmentFixture(t)
			idc.On("StartPhoneVerification", mock.Anything, number, "presence-tok").
				Return("dispatch-1", nil).Once()

			session, err := svc.StartPhone(context.Background(), "user-1", number, "presence-tok", "")

			require.NoError(t, err)
			assert.Equal(t, domain.EnrollAwaitingProof, session.Phase)
			assert.Equal(t, number, session.PhoneNumber)
		})
	}

	for _, number := range invalid {
		t.Run("rejects "+number, func(t *testing.T) {
			svc, idc, _, pf, _ := newEnrollmentFixture(t)

			_, err := svc.StartPhone(context.Background(), "user-1", number, "presence-tok", "")

			assert.ErrorIs(t, err, domain.ErrInvalidPhoneNumber)
			// Rejected before the presence check or any dispatch.
			assert.Empty(t, pf.created)
			idc.AssertNotCalled(t, "StartPhoneVerification", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestEnrollmentService_StartPhone(t *testing.T) {
	t.Run("presence rejection blocks dispatch", func(t *testing.T) {
		svc, idc, _, pf, _ := newEnrollmentFixture(t)
		pf.verifyErr = presence.ErrNotHuman

		_, err := svc.StartPhone(context.Background(), "user-1", "+12223334444", "", "")

		assert.ErrorIs(t, err, presence.ErrNotHuman)
		idc.AssertNotCalled(t, "StartPhoneVerification", mock.Anything, mock.Anything, mock.Anything)
		require.Len(t, pf.created, 1)
		assert.Equal(t, 1, pf.created[0].released)
	})

	t.Run("dispatch failure surfaces as ErrDispatchFailed", func(t *testing.T) {
		svc, idc, _, _, _ := newEnrollmentFixture(t)
		idc.On("StartPhoneVerification", mock.Anything, "+12223334444", "presence-tok").
			Return("", assert.AnError).Once()

		_, err := svc.StartPhone(context.Background(), "user-1", "+12223334444", "presence-tok", "")

		assert.ErrorIs(t, err, domain.ErrDispatchFailed)
	})

	t.Run("opens session with the dispatch handle", func(t *testing.T) {
		svc, idc, _, pf, store := newEnrollmentFixture(t)
		idc.On("StartPhoneVerification", mock.Anything, "+12223334444", "presence-tok").
			Return("dispatch-1", nil).Once()

		session, err := svc.StartPhone(context.Background(), "user-1", "+12223334444", "presence-tok", "203.0.113.9")

		require.NoError(t, err)
		stored, err := store.Get(context.Background(), session.Token)
		require.NoError(t, err)
		assert.Equal(t, "dispatch-1", stored.DispatchHandle)
		assert.Equal(t, "user-1", stored.UserID)
		require.Len(t, pf.created, 1)
		assert.Equal(t, 1, pf.created[0].released)
	})
}

func TestEnrollmentService_VerifyPhone(t *testing.T) {
	enrolled := &domain.MFAFactorDescriptor{
		FactorKind:   domain.FactorKindPhone,
		OpaqueHint:   "factor-phone-1",
		DisplayLabel: "Phone (4444)",
	}

	start := func(t *testing.T, svc *EnrollmentService, idc *mockIdentityClient) *domain.EnrollmentSession {
		t.Helper()
		idc.On("StartPhoneVerification", mock.Anything, "+12223334444", "presence-tok").
			Return("dispatch-1", nil).Once()
		session, err := svc.StartPhone(context.Background(), "user-1", "+12223334444", "presence-tok", "")
		require.NoError(t, err)
		return session
	}

	t.Run("completes enrollment and mirrors the factor", func(t *testing.T) {
		svc, idc, mirror, _, store := newEnrollmentFixture(t)
		session := start(t, svc, idc)

		idc.On("EnrollFactor", mock.Anything, "user-1", identity.Assertion{
			FactorKind:     domain.FactorKindPhone,
			Code:           "123456",
			DispatchHandle: "dispatch-1",
		}, "Phone (4444)").Return(enrolled, nil).Once()
		mirror.On("Upsert", mock.Anything, "user-1", *enrolled).Return(nil).Once()

		require.NoError(t, svc.VerifyPhone(context.Background(), "user-1", session.Token, "123456"))

		_, err := store.Get(context.Background(), session.Token)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound, "completed session must be destroyed")
		idc.AssertExpectations(t)
		mirror.AssertExpectations(t)
	})

	t.Run("malformed code is rejected locally", func(t *testing.T) {
		svc, idc, _, _, _ := newEnrollmentFixture(t)
		session := start(t, svc, idc)

		err := svc.VerifyPhone(context.Background(), "user-1", session.Token, "12345")

		assert.ErrorIs(t, err, domain.ErrMalformedCode)
		idc.AssertNotCalled(t, "EnrollFactor", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("session is not shared across users", func(t *testing.T) {
		svc, idc, _, _, _ := newEnrollmentFixture(t)
		session := start(t, svc, idc)

		err := svc.VerifyPhone(context.Background(), "user-2", session.Token, "123456")

		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("provider rejection is the generic invalid code", func(t *testing.T) {
		svc, idc, _, _, _ := newEnrollmentFixture(t)
		session := start(t, svc, idc)

		idc.On("EnrollFactor", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(nil, identity.ErrRejected).Once()

		err := svc.VerifyPhone(context.Background(), "user-1", session.Token, "000000")
		assert.ErrorIs(t, err, domain.ErrInvalidCode)
	})

	t.Run("rejected code can be re-entered against the same dispatch", func(t *testing.T) {
		svc, idc, mirror, _, store := newEnrollmentFixture(t)
		session := start(t, svc, idc)

		idc.On("EnrollFactor", mock.Anything, "user-1", identity.Assertion{
			FactorKind:     domain.FactorKindPhone,
			Code:           "000000",
			DispatchHandle: "dispatch-1",
		}, "Phone (4444)").Return(nil, identity.ErrRejected).Once()

		err := svc.VerifyPhone(context.Background(), "user-1", session.Token, "000000")
		require.ErrorIs(t, err, domain.ErrInvalidCode)

		stored, err := store.Get(context.Background(), session.Token)
		require.NoError(t, err, "session must survive a rejected code")
		assert.Equal(t, domain.EnrollAwaitingProof, stored.Phase)

		idc.On("EnrollFactor", mock.Anything, "user-1", identity.Assertion{
			FactorKind:     domain.FactorKindPhone,
			Code:           "123456",
			DispatchHandle: "dispatch-1",
		}, "Phone (4444)").Return(enrolled, nil).Once()
		mirror.On("Upsert", mock.Anything, "user-1", *enrolled).Return(nil).Once()

		require.NoError(t, svc.VerifyPhone(context.Background(), "user-1", session.Token, "123456"))
		idc.AssertExpectations(t)
	})

	t.Run("mirror write failure reads the same as a rejection", func(t *testing.T) {
		svc, idc, mirror, _, _ := newEnrollmentFixture(t)
		session := start(t, svc, idc)

		idc.On("EnrollFactor", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(enrolled, nil).Once()
		mirror.On("Upsert", mock.Anything, "user-1", *enrolled).Return(assert.AnError).Once()

		err := svc.VerifyPhone(context.Background(), "user-1", session.Token, "123456")
		assert.ErrorIs(t, err, domain.ErrInvalidCode)
	})

	t.Run("stale session cannot commit after cancel", func(t *testing.T) {
		svc, idc, _, _, _ := newEnrollmentFixture(t)
		session := start(t, svc, idc)

		require.NoError(t, svc.Cancel(context.Background(), "user-1", session.Token))

		err := svc.VerifyPhone(context.Background(), "user-1", session.Token, "123456")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		idc.AssertNotCalled(t, "EnrollFactor", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestEnrollmentService_StartTOTP(t *testing.T) {
	t.Run("opens session with the provider secret", func(t *testing.T) {
		svc, idc, _, _, _ := newEnrollmentFixture(t)
		idc.On("StartTOTPEnrollment", mock.Anything, "user-1").
			Return(&identity.TOTPEnrollmentStart{Secret: "JBSWY3DPEHPK3PXP", OtpauthURI: testOtpauthURI}, nil).Once()

		session, err := svc.StartTOTP(context.Background(), "user-1")

		require.NoError(t, err)
		assert.Equal(t, domain.EnrollAwaitingProof, session.Phase)
		assert.Equal(t, "JBSWY3DPEHPK3PXP", session.TOTPSecret)
		assert.Equal(t, testOtpauthURI, session.OtpauthURI)
	})

	t.Run("reopening mints a fresh secret and token", func(t *testing.T) {
		svc, idc, _, _, _ := newEnrollmentFixture(t)
		idc.On("StartTOTPEnrollment", mock.Anything, "user-1").
			Return(&identity.TOTPEnrollmentStart{Secret: "SECRETAAAAAAAAAA", OtpauthURI: testOtpauthURI}, nil).Once()
		idc.On("StartTOTPEnrollment", mock.Anything, "user-1").
			Return(&identity.TOTPEnrollmentStart{Secret: "SECRETBBBBBBBBBB", OtpauthURI: testOtpauthURI}, nil).Once()

		first, err := svc.StartTOTP(context.Background(), "user-1")
		require.NoError(t, err)
		require.NoError(t, svc.Cancel(context.Background(), "user-1", first.Token))

		second, err := svc.StartTOTP(context.Background(), "user-1")
		require.NoError(t, err)

		assert.NotEqual(t, first.Token, second.Token)
		assert.NotEqual(t, first.TOTPSecret, second.TOTPSecret)
	})

	t.Run("mechanism disabled is passed through distinctly", func(t *testing.T) {
		svc, idc, _, _, _ := newEnrollmentFixture(t)
		idc.On("StartTOTPEnrollment", mock.Anything, "user-1").
			Return(nil, domain.ErrTOTPDisabled).Once()

		_, err := svc.StartTOTP(context.Background(), "user-1")

		assert.ErrorIs(t, err, domain.ErrTOTPDisabled)
		assert.NotErrorIs(t, err, domain.ErrInvalidCode)
	})
}

func TestEnrollmentService_QRCode(t *testing.T) {
	svc, idc, _, _, _ := newEnrollmentFixture(t)
	idc.On("StartTOTPEnrollment", mock.Anything, "user-1").
		Return(&identity.TOTPEnrollmentStart{Secret: "JBSWY3DPEHPK3PXP", OtpauthURI: testOtpauthURI}, nil).Once()

	session, err := svc.StartTOTP(context.Background(), "user-1")
	require.NoError(t, err)

	png, err := svc.QRCode(context.Background(), "user-1", session.Token)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])

	_, err = svc.QRCode(context.Background(), "user-2", session.Token)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestEnrollmentService_VerifyTOTP(t *testing.T) {
	enrolled := &domain.MFAFactorDescriptor{
		FactorKind:   domain.FactorKindTotp,
		OpaqueHint:   "factor-totp-1",
		DisplayLabel: "Authenticator App",
	}

	start := func(t *testing.T, svc *EnrollmentService, idc *mockIdentityClient) *domain.EnrollmentSession {
		t.Helper()
		idc.On("StartTOTPEnrollment", mock.Anything, "user-1").
			Return(&identity.TOTPEnrollmentStart{Secret: "JBSWY3DPEHPK3PXP", OtpauthURI: testOtpauthURI}, nil).Once()
		session, err := svc.StartTOTP(context.Background(), "user-1")
		require.NoError(t, err)
		return session
	}

	t.Run("completes enrollment and issues recovery codes", func(t *testing.T) {
		svc, idc, mirror, _, store := newEnrollmentFixture(t)
		session := start(t, svc, idc)

		var storedHashes []string
		idc.On("FinishTOTPEnrollment", mock.Anything, "user-1", "JBSWY3DPEHPK3PXP", "123456").
			Return(enrolled, nil).Once()
		idc.On("StoreRecoveryCodes", mock.Anything, "user-1", mock.Anything).
			Run(func(args mock.Arguments) {
				storedHashes = args.Get(2).([]string)
			}).
			Return(nil).Once()
		mirror.On("Upsert", mock.Anything, "user-1", *enrolled).Return(nil).Once()

		codes, err := svc.VerifyTOTP(context.Background(), "user-1", session.Token, "123456")

		require.NoError(t, err)
		assert.Len(t, codes, 10)
		assert.Len(t, storedHashes, 10)
		for i, hash := range storedHashes {
			assert.NotEqual(t, codes[i], hash, "stored codes must be hashed")
		}

		_, err = store.Get(context.Background(), session.Token)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		idc.AssertExpectations(t)
		mirror.AssertExpectations(t)
	})

	t.Run("provider rejection is the generic invalid code", func(t *testing.T) {
		svc, idc, _, _, _ := newEnrollmentFixture(t)
		session := start(t, svc, idc)

		idc.On("FinishTOTPEnrollment", mock.Anything, "user-1", "JBSWY3DPEHPK3PXP", "000000").
			Return(nil, identity.ErrRejected).Once()

		_, err := svc.VerifyTOTP(context.Background(), "user-1", session.Token, "000000")
		assert.ErrorIs(t, err, domain.ErrInvalidCode)
	})

	t.Run("rejected code can be re-entered against the same secret", func(t *testing.T) {
		svc, idc, mirror, _, _ := newEnrollmentFixture(t)
		session := start(t, svc, idc)

		idc.On("FinishTOTPEnrollment", mock.Anything, "user-1", "JBSWY3DPEHPK3PXP", "000000").
			Return(nil, identity.ErrRejected).Once()

		_, err := svc.VerifyTOTP(context.Background(), "user-1", session.Token, "000000")
		require.ErrorIs(t, err, domain.ErrInvalidCode)

		idc.On("FinishTOTPEnrollment", mock.Anything, "user-1", "JBSWY3DPEHPK3PXP", "123456").
			Return(enrolled, nil).Once()
		idc.On("StoreRecoveryCodes", mock.Anything, "user-1", mock.Anything).Return(nil).Once()
		mirror.On("Upsert", mock.Anything, "user-1", *enrolled).Return(nil).Once()

		codes, err := svc.VerifyTOTP(context.Background(), "user-1", session.Token, "123456")
		require.NoError(t, err, "retry after a wrong code must not need a reopened dialog")
		assert.Len(t, codes, 10)
		idc.AssertExpectations(t)
	})

	t.Run("mechanism disabled stays distinct at verify time", func(t *testing.T) {
		svc, idc, _, _, _ := newEnrollmentFixture(t)
		session := start(t, svc, idc)

		idc.On("FinishTOTPEnrollment", mock.Anything, "user-1", "JBSWY3DPEHPK3PXP", "123456").
			Return(nil, domain.ErrTOTPDisabled).Once()

		_, err := svc.VerifyTOTP(context.Background(), "user-1", session.Token, "123456")
		assert.ErrorIs(t, err, domain.ErrTOTPDisabled)
	})
}

func TestEnrollmentService_Factors(t *testing.T) {
	factors := []domain.MFAFactorDescriptor{
		{FactorKind: domain.FactorKindPhone, OpaqueHint: "factor-phone-1", DisplayLabel: "Phone (4444)"},
	}

	t.Run("reconciles the mirror against the provider list", func(t *testing.T) {
		svc, idc, mirror, _, _ := newEnrollmentFixture(t)
		idc.On("EnrolledFactors", mock.Anything, "user-1").Return(factors, nil).Once()
		mirror.On("ReconcileFromProvider", mock.Anything, "user-1", factors).Return(nil).Once()

		got, err := svc.Factors(context.Background(), "user-1")

		require.NoError(t, err)
		assert.Equal(t, factors, got)
		mirror.AssertExpectations(t)
	})

	t.Run("reconcile failure does not hide the provider list", func(t *testing.T) {
		svc, idc, mirror, _, _ := newEnrollmentFixture(t)
		idc.On("EnrolledFactors", mock.Anything, "user-1").Return(factors, nil).Once()
		mirror.On("ReconcileFromProvider", mock.Anything, "user-1", factors).Return(assert.AnError).Once()

		got, err := svc.Factors(context.Background(), "user-1")

		require.NoError(t, err)
		assert.Equal(t, factors, got)
	})
}
