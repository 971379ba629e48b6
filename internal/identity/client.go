package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/fortressauth/fortress/domain"
)

// Sentinel errors surfaced by the identity provider.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailNotVerified   = errors.New("email address not verified")
	ErrRejected           = errors.New("assertion rejected")
)

// SecondFactorRequiredError is returned by SignIn when the provider blocks
// the sign-in pending a second factor. It carries the resolver token and the
// user's enrolled factors so a challenge can be started.
type SecondFactorRequiredError struct {
	ResolverToken string
	Factors       []domain.MFAFactorDescriptor
}

func (e *SecondFactorRequiredError) Error() string {
	return fmt.Sprintf("second factor required (%d factors available)", len(e.Factors))
}

// UserSession is the provider-issued session for a fully signed-in user.
type UserSession struct {
	UserID        string `json:"userId"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	IDToken       string `json:"idToken"`
	RefreshToken  string `json:"refreshToken"`
	ExpiresIn     int64  `json:"expiresIn"`
}

// TOTPEnrollmentStart holds the per-session shared secret minted by the
// provider together with its otpauth URI for QR rendering.
type TOTPEnrollmentStart struct {
	Secret     string `json:"secret"`
	OtpauthURI string `json:"otpauthUri"`
}

// Assertion is a factor-specific proof submitted to the provider. Exactly
// the fields relevant to the factor kind are set: phone assertions carry the
// dispatch handle, TOTP challenge assertions the factor hint, TOTP
// enrollment assertions the shared secret.
type Assertion struct {
	FactorKind     domain.FactorKind `json:"factorKind"`
	Code           string            `json:"code"`
	DispatchHandle string            `json:"dispatchHandle,omitempty"`
	FactorHint     string            `json:"factorHint,omitempty"`
	Secret         string            `json:"secret,omitempty"`
}

// Client wraps the external identity service. All credential storage,
// password hashing, SMS delivery and TOTP cryptography live behind it.
type Client interface {
	// SignIn authenticates the first factor. When the provider demands a
	// second factor the returned error is a *SecondFactorRequiredError.
	SignIn(ctx context.Context, email, password string) (*UserSession, error)
	SignUp(ctx context.Context, email, password string) (*UserSession, error)
	// VerifySession validates a provider session token and returns its user.
	VerifySession(ctx context.Context, idToken string) (*UserSession, error)

	// ResolveSecondFactor finishes a blocked sign-in with a factor assertion.
	ResolveSecondFactor(ctx context.Context, resolverToken string, assertion Assertion) (*UserSession, error)
	// WaiveSecondFactor finishes a blocked sign-in without a second factor.
	// Used when the risk assessment decided the attempt does not need one;
	// the provider trusts this service's credential for the waiver.
	WaiveSecondFactor(ctx context.Context, resolverToken string) (*UserSession, error)
	EnrolledFactors(ctx context.Context, userID string) ([]domain.MFAFactorDescriptor, error)

	// StartPhoneVerification dispatches an SMS code. target is an E.164
	// number during enrollment or an enrolled factor's opaque hint during a
	// challenge. presenceProof is the already-verified human-presence token;
	// the returned handle is single-use.
	StartPhoneVerification(ctx context.Context, target, presenceProof string) (string, error)
	// EnrollFactor registers a proven factor and returns its descriptor.
	EnrollFactor(ctx context.Context, userID string, assertion Assertion, label string) (*domain.MFAFactorDescriptor, error)

	StartTOTPEnrollment(ctx context.Context, userID string) (*TOTPEnrollmentStart, error)
	FinishTOTPEnrollment(ctx context.Context, userID, secret, code string) (*domain.MFAFactorDescriptor, error)
	// StoreRecoveryCodes persists bcrypt-hashed recovery codes against the
	// user, replacing any previous set.
	StoreRecoveryCodes(ctx context.Context, userID string, hashedCodes []string) error
}
