package domain

import "time"

// FactorKind identifies a supported second-factor type.
type FactorKind string

const (
	FactorKindPhone FactorKind = "phone"
	FactorKindTotp  FactorKind = "totp"
)

// MFAFactorDescriptor describes one enrolled second factor as reported by the
// identity provider. OpaqueHint is the provider-issued reference to the
// specific factor; it is passed back verbatim when building assertions.
type MFAFactorDescriptor struct {
	FactorKind   FactorKind `json:"factorKind" bson:"factor_kind"`
	OpaqueHint   string     `json:"opaqueHint" bson:"opaque_hint"`
	DisplayLabel string     `json:"displayLabel" bson:"display_label"`
}

// ChallengePhase is the state of an in-flight second-factor challenge.
type ChallengePhase string

const (
	ChallengeIdle          ChallengePhase = "idle"
	ChallengeAwaitingProof ChallengePhase = "awaiting_proof"
	ChallengeResolving     ChallengePhase = "resolving"
	ChallengeResolved      ChallengePhase = "resolved"
	ChallengeFailed        ChallengePhase = "failed"
)

// PendingMultiFactorSession is the server-side state of a sign-in that was
// rejected with a step-up requirement. Exactly one exists per in-flight
// login attempt; it is destroyed on successful or abandoned resolution.
// The client only ever sees the opaque store token, never this struct.
type PendingMultiFactorSession struct {
	Token            string                `json:"token"`
	ResolverToken    string                `json:"resolverToken"`
	AvailableFactors []MFAFactorDescriptor `json:"availableFactors"`
	SelectedFactor   *MFAFactorDescriptor  `json:"selectedFactor,omitempty"`
	Phase            ChallengePhase        `json:"phase"`
	// DispatchHandle holds the single-use SMS verification handle for phone
	// challenges. Empty until the code has been dispatched.
	DispatchHandle string    `json:"dispatchHandle,omitempty"`
	FailureReason  string    `json:"failureReason,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// EnrollmentPhase is the state of an in-flight factor enrollment.
type EnrollmentPhase string

const (
	EnrollCollectConfiguration EnrollmentPhase = "collect_configuration"
	EnrollAwaitingProof        EnrollmentPhase = "awaiting_proof"
	EnrollEnrolled             EnrollmentPhase = "enrolled"
	EnrollFailed               EnrollmentPhase = "failed"
)

// EnrollmentSession is the server-side state of one open enrollment dialog.
// At most one exists per dialog instance; closing the dialog destroys it and
// reopening starts a fresh one with a fresh secret or dispatch handle.
type EnrollmentSession struct {
	Token      string          `json:"token"`
	UserID     string          `json:"userId"`
	FactorKind FactorKind      `json:"factorKind"`
	Phase      EnrollmentPhase `json:"phase"`
	// Phone variant: the verified E.164 target and the dispatch handle
	// returned by the provider. The handle stays valid for re-entered codes
	// until the session is destroyed.
	PhoneNumber    string `json:"phoneNumber,omitempty"`
	DispatchHandle string `json:"dispatchHandle,omitempty"`
	// TOTP variant: the per-session shared secret and its otpauth URI.
	TOTPSecret string    `json:"totpSecret,omitempty"`
	OtpauthURI string    `json:"otpauthUri,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// DisplayLabel returns the provider-facing label for the factor being
// enrolled: the phone number's last four digits, or the fixed authenticator
// label for TOTP.
func (s *EnrollmentSession) DisplayLabel() string {
	if s.FactorKind == FactorKindPhone {
		last4 := s.PhoneNumber
		if len(last4) > 4 {
			last4 = last4[len(last4)-4:]
		}
		return "Phone (" + last4 + ")"
	}
	return "Authenticator App"
}
