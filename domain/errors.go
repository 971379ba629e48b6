package domain

import "errors"

// Error taxonomy for the MFA flows. Rejection-class failures are collapsed
// into ErrInvalidCode before they reach the user so that the response never
// reveals whether a code was wrong, expired or malformed. ErrTOTPDisabled is
// the one deliberately distinct error: it is an operator misconfiguration,
// not a user input mistake, and must stay actionable.
var (
	// Input validation, rejected before any network call.
	ErrInvalidPhoneNumber = errors.New("phone number must be in E.164 format")
	ErrMalformedCode      = errors.New("code must be 6 digits")

	// Transport/dispatch failures, recoverable by restarting the step.
	ErrDispatchFailed = errors.New("failed to send code")

	// Generic rejection. Covers wrong code, expired session and resolver
	// mismatch alike.
	ErrInvalidCode = errors.New("invalid code")

	// Provider configuration error: TOTP mechanism disabled for the project.
	ErrTOTPDisabled = errors.New("TOTP second factors are disabled for this project; enable them in the identity provider console")

	// Challenge/session state errors.
	ErrUnsupportedFactor = errors.New("unsupported factor")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExpired    = errors.New("session expired")
	ErrSessionSuperseded = errors.New("session superseded")
)
