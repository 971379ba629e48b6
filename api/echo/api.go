package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/fortressauth/fortress/domain"
	"github.com/fortressauth/fortress/internal/audit"
	"github.com/fortressauth/fortress/internal/identity"
	"github.com/fortressauth/fortress/internal/metrics"
	"github.com/fortressauth/fortress/internal/presence"
	"github.com/fortressauth/fortress/services"
)

// AuthAPI holds the handler dependencies for the sign-in and MFA routes.
type AuthAPI struct {
	identity   identity.Client
	stepup     *services.StepUpService
	challenge  *services.ChallengeService
	enrollment *services.EnrollmentService
}

// NewAuthAPI initializes the auth API.
func NewAuthAPI(
	idc identity.Client,
	stepup *services.StepUpService,
	challenge *services.ChallengeService,
	enrollment *services.EnrollmentService,
) *AuthAPI {
	return &AuthAPI{
		identity:   idc,
		stepup:     stepup,
		challenge:  challenge,
		enrollment: enrollment,
	}
}

// RegisterRoutes registers the auth and MFA routes.
func (a *AuthAPI) RegisterRoutes(e *echo.Echo) {
	e.POST("/auth/signup", a.SignupHandler)
	e.POST("/auth/login", a.LoginHandler)

	e.GET("/auth/mfa/challenge/:token", a.ChallengeStateHandler)
	e.POST("/auth/mfa/challenge/:token/send", a.ChallengeSendHandler)
	e.POST("/auth/mfa/challenge/:token/resolve", a.ChallengeResolveHandler)
	e.DELETE("/auth/mfa/challenge/:token", a.ChallengeAbandonHandler)

	mfa := e.Group("/mfa", a.requireSession)
	mfa.GET("/factors", a.FactorsHandler)
	mfa.POST("/enroll/phone", a.EnrollPhoneStartHandler)
	mfa.POST("/enroll/phone/:token/verify", a.EnrollPhoneVerifyHandler)
	mfa.POST("/enroll/totp", a.EnrollTOTPStartHandler)
	mfa.GET("/enroll/totp/:token/qr.png", a.EnrollTOTPQRHandler)
	mfa.POST("/enroll/totp/:token/verify", a.EnrollTOTPVerifyHandler)
	mfa.DELETE("/enroll/:token", a.EnrollCancelHandler)

	e.GET("/healthz", a.HealthHandler)
}

type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	IsSuspicious bool   `json:"isSuspicious"`
	Geolocation  string `json:"geolocation"`
	LoginHistory string `json:"loginHistory"`
}

type loginResponse struct {
	Session       *identity.UserSession `json:"session"`
	VerdictReason string                `json:"verdictReason,omitempty"`
}

type challengeResponse struct {
	ChallengeToken string                `json:"challengeToken"`
	Phase          domain.ChallengePhase `json:"phase"`
	FactorKind     domain.FactorKind     `json:"factorKind,omitempty"`
	DisplayLabel   string                `json:"displayLabel,omitempty"`
	FailureReason  string                `json:"failureReason,omitempty"`
	VerdictReason  string                `json:"verdictReason,omitempty"`
}

func newChallengeResponse(s *domain.PendingMultiFactorSession, verdictReason string) challengeResponse {
	resp := challengeResponse{
		ChallengeToken: s.Token,
		Phase:          s.Phase,
		FailureReason:  s.FailureReason,
		VerdictReason:  verdictReason,
	}
	if s.SelectedFactor != nil {
		resp.FactorKind = s.SelectedFactor.FactorKind
		resp.DisplayLabel = s.SelectedFactor.DisplayLabel
	}
	return resp
}

// LoginHandler authenticates the first factor and applies the step-up
// decision. A blocked sign-in either gets a challenge (403 with the
// challenge token) or a risk waiver when the decision says no second factor
// is needed. The verdict reason is returned verbatim in both outcomes.
func (a *AuthAPI) LoginHandler(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request"})
	}

	ctx := c.Request().Context()
	loginCtx := domain.LoginContext{
		SourceAddress: c.RealIP(),
		Geolocation:   req.Geolocation,
		LoginHistory:  req.LoginHistory,
	}

	session, err := a.identity.SignIn(ctx, req.Email, req.Password)
	if err == nil {
		verdict := a.stepup.Decide(ctx, req.IsSuspicious, loginCtx)
		metrics.LoginSuccessTotal.Inc()
		audit.Log("AuthAPI", "Login", session.UserID, req.Email, "Signed in without second factor", true, nil)
		return c.JSON(http.StatusOK, loginResponse{Session: session, VerdictReason: verdict.Reason})
	}

	var sfr *identity.SecondFactorRequiredError
	if errors.As(err, &sfr) {
		verdict := a.stepup.Decide(ctx, req.IsSuspicious, loginCtx)
		if !verdict.ShouldRequireSecondFactor {
			session, werr := a.identity.WaiveSecondFactor(ctx, sfr.ResolverToken)
			if werr == nil {
				metrics.LoginSuccessTotal.Inc()
				audit.Log("AuthAPI", "Login", session.UserID, req.Email, "Second factor waived by risk verdict", true, nil)
				return c.JSON(http.StatusOK, loginResponse{Session: session, VerdictReason: verdict.Reason})
			}
			// Waiver refused; fall back to challenging.
			log.Warn().Err(werr).Msg("Second factor waiver refused, challenging instead")
		}

		challenge, cerr := a.challenge.Begin(ctx, sfr)
		if cerr != nil {
			log.Error().Err(cerr).Msg("Could not create multi-factor challenge")
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "server_error"})
		}
		return c.JSON(http.StatusForbidden, newChallengeResponse(challenge, verdict.Reason))
	}

	metrics.LoginFailureTotal.Inc()
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		audit.Log("AuthAPI", "Login", "", req.Email, "Invalid credentials", false, err)
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid_credentials"})
	case errors.Is(err, identity.ErrEmailNotVerified):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "email_not_verified"})
	}
	log.Error().Err(err).Msg("Sign-in failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "server_error"})
}

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignupHandler creates an account with the identity provider.
func (a *AuthAPI) SignupHandler(c echo.Context) error {
	var req signupRequest
	if err := c.Bind(&req); err != nil || req.Email == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request"})
	}

	session, err := a.identity.SignUp(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		log.Error().Err(err).Msg("Sign-up failed")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "signup_failed"})
	}
	audit.Log("AuthAPI", "Signup", session.UserID, req.Email, "Account created", true, nil)
	return c.JSON(http.StatusCreated, loginResponse{Session: session})
}

// ChallengeStateHandler returns the current state of a pending challenge.
func (a *AuthAPI) ChallengeStateHandler(c echo.Context) error {
	session, err := a.challenge.Get(c.Request().Context(), c.Param("token"))
	if err != nil {
		return a.writeError(c, err)
	}
	return c.JSON(http.StatusOK, newChallengeResponse(session, ""))
}

type sendCodeRequest struct {
	PresenceToken string `json:"presenceToken"`
}

// ChallengeSendHandler dispatches the SMS for a phone challenge.
func (a *AuthAPI) ChallengeSendHandler(c echo.Context) error {
	var req sendCodeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request"})
	}
	if err := a.challenge.SendCode(c.Request().Context(), c.Param("token"), req.PresenceToken, c.RealIP()); err != nil {
		return a.writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"sent": true})
}

type resolveRequest struct {
	Code string `json:"code"`
}

// ChallengeResolveHandler submits the proof code and, on success, returns
// the provider session for the now fully signed-in user.
func (a *AuthAPI) ChallengeResolveHandler(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request"})
	}
	session, err := a.challenge.Resolve(c.Request().Context(), c.Param("token"), req.Code)
	if err != nil {
		return a.writeError(c, err)
	}
	metrics.LoginSuccessTotal.Inc()
	return c.JSON(http.StatusOK, loginResponse{Session: session})
}

// ChallengeAbandonHandler destroys a pending challenge without resolving it.
func (a *AuthAPI) ChallengeAbandonHandler(c echo.Context) error {
	if err := a.challenge.Abandon(c.Request().Context(), c.Param("token")); err != nil {
		return a.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// FactorsHandler lists the caller's enrolled factors.
func (a *AuthAPI) FactorsHandler(c echo.Context) error {
	factors, err := a.enrollment.Factors(c.Request().Context(), userID(c))
	if err != nil {
		return a.writeError(c, err)
	}
	if factors == nil {
		factors = []domain.MFAFactorDescriptor{}
	}
	return c.JSON(http.StatusOK, echo.Map{"factors": factors})
}

type enrollPhoneRequest struct {
	PhoneNumber   string `json:"phoneNumber"`
	PresenceToken string `json:"presenceToken"`
}

type enrollmentResponse struct {
	EnrollmentToken string            `json:"enrollmentToken"`
	FactorKind      domain.FactorKind `json:"factorKind"`
	SecretKey       string            `json:"secretKey,omitempty"`
	OtpauthURI      string            `json:"otpauthUri,omitempty"`
}

// EnrollPhoneStartHandler validates the number, dispatches the verification
// SMS and opens the enrollment session.
func (a *AuthAPI) EnrollPhoneStartHandler(c echo.Context) error {
	var req enrollPhoneRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request"})
	}
	session, err := a.enrollment.StartPhone(c.Request().Context(), userID(c), req.PhoneNumber, req.PresenceToken, c.RealIP())
	if err != nil {
		return a.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, enrollmentResponse{
		EnrollmentToken: session.Token,
		FactorKind:      session.FactorKind,
	})
}

// EnrollPhoneVerifyHandler submits the SMS code and completes the phone
// enrollment.
func (a *AuthAPI) EnrollPhoneVerifyHandler(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request"})
	}
	if err := a.enrollment.VerifyPhone(c.Request().Context(), userID(c), c.Param("token"), req.Code); err != nil {
		return a.writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"enrolled": true})
}

// EnrollTOTPStartHandler opens a TOTP enrollment and returns the shared
// secret for manual entry together with its otpauth URI.
func (a *AuthAPI) EnrollTOTPStartHandler(c echo.Context) error {
	session, err := a.enrollment.StartTOTP(c.Request().Context(), userID(c))
	if err != nil {
		return a.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, enrollmentResponse{
		EnrollmentToken: session.Token,
		FactorKind:      session.FactorKind,
		SecretKey:       session.TOTPSecret,
		OtpauthURI:      session.OtpauthURI,
	})
}

// EnrollTOTPQRHandler renders the enrollment's otpauth URI as a PNG.
func (a *AuthAPI) EnrollTOTPQRHandler(c echo.Context) error {
	png, err := a.enrollment.QRCode(c.Request().Context(), userID(c), c.Param("token"))
	if err != nil {
		return a.writeError(c, err)
	}
	return c.Blob(http.StatusOK, "image/png", png)
}

// EnrollTOTPVerifyHandler submits the authenticator code, completes the TOTP
// enrollment and returns the one-time recovery codes.
func (a *AuthAPI) EnrollTOTPVerifyHandler(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request"})
	}
	codes, err := a.enrollment.VerifyTOTP(c.Request().Context(), userID(c), c.Param("token"), req.Code)
	if err != nil {
		return a.writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"enrolled": true, "recoveryCodes": codes})
}

// EnrollCancelHandler discards an open enrollment dialog.
func (a *AuthAPI) EnrollCancelHandler(c echo.Context) error {
	if err := a.enrollment.Cancel(c.Request().Context(), userID(c), c.Param("token")); err != nil {
		return a.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HealthHandler reports process liveness.
func (a *AuthAPI) HealthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// writeError maps the service error taxonomy onto HTTP responses.
func (a *AuthAPI) writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidPhoneNumber):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_phone_number", "error_description": err.Error()})
	case errors.Is(err, domain.ErrMalformedCode):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed_code", "error_description": err.Error()})
	case errors.Is(err, domain.ErrInvalidCode):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid_code", "error_description": err.Error()})
	case errors.Is(err, domain.ErrDispatchFailed):
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "dispatch_failed", "error_description": err.Error()})
	case errors.Is(err, domain.ErrTOTPDisabled):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "totp_disabled", "error_description": err.Error()})
	case errors.Is(err, domain.ErrUnsupportedFactor):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "unsupported_factor", "error_description": err.Error()})
	case errors.Is(err, domain.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "session_not_found"})
	case errors.Is(err, domain.ErrSessionExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "session_expired"})
	case errors.Is(err, domain.ErrSessionSuperseded):
		return c.JSON(http.StatusConflict, echo.Map{"error": "session_superseded"})
	case errors.Is(err, services.ErrChallengeRestartRequired):
		return c.JSON(http.StatusConflict, echo.Map{"error": "restart_required", "error_description": err.Error()})
	case errors.Is(err, presence.ErrNotHuman):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "presence_check_failed"})
	}
	log.Error().Err(err).Str("path", c.Path()).Msg("Unhandled service error")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "server_error"})
}
