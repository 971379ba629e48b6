package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fortressauth/fortress/domain"
)

// Provider error codes mapped to sentinel errors.
const (
	codeSecondFactorRequired = "SECOND_FACTOR_REQUIRED"
	codeInvalidCredentials   = "INVALID_CREDENTIALS"
	codeEmailNotVerified     = "EMAIL_NOT_VERIFIED"
	codeTOTPDisabled         = "TOTP_MECHANISM_DISABLED"
	codeInvalidAssertion     = "INVALID_ASSERTION"
)

// HTTPClient talks to the identity service over its REST admin API.
// Construct once per process with NewHTTPClient and share by reference.
type HTTPClient struct {
	baseURL string
	apiKey  string
	// issuer is the display name the provider stamps into minted otpauth
	// URIs; authenticator apps show it next to the account.
	issuer string
	httpc  *http.Client
}

// NewHTTPClient creates an identity client. The zero timeout of the default
// http.Client is deliberately replaced; identity calls must not hang a
// login attempt indefinitely.
func NewHTTPClient(baseURL, apiKey, totpIssuer string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		issuer:  totpIssuer,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

type providerError struct {
	Code          string                       `json:"code"`
	Message       string                       `json:"message"`
	ResolverToken string                       `json:"resolverToken,omitempty"`
	Factors       []domain.MFAFactorDescriptor `json:"factors,omitempty"`
}

// do posts a JSON body and decodes the response into out (when non-nil).
// Non-2xx responses are mapped onto the sentinel error taxonomy.
func (c *HTTPClient) do(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("identity: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("identity: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("identity: decode response from %s: %w", path, err)
		}
		return nil
	}

	raw, _ := io.ReadAll(resp.Body)
	var perr providerError
	if err := json.Unmarshal(raw, &perr); err != nil {
		return fmt.Errorf("identity: %s returned status %d: %s", path, resp.StatusCode, string(raw))
	}
	return c.mapError(path, resp.StatusCode, perr)
}

func (c *HTTPClient) mapError(path string, status int, perr providerError) error {
	switch perr.Code {
	case codeSecondFactorRequired:
		return &SecondFactorRequiredError{ResolverToken: perr.ResolverToken, Factors: perr.Factors}
	case codeInvalidCredentials:
		return ErrInvalidCredentials
	case codeEmailNotVerified:
		return ErrEmailNotVerified
	case codeTOTPDisabled:
		return domain.ErrTOTPDisabled
	case codeInvalidAssertion:
		return ErrRejected
	}
	log.Warn().Str("path", path).Int("status", status).Str("code", perr.Code).Msg("identity: unmapped provider error")
	return fmt.Errorf("identity: %s returned %s (status %d)", path, perr.Code, status)
}

func (c *HTTPClient) SignIn(ctx context.Context, email, password string) (*UserSession, error) {
	var session UserSession
	in := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, "/v1/accounts:signIn", in, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *HTTPClient) SignUp(ctx context.Context, email, password string) (*UserSession, error) {
	var session UserSession
	in := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, "/v1/accounts:signUp", in, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *HTTPClient) VerifySession(ctx context.Context, idToken string) (*UserSession, error) {
	var session UserSession
	in := map[string]string{"idToken": idToken}
	if err := c.do(ctx, "/v1/accounts:lookup", in, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *HTTPClient) ResolveSecondFactor(ctx context.Context, resolverToken string, assertion Assertion) (*UserSession, error) {
	var session UserSession
	in := struct {
		ResolverToken string    `json:"resolverToken"`
		Assertion     Assertion `json:"assertion"`
	}{resolverToken, assertion}
	if err := c.do(ctx, "/v1/mfa:resolve", in, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *HTTPClient) WaiveSecondFactor(ctx context.Context, resolverToken string) (*UserSession, error) {
	var session UserSession
	in := map[string]string{"resolverToken": resolverToken}
	if err := c.do(ctx, "/v1/mfa:waive", in, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *HTTPClient) EnrolledFactors(ctx context.Context, userID string) ([]domain.MFAFactorDescriptor, error) {
	var out struct {
		Factors []domain.MFAFactorDescriptor `json:"factors"`
	}
	in := map[string]string{"userId": userID}
	if err := c.do(ctx, "/v1/mfa:listFactors", in, &out); err != nil {
		return nil, err
	}
	return out.Factors, nil
}

func (c *HTTPClient) StartPhoneVerification(ctx context.Context, target, presenceProof string) (string, error) {
	var out struct {
		DispatchHandle string `json:"dispatchHandle"`
	}
	in := map[string]string{"phoneNumber": target, "presenceProof": presenceProof}
	if err := c.do(ctx, "/v1/mfa:startPhoneVerification", in, &out); err != nil {
		return "", err
	}
	return out.DispatchHandle, nil
}

func (c *HTTPClient) EnrollFactor(ctx context.Context, userID string, assertion Assertion, label string) (*domain.MFAFactorDescriptor, error) {
	var out struct {
		Factor domain.MFAFactorDescriptor `json:"factor"`
	}
	in := struct {
		UserID    string    `json:"userId"`
		Assertion Assertion `json:"assertion"`
		Label     string    `json:"displayLabel"`
	}{userID, assertion, label}
	if err := c.do(ctx, "/v1/mfa:enroll", in, &out); err != nil {
		return nil, err
	}
	return &out.Factor, nil
}

func (c *HTTPClient) StartTOTPEnrollment(ctx context.Context, userID string) (*TOTPEnrollmentStart, error) {
	var out TOTPEnrollmentStart
	in := map[string]string{"userId": userID, "issuer": c.issuer}
	if err := c.do(ctx, "/v1/mfa:startTotpEnrollment", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) FinishTOTPEnrollment(ctx context.Context, userID, secret, code string) (*domain.MFAFactorDescriptor, error) {
	var out struct {
		Factor domain.MFAFactorDescriptor `json:"factor"`
	}
	in := map[string]string{"userId": userID, "secret": secret, "code": code}
	if err := c.do(ctx, "/v1/mfa:finishTotpEnrollment", in, &out); err != nil {
		return nil, err
	}
	return &out.Factor, nil
}

func (c *HTTPClient) StoreRecoveryCodes(ctx context.Context, userID string, hashedCodes []string) error {
	in := struct {
		UserID      string   `json:"userId"`
		HashedCodes []string `json:"hashedCodes"`
	}{userID, hashedCodes}
	return c.do(ctx, "/v1/mfa:storeRecoveryCodes", in, nil)
}

var _ Client = (*HTTPClient)(nil)
