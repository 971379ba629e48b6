package riskoracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fortressauth/fortress/domain"
)

// ErrMalformedVerdict is returned when the oracle answers with a body that
// does not match the verdict schema. Callers treat it exactly like a
// transport failure.
var ErrMalformedVerdict = errors.New("risk oracle returned a malformed verdict")

// Client sends a login context to the external risk classifier and returns
// its structured verdict.
type Client interface {
	Evaluate(ctx context.Context, loginCtx domain.LoginContext) (domain.StepUpVerdict, error)
}

// HTTPClient calls the oracle's evaluate endpoint. One call per login
// attempt, no retries; the per-call timeout bounds how long a login may
// wait on the risk assessment.
type HTTPClient struct {
	url   string
	httpc *http.Client
}

// NewHTTPClient creates an oracle client with the given call timeout.
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		url:   url,
		httpc: &http.Client{Timeout: timeout},
	}
}

// rawVerdict uses pointers so that a response missing either field is
// detected as a schema mismatch rather than silently zero-valued.
type rawVerdict struct {
	ShouldRequestMFA *bool   `json:"shouldRequestMFA"`
	Reason           *string `json:"reason"`
}

func (c *HTTPClient) Evaluate(ctx context.Context, loginCtx domain.LoginContext) (domain.StepUpVerdict, error) {
	var verdict domain.StepUpVerdict

	body, err := json.Marshal(loginCtx)
	if err != nil {
		return verdict, fmt.Errorf("risk oracle: marshal context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return verdict, fmt.Errorf("risk oracle: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return verdict, fmt.Errorf("risk oracle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return verdict, fmt.Errorf("risk oracle: status %d: %s", resp.StatusCode, string(raw))
	}

	var raw rawVerdict
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return verdict, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	if raw.ShouldRequestMFA == nil || raw.Reason == nil {
		return verdict, ErrMalformedVerdict
	}

	verdict.ShouldRequireSecondFactor = *raw.ShouldRequestMFA
	verdict.Reason = *raw.Reason
	return verdict, nil
}

var _ Client = (*HTTPClient)(nil)
