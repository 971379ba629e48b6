package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTPVerifierFactory builds verifiers that call a siteverify-style
// endpoint (invisible challenge widget backends all share this shape).
type HTTPVerifierFactory struct {
	verifyURL string
	secret    string
	httpc     *http.Client
}

// NewHTTPVerifierFactory creates a factory for siteverify-backed presence
// checks.
func NewHTTPVerifierFactory(verifyURL, secret string) *HTTPVerifierFactory {
	return &HTTPVerifierFactory{
		verifyURL: verifyURL,
		secret:    secret,
		httpc:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (f *HTTPVerifierFactory) New() Verifier {
	return &httpVerifier{factory: f}
}

type httpVerifier struct {
	factory  *HTTPVerifierFactory
	released atomic.Bool
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (v *httpVerifier) Verify(ctx context.Context, token, remoteIP string) error {
	if v.released.Load() {
		return fmt.Errorf("presence: verifier already released")
	}
	if token == "" {
		return ErrNotHuman
	}

	form := url.Values{}
	form.Set("secret", v.factory.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.factory.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("presence: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.factory.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	defer resp.Body.Close()

	var sv siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&sv); err != nil {
		return fmt.Errorf("presence: decode siteverify response: %w", err)
	}
	if !sv.Success {
		log.Debug().Strs("error_codes", sv.ErrorCodes).Msg("presence check rejected")
		return ErrNotHuman
	}
	return nil
}

// Release marks the verifier as torn down. Further Verify calls fail, which
// is what catches a widget left attached after its dialog closed.
func (v *httpVerifier) Release() {
	v.released.Store(true)
}

var (
	_ Verifier = (*httpVerifier)(nil)
	_ Factory  = (*HTTPVerifierFactory)(nil)
)
