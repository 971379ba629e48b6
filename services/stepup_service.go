package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fortressauth/fortress/config"
	"github.com/fortressauth/fortress/domain"
	"github.com/fortressauth/fortress/internal/metrics"
	"github.com/fortressauth/fortress/internal/riskoracle"
)

// Fail-safe reason strings. The flagged-mode strings are contractual: they
// are matched verbatim by callers and tests.
const (
	reasonFailsafeSuspicious = "Suspicious flag was set and AI check failed."
	reasonFailsafeProceed    = "AI check failed, proceeding without MFA."
	reasonFailsafeStrict     = "Risk assessment unavailable, requiring MFA."
)

// StepUpService is the risk-based step-up decision engine. It makes exactly
// one oracle call per login attempt and always yields a verdict: oracle
// failures are converted by the fail-safe policy, never propagated.
type StepUpService struct {
	oracle   riskoracle.Client
	timeout  time.Duration
	failMode string
}

// NewStepUpService creates the decision engine. failMode is one of
// config.StepUpFailModeFlagged or config.StepUpFailModeAlways.
func NewStepUpService(oracle riskoracle.Client, timeout time.Duration, failMode string) *StepUpService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if failMode == "" {
		failMode = config.StepUpFailModeFlagged
	}
	return &StepUpService{oracle: oracle, timeout: timeout, failMode: failMode}
}

// Decide combines the explicit suspicion flag with the oracle's verdict.
// A successful oracle verdict is returned verbatim. The decision has no
// persisted side effects.
func (s *StepUpService) Decide(ctx context.Context, suspicious bool, loginCtx domain.LoginContext) domain.StepUpVerdict {
	loginCtx.IsSuspicious = suspicious

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	verdict, err := s.oracle.Evaluate(callCtx, loginCtx)
	if err != nil {
		// Single call, no retries: a failure is terminal for this attempt's
		// risk assessment and the fail-safe policy supplies the verdict.
		log.Warn().Err(err).Bool("suspicious", suspicious).Msg("Risk oracle unavailable, applying fail-safe policy")
		metrics.StepUpFailsafeTotal.Inc()
		return s.failsafe(suspicious)
	}

	if verdict.ShouldRequireSecondFactor {
		metrics.StepUpRequiredTotal.Inc()
	} else {
		metrics.StepUpSkippedTotal.Inc()
	}
	return verdict
}

// failsafe implements the configured policy for an unavailable oracle.
// The default "flagged" mode fails toward safety only when the attempt was
// already flagged suspicious; "always" requires MFA whenever the risk
// assessment cannot be completed.
func (s *StepUpService) failsafe(suspicious bool) domain.StepUpVerdict {
	if suspicious {
		return domain.StepUpVerdict{
			ShouldRequireSecondFactor: true,
			Reason:                    reasonFailsafeSuspicious,
		}
	}
	if s.failMode == config.StepUpFailModeAlways {
		return domain.StepUpVerdict{
			ShouldRequireSecondFactor: true,
			Reason:                    reasonFailsafeStrict,
		}
	}
	return domain.StepUpVerdict{
		ShouldRequireSecondFactor: false,
		Reason:                    reasonFailsafeProceed,
	}
}
