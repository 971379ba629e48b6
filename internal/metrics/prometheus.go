package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	StepUpRequiredTotal    prometheus.Counter
	StepUpSkippedTotal     prometheus.Counter
	StepUpFailsafeTotal    prometheus.Counter
	ChallengeResolvedTotal prometheus.Counter
	ChallengeFailedTotal   prometheus.Counter
	EnrollStartedTotal     *prometheus.CounterVec
	EnrollCompletedTotal   *prometheus.CounterVec
	EnrollFailedTotal      *prometheus.CounterVec
	LoginSuccessTotal      prometheus.Counter
	LoginFailureTotal      prometheus.Counter
)

// InitCustomMetrics initializes and registers the service metrics.
// It should be called once at application startup.
func InitCustomMetrics(reg prometheus.Registerer) {
	StepUpRequiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fortress_stepup_required_total",
		Help: "Total number of login attempts where the decision engine required a second factor.",
	})
	StepUpSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fortress_stepup_skipped_total",
		Help: "Total number of login attempts allowed through without a second factor.",
	})
	StepUpFailsafeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fortress_stepup_failsafe_total",
		Help: "Total number of decisions produced by the fail-safe policy because the risk oracle was unavailable.",
	})
	ChallengeResolvedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fortress_challenge_resolved_total",
		Help: "Total number of second-factor challenges resolved successfully.",
	})
	ChallengeFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fortress_challenge_failed_total",
		Help: "Total number of second-factor challenges that ended in failure.",
	})
	EnrollStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fortress_enrollment_started_total",
		Help: "Total number of factor enrollments started, by factor kind.",
	}, []string{"kind"})
	EnrollCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fortress_enrollment_completed_total",
		Help: "Total number of factor enrollments completed, by factor kind.",
	}, []string{"kind"})
	EnrollFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fortress_enrollment_failed_total",
		Help: "Total number of factor enrollments that failed, by factor kind.",
	}, []string{"kind"})
	LoginSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fortress_logins_success_total",
		Help: "Total number of successful logins.",
	})
	LoginFailureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fortress_logins_failure_total",
		Help: "Total number of failed logins.",
	})

	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register custom metrics.")
		return
	}
	collectors := []prometheus.Collector{
		StepUpRequiredTotal, StepUpSkippedTotal, StepUpFailsafeTotal,
		ChallengeResolvedTotal, ChallengeFailedTotal,
		EnrollStartedTotal, EnrollCompletedTotal, EnrollFailedTotal,
		LoginSuccessTotal, LoginFailureTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("Failed to register metric")
		}
	}
	log.Info().Msg("Custom Prometheus metrics registered.")
}

// RegisterPendingChallenges exposes the number of live multi-factor challenge
// sessions as a gauge read from the session store at scrape time. Reading the
// store directly keeps the value exact across TTL expiry, terminal failures
// and abandoned challenges.
func RegisterPendingChallenges(reg prometheus.Registerer, count func() float64) prometheus.GaugeFunc {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fortress_pending_challenges_gauge",
		Help: "Current number of live multi-factor challenge sessions in the store.",
	}, count)
	if reg != nil {
		if err := reg.Register(g); err != nil {
			log.Warn().Err(err).Msg("Failed to register pending challenges gauge")
		}
	}
	return g
}
