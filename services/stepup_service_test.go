package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fortressauth/fortress/config"
	"github.com/fortressauth/fortress/domain"
)

func TestStepUpService_Decide_VerdictPassthrough(t *testing.T) {
	oracle := new(mockOracleClient)
	svc := NewStepUpService(oracle, time.Second, config.StepUpFailModeFlagged)

	verdict := domain.StepUpVerdict{
		ShouldRequireSecondFactor: true,
		Reason:                    "New device detected in unusual location.",
	}
	oracle.On("Evaluate", mock.Anything, mock.Anything).Return(verdict, nil).Once()

	got := svc.Decide(context.Background(), false, domain.LoginContext{SourceAddress: "203.0.113.9"})

	assert.Equal(t, verdict, got, "a successful oracle verdict must be returned verbatim")
	oracle.AssertExpectations(t)
}

func TestStepUpService_Decide_SetsSuspicionFlagOnContext(t *testing.T) {
	oracle := new(mockOracleClient)
	svc := NewStepUpService(oracle, time.Second, config.StepUpFailModeFlagged)

	var seen domain.LoginContext
	oracle.On("Evaluate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			seen = args.Get(1).(domain.LoginContext)
		}).
		Return(domain.StepUpVerdict{Reason: "ok"}, nil).Once()

	svc.Decide(context.Background(), true, domain.LoginContext{SourceAddress: "203.0.113.9"})

	assert.True(t, seen.IsSuspicious)
	assert.Equal(t, "203.0.113.9", seen.SourceAddress)
}

func TestStepUpService_Decide_FailSafePolicy(t *testing.T) {
	oracleErr := errors.New("connection refused")

	tests := []struct {
		name           string
		failMode       string
		suspicious     bool
		wantRequireMFA bool
		wantReason     string
	}{
		{
			name:           "flagged mode, suspicious attempt fails safe to MFA",
			failMode:       config.StepUpFailModeFlagged,
			suspicious:     true,
			wantRequireMFA: true,
			wantReason:     "Suspicious flag was set and AI check failed.",
		},
		{
			name:           "flagged mode, clean attempt proceeds without MFA",
			failMode:       config.StepUpFailModeFlagged,
			suspicious:     false,
			wantRequireMFA: false,
			wantReason:     "AI check failed, proceeding without MFA.",
		},
		{
			name:           "always mode, suspicious attempt keeps the flagged reason",
			failMode:       config.StepUpFailModeAlways,
			suspicious:     true,
			wantRequireMFA: true,
			wantReason:     "Suspicious flag was set and AI check failed.",
		},
		{
			name:           "always mode, clean attempt still requires MFA",
			failMode:       config.StepUpFailModeAlways,
			suspicious:     false,
			wantRequireMFA: true,
			wantReason:     "Risk assessment unavailable, requiring MFA.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := new(mockOracleClient)
			oracle.On("Evaluate", mock.Anything, mock.Anything).
				Return(domain.StepUpVerdict{}, oracleErr).Once()

			svc := NewStepUpService(oracle, time.Second, tt.failMode)
			got := svc.Decide(context.Background(), tt.suspicious, domain.LoginContext{})

			assert.Equal(t, tt.wantRequireMFA, got.ShouldRequireSecondFactor)
			assert.Equal(t, tt.wantReason, got.Reason)
			oracle.AssertExpectations(t)
		})
	}
}

func TestStepUpService_Decide_MalformedVerdictTriggersFailSafe(t *testing.T) {
	oracle := new(mockOracleClient)
	oracle.On("Evaluate", mock.Anything, mock.Anything).
		Return(domain.StepUpVerdict{}, errors.New("risk oracle returned a malformed verdict")).Once()

	svc := NewStepUpService(oracle, time.Second, config.StepUpFailModeFlagged)
	got := svc.Decide(context.Background(), true, domain.LoginContext{})

	assert.True(t, got.ShouldRequireSecondFactor)
	assert.Equal(t, "Suspicious flag was set and AI check failed.", got.Reason)
}

func TestStepUpService_Decide_BoundsOracleCall(t *testing.T) {
	oracle := new(mockOracleClient)
	var deadline time.Time
	var hasDeadline bool
	oracle.On("Evaluate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			deadline, hasDeadline = ctx.Deadline()
		}).
		Return(domain.StepUpVerdict{Reason: "ok"}, nil).Once()

	svc := NewStepUpService(oracle, 2*time.Second, config.StepUpFailModeFlagged)
	svc.Decide(context.Background(), false, domain.LoginContext{})

	require.True(t, hasDeadline, "oracle call must carry a deadline")
	assert.WithinDuration(t, time.Now().Add(2*time.Second), deadline, time.Second)
}
