package domain

// LoginContext carries the signals for a single login attempt that the risk
// oracle reasons over. It is built fresh per attempt and never persisted.
type LoginContext struct {
	SourceAddress string `json:"ipAddress"`
	Geolocation   string `json:"geolocation"`
	LoginHistory  string `json:"loginHistory"`
	IsSuspicious  bool   `json:"isSuspicious"`
}

// StepUpVerdict is the single yes/no MFA decision for a login attempt.
// Reason is human-readable and shown to the user as-is.
type StepUpVerdict struct {
	ShouldRequireSecondFactor bool   `json:"shouldRequestMFA"`
	Reason                    string `json:"reason"`
}
