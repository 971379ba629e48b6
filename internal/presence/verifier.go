package presence

import (
	"context"
	"errors"
)

// ErrNotHuman is returned when the challenge-response token fails
// verification.
var ErrNotHuman = errors.New("human presence check failed")

// Verifier confirms a real user is driving a dispatch request before an SMS
// code is sent. A Verifier instance is attached to one flow; Release must be
// called on every exit path, success or failure, so no widget state leaks
// past teardown.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
	Release()
}

// Factory creates a fresh Verifier per flow.
type Factory interface {
	New() Verifier
}
