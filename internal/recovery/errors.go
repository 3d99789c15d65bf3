package recovery

import (
	"errors"
	"fmt"

	"recoveryd/internal/adversarial"
	"recoveryd/internal/behavior"
	"recoveryd/internal/challenge"
	"recoveryd/internal/commitment"
	"recoveryd/internal/store"
)

// Errors
var (
	ErrNoCommitments                  = errors.New("recovery: no active commitments")
	ErrNoCommitment                   = errors.New("recovery: no active commitment for challenge type")
	ErrThresholdNotMet                = errors.New("recovery: similarity threshold not met")
	ErrChallengeCompleted             = errors.New("recovery: challenge already completed")
	ErrChallengeNotFound              = errors.New("recovery: challenge not found")
	ErrAttemptNotFound                = errors.New("recovery: attempt not found")
	ErrAttemptClosed                  = errors.New("recovery: attempt is not in progress")
	ErrAttemptExpired                 = errors.New("recovery: attempt expired")
	ErrChallengesIncomplete           = errors.New("recovery: challenges remaining")
	ErrAdditionalVerificationRequired = errors.New("recovery: additional verification required")
	ErrSecurityRejected               = errors.New("recovery: submission rejected")

	// ErrTaskMismatch is returned when a response does not solve its task.
	ErrTaskMismatch = challenge.ErrTaskMismatch
)

// SecurityRejectedError is returned when the adversarial screen blocks a
// submission. Reason names the flagged checks.
type SecurityRejectedError struct {
	Reason string
	Risk   float64
	Issues []adversarial.Issue
}

func (e *SecurityRejectedError) Error() string {
	return fmt.Sprintf("recovery: submission rejected: %s (risk %.2f)", e.Reason, e.Risk)
}

func (e *SecurityRejectedError) Unwrap() error { return ErrSecurityRejected }

// PublicMessage maps an error to a message that is safe to show the person
// recovering the account. It never reveals which check fired.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSecurityRejected), errors.Is(err, ErrTaskMismatch):
		return "Verification failed. Please try the challenge again."
	case errors.Is(err, behavior.ErrInvalidPayload), errors.Is(err, behavior.ErrModalityMissing):
		return "The submitted data was not valid. Please try the challenge again."
	case errors.Is(err, ErrThresholdNotMet):
		return "We could not verify your identity. Please start a new recovery."
	case errors.Is(err, ErrNoCommitments):
		return "Behavioral recovery is not available for this account."
	case errors.Is(err, ErrNoCommitment), errors.Is(err, commitment.ErrCommitmentLocked):
		return "This verification step is not available for your account yet."
	case errors.Is(err, ErrChallengeCompleted):
		return "This challenge has already been answered."
	case errors.Is(err, store.ErrConflict):
		return "Your request conflicted with another one. Please retry."
	case errors.Is(err, challenge.ErrDailyQuota):
		return "You have completed today's challenges. Please come back tomorrow."
	case errors.Is(err, ErrChallengesIncomplete):
		return "Please finish the remaining challenges first."
	case errors.Is(err, ErrAdditionalVerificationRequired):
		return "Additional verification is required to finish recovery."
	case errors.Is(err, commitment.ErrProfileQuality):
		return "Not enough behavioral data was collected. Please complete more enrollment exercises."
	case errors.Is(err, ErrAttemptExpired):
		return "This recovery attempt has expired. Please start a new recovery."
	case errors.Is(err, ErrAttemptClosed), errors.Is(err, ErrAttemptNotFound), errors.Is(err, ErrChallengeNotFound):
		return "This recovery attempt is no longer active."
	}
	return "Something went wrong. Please try again later."
}
