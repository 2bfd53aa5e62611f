package payout

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrCycleDetected means the sponsor chain above the buyer
	// revisits a member.  The sale needs manual review.
	ErrCycleDetected = errors.New("sponsor cycle detected")
	// ErrContention means a wallet kept changing under us for
	// MaxAttempts reads.  Retrying later is safe.
	ErrContention = errors.New("wallet contention")
	// ErrInvariantViolation means the schedule or the residual is
	// inconsistent.  Nothing further is written for the sale.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrIdempotencyConflict means a sale id was reused for a
	// different buyer or amount.
	ErrIdempotencyConflict = errors.New("sale id reused with different details")
	// ErrInvalidEvent means the sale event failed validation.
	ErrInvalidEvent = errors.New("invalid sale event")
)

// RetryableError reports an I/O failure or timeout part way through a
// sale.  Levels below Level are complete; running the sale again
// resumes at Level.
type RetryableError struct {
	SaleID string
	State  State
	Level  int
	Err    error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("sale %s failed in %s at level %d: %v", e.SaleID, e.State, e.Level, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err should be handed back to the queue
// for another attempt rather than parked for review.
func IsRetryable(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	return errors.Is(err, ErrContention)
}
