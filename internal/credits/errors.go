// Package credits implements the credit purchase pipeline: opening checkout
// sessions, applying payment events to the ledger exactly once, manual session
// recovery, spending credits on services and the operator tools around them.
package credits

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the HTTP layer. Every error returned by this package
// wraps exactly one of these.
var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNotFound          = errors.New("not found")
	ErrOwnershipMismatch = errors.New("checkout session belongs to another user")
	ErrPaymentProvider   = errors.New("payment provider error")
	ErrPersistence       = errors.New("persistence error")
	ErrInsufficient      = errors.New("insufficient credits")
)

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
