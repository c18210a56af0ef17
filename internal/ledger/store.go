package ledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEntryNotFound is returned when no ledger entry matches a lookup.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrProfileNotFound is returned when the user has no profile row.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrPackageNotFound is returned when a credit package does not exist or is inactive.
	ErrPackageNotFound = errors.New("credit package not found")

	// ErrServiceNotFound is returned when a service does not exist or is inactive.
	ErrServiceNotFound = errors.New("service not found")

	// ErrInsufficientCredits is returned when a debit would take the balance below zero.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidEntry is returned when an entry fails basic validation before persistence.
	ErrInvalidEntry = errors.New("invalid ledger entry")
)

// DefaultHistoryLimit and MaxHistoryLimit bound ListEntries.
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

// Catalog reads the price lists used at checkout time.
type Catalog interface {
	// GetPackage returns an active credit package or ErrPackageNotFound.
	GetPackage(ctx context.Context, id string) (CreditPackage, error)
	// GetService returns an active service or ErrServiceNotFound.
	GetService(ctx context.Context, id string) (Service, error)
	// ListPackages returns active packages ordered by price.
	ListPackages(ctx context.Context) ([]CreditPackage, error)
	// ListServices returns active services ordered by price.
	ListServices(ctx context.Context) ([]Service, error)
}

// Store is the ledger persistence boundary. Every balance mutation happens inside
// the same transaction as the ledger row that explains it.
type Store interface {
	Catalog

	// ApplyCredit appends a crediting entry (purchase or addition) and increments
	// the owner's balance by entry.Amount. When the entry type is unique by
	// reference and a row already exists, nothing is written and applied is false.
	ApplyCredit(ctx context.Context, entry Entry) (stored Entry, applied bool, err error)

	// RecordEntry appends an entry that does not move the balance. Idempotent on
	// (type, reference_id) for types unique by reference.
	RecordEntry(ctx context.Context, entry Entry) (stored Entry, applied bool, err error)

	// RecordExecution inserts a service execution, idempotent on ReferenceID when set.
	RecordExecution(ctx context.Context, exec ServiceExecution) (stored ServiceExecution, applied bool, err error)

	// SpendCredits debits entry.Amount from the owner's balance only if the balance
	// covers it, appending the service_payment entry and the execution in the same
	// transaction. Returns ErrInsufficientCredits without side effects otherwise.
	SpendCredits(ctx context.Context, entry Entry, exec ServiceExecution) (Entry, ServiceExecution, error)

	// FindEntryByReference returns the entry of the given type with the reference id.
	FindEntryByReference(ctx context.Context, entryType EntryType, referenceID string) (Entry, error)

	// ListEntries returns the user's newest entries first.
	ListEntries(ctx context.Context, userID string, limit int) ([]Entry, error)

	// GetProfile returns the user's profile or ErrProfileNotFound.
	GetProfile(ctx context.Context, userID string) (Profile, error)

	// EnsureProfile creates the profile with a zero balance if it does not exist.
	EnsureProfile(ctx context.Context, profile Profile) error

	// BalanceDrift lists profiles whose counter differs from the signed ledger sum.
	BalanceDrift(ctx context.Context) ([]Drift, error)
}

func validateEntry(entry Entry) error {
	switch {
	case entry.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidEntry)
	case !entry.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, entry.Type)
	case entry.Amount < 0:
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidEntry)
	}
	return nil
}

// ClampLimit normalizes a history page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
