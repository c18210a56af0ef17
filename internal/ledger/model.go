// Package ledger defines the credit ledger: the append-only credit_transactions
// log, per-user balances held on profiles, and the catalog rows that price purchases.
package ledger

import (
	"time"
)

// EntryType tags a ledger entry. The vocabulary is fixed and mirrored by a CHECK
// constraint on credit_transactions.type.
type EntryType string

const (
	EntryPurchase       EntryType = "purchase"
	EntryUsage          EntryType = "usage"
	EntryConsumption    EntryType = "consumption"
	EntryServicePayment EntryType = "service_payment"
	EntryPaymentFailed  EntryType = "payment_failed"
	EntryAddition       EntryType = "addition"
	EntrySessionExpired EntryType = "session_expired"
)

// Valid reports whether t belongs to the ledger vocabulary.
func (t EntryType) Valid() bool {
	switch t {
	case EntryPurchase, EntryUsage, EntryConsumption, EntryServicePayment,
		EntryPaymentFailed, EntryAddition, EntrySessionExpired:
		return true
	}
	return false
}

// Sign returns +1 for entries that add to the balance, -1 for entries whose
// (positive) amount is a debit, and 0 for record-only entries.
func (t EntryType) Sign() int64 {
	switch t {
	case EntryPurchase, EntryAddition:
		return 1
	case EntryServicePayment, EntryUsage, EntryConsumption:
		return -1
	default:
		return 0
	}
}

// UniqueByReference reports whether at most one entry of this type may exist per
// reference id. Matches the partial unique index on credit_transactions.
func (t EntryType) UniqueByReference() bool {
	switch t {
	case EntryPurchase, EntryPaymentFailed, EntrySessionExpired, EntryAddition:
		return true
	}
	return false
}

// Entry is one immutable row of the credit ledger.
type Entry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	Type        EntryType `json:"type"`
	ReferenceID string    `json:"reference_id,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Profile is the per-user balance record.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditPackage is a purchasable bundle of credits. Price is in minor currency units.
type CreditPackage struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Credits  int64  `json:"credits"`
	Price    int64  `json:"price"`
	IsActive bool   `json:"is_active"`
}

// Service is a catalog service. Price is expressed in credits.
type Service struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       int64  `json:"price"`
	IsActive    bool   `json:"is_active"`
}

// ExecutionStatus is the lifecycle state of a service execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionPaid      ExecutionStatus = "paid"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ServiceExecution records one attempt to consume a service.
type ServiceExecution struct {
	ID          string          `json:"id"`
	ServiceID   string          `json:"service_id"`
	UserID      string          `json:"user_id"`
	CreditsUsed int64           `json:"credits_used"`
	Status      ExecutionStatus `json:"status"`
	ReferenceID string          `json:"reference_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Drift describes a profile whose stored counter disagrees with its ledger sum.
type Drift struct {
	UserID    string `json:"user_id"`
	Counter   int64  `json:"counter"`
	LedgerSum int64  `json:"ledger_sum"`
}

// Delta is the correction that would bring the counter in line with the ledger.
func (d Drift) Delta() int64 {
	return d.LedgerSum - d.Counter
}
