// Package audit records privileged operations on the credit ledger (admin grants,
// manual session recoveries, dead-letter replays) for incident response.
package audit

import (
	"time"
)

// Outcomes recorded on every audit log row.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Log represents a single audit event.
type Log struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	CreatedAt  time.Time `json:"created_at"`

	// Optional metadata
	RequestID string `json:"request_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Entry is the input for creating an audit log row.
type Entry struct {
	ActorID    string
	EntityType string
	EntityID   string
	Action     string
	Outcome    string

	RequestID string
	IPAddress string
	UserAgent string
}
