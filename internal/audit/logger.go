package audit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/onnwee/creditledger/internal/middleware"
)

var (
	// ErrNilRepository is returned when a nil repository is passed to logging functions.
	ErrNilRepository = errors.New("audit repository cannot be nil")
	// ErrInvalidEntityType is returned when an invalid entity type is provided.
	ErrInvalidEntityType = errors.New("invalid audit entity type")
	// ErrInvalidEntityID is returned when an invalid entity ID is provided.
	ErrInvalidEntityID = errors.New("entity ID cannot be empty")
	// ErrInvalidAction is returned when an invalid action is provided.
	ErrInvalidAction = errors.New("invalid audit action")
)

// Entity types.
const (
	EntityProfile         = "profile"
	EntityCheckoutSession = "checkout_session"
	EntityWebhookEvent    = "webhook_event"
)

// Actions.
const (
	ActionGrantCredits  = "grant_credits"
	ActionVerifySession = "verify_session"
	ActionReplayWebhook = "replay_webhook"
)

// ValidEntityTypes defines the allowed entity types for audit logging.
var ValidEntityTypes = map[string]bool{
	EntityProfile:         true,
	EntityCheckoutSession: true,
	EntityWebhookEvent:    true,
}

// ValidActions defines the allowed actions for audit logging.
var ValidActions = map[string]bool{
	ActionGrantCredits:  true,
	ActionVerifySession: true,
	ActionReplayWebhook: true,
}

func validateEntry(entityType, entityID, action string) error {
	if !ValidEntityTypes[entityType] {
		return ErrInvalidEntityType
	}
	if entityID == "" {
		return ErrInvalidEntityID
	}
	if !ValidActions[action] {
		return ErrInvalidAction
	}
	return nil
}

// extractIPAddress returns the client IP from X-Forwarded-For, X-Real-IP or
// RemoteAddr, in that order, with any port stripped.
func extractIPAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return stripPort(first)
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return stripPort(xri)
	}
	return stripPort(r.RemoteAddr)
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Record writes an audit row for an operation performed outside an HTTP request,
// such as a CLI replay. The actor and request id come from ctx when present.
//
// Audit logging is fail-closed: the error is returned to the caller.
func Record(ctx context.Context, repo Repository, entityType, entityID, action, outcome string) error {
	if repo == nil {
		return ErrNilRepository
	}
	if err := validateEntry(entityType, entityID, action); err != nil {
		return err
	}

	_, err := repo.Log(ctx, Entry{
		ActorID:    middleware.GetUserID(ctx),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Outcome:    outcome,
		RequestID:  middleware.GetRequestID(ctx),
	})
	return err
}

// RecordFromRequest writes an audit row with the HTTP request metadata (client
// IP and user agent) in addition to the actor and request id.
func RecordFromRequest(r *http.Request, repo Repository, entityType, entityID, action, outcome string) error {
	if repo == nil {
		return ErrNilRepository
	}
	if err := validateEntry(entityType, entityID, action); err != nil {
		return err
	}

	ctx := r.Context()
	_, err := repo.Log(ctx, Entry{
		ActorID:    middleware.GetUserID(ctx),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Outcome:    outcome,
		RequestID:  middleware.GetRequestID(ctx),
		IPAddress:  extractIPAddress(r),
		UserAgent:  r.UserAgent(),
	})
	return err
}
