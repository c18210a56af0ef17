package payment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEventAlreadyProcessed is returned when a delivery repeats an event that was
	// already processed successfully.
	ErrEventAlreadyProcessed = errors.New("webhook event already processed")

	// ErrWebhookEventNotFound is returned when the event id has never been recorded.
	ErrWebhookEventNotFound = errors.New("webhook event not found")
)

// WebhookEventStatus tracks an event through the log.
type WebhookEventStatus string

const (
	WebhookStatusReceived  WebhookEventStatus = "received"
	WebhookStatusProcessed WebhookEventStatus = "processed"
	WebhookStatusFailed    WebhookEventStatus = "failed"
	// WebhookStatusRejected marks an event whose content can never be applied,
	// such as metadata without a user_id. It is kept for inspection, not replay.
	WebhookStatusRejected WebhookEventStatus = "rejected"
)

// Terminal reports whether a redelivery of the event needs no further work.
func (s WebhookEventStatus) Terminal() bool {
	return s == WebhookStatusProcessed || s == WebhookStatusRejected
}

// WebhookEvent is one verified delivery kept for idempotency and replay.
// Payload is the raw signed body so failed events can be re-run later.
type WebhookEvent struct {
	ID          string
	EventID     string
	EventType   string
	Payload     []byte
	Status      WebhookEventStatus
	Attempts    int
	LastError   string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// WebhookRepository is the webhook event log. Failed rows form the dead-letter queue.
type WebhookRepository interface {
	// Record stores a verified delivery, or returns the existing row for a redelivery.
	// Returns ErrEventAlreadyProcessed if the event already reached a terminal status.
	Record(ctx context.Context, eventID, eventType string, payload []byte) (*WebhookEvent, error)

	// MarkProcessed marks the event as successfully handled.
	MarkProcessed(ctx context.Context, eventID string) error

	// MarkFailed records a processing failure and increments the attempt count.
	MarkFailed(ctx context.Context, eventID, cause string) error

	// MarkRejected records why the event can never be applied. Rejected events
	// are not returned by ListFailed.
	MarkRejected(ctx context.Context, eventID, cause string) error

	// ListFailed returns failed events with fewer than maxAttempts attempts, oldest first.
	ListFailed(ctx context.Context, maxAttempts, limit int) ([]*WebhookEvent, error)

	// Get returns the event with the given Stripe event id.
	Get(ctx context.Context, eventID string) (*WebhookEvent, error)
}

// InMemoryWebhookRepository implements WebhookRepository with in-memory storage.
type InMemoryWebhookRepository struct {
	mu     sync.RWMutex
	events map[string]*WebhookEvent // Maps event_id -> WebhookEvent
}

// NewInMemoryWebhookRepository creates a new in-memory webhook repository.
func NewInMemoryWebhookRepository() *InMemoryWebhookRepository {
	return &InMemoryWebhookRepository{
		events: make(map[string]*WebhookEvent),
	}
}

func copyEvent(e *WebhookEvent) *WebhookEvent {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

// Record stores a verified delivery.
func (r *InMemoryWebhookRepository) Record(_ context.Context, eventID, eventType string, payload []byte) (*WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.events[eventID]; ok {
		if existing.Status.Terminal() {
			return copyEvent(existing), ErrEventAlreadyProcessed
		}
		return copyEvent(existing), nil
	}

	event := &WebhookEvent{
		ID:         uuid.New().String(),
		EventID:    eventID,
		EventType:  eventType,
		Payload:    append([]byte(nil), payload...),
		Status:     WebhookStatusReceived,
		ReceivedAt: time.Now().UTC(),
	}
	r.events[eventID] = event
	return copyEvent(event), nil
}

// MarkProcessed marks the event as handled.
func (r *InMemoryWebhookRepository) MarkProcessed(_ context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[eventID]
	if !ok {
		return ErrWebhookEventNotFound
	}
	now := time.Now().UTC()
	e.Status = WebhookStatusProcessed
	e.ProcessedAt = &now
	e.LastError = ""
	return nil
}

// MarkFailed records a processing failure.
func (r *InMemoryWebhookRepository) MarkFailed(_ context.Context, eventID, cause string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[eventID]
	if !ok {
		return ErrWebhookEventNotFound
	}
	e.Status = WebhookStatusFailed
	e.Attempts++
	e.LastError = cause
	return nil
}

func (r *InMemoryWebhookRepository) MarkRejected(_ context.Context, eventID, cause string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[eventID]
	if !ok {
		return ErrWebhookEventNotFound
	}
	now := time.Now().UTC()
	e.Status = WebhookStatusRejected
	e.ProcessedAt = &now
	e.LastError = cause
	return nil
}

// ListFailed returns replayable failed events, oldest first.
func (r *InMemoryWebhookRepository) ListFailed(_ context.Context, maxAttempts, limit int) ([]*WebhookEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*WebhookEvent
	for _, e := range r.events {
		if e.Status == WebhookStatusFailed && (maxAttempts <= 0 || e.Attempts < maxAttempts) {
			out = append(out, copyEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns the event with the given id.
func (r *InMemoryWebhookRepository) Get(_ context.Context, eventID string) (*WebhookEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.events[eventID]
	if !ok {
		return nil, ErrWebhookEventNotFound
	}
	return copyEvent(e), nil
}
