package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/onnwee/creditledger/internal/tracing"
)

const providerStripe = "stripe"

const webhookEventColumns = `id, event_id, event_type, payload, status, attempts, COALESCE(last_error, ''), received_at, processed_at`

// PostgresWebhookRepository implements WebhookRepository on the webhook_events table.
type PostgresWebhookRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresWebhookRepository creates a PostgresWebhookRepository.
func NewPostgresWebhookRepository(db *sql.DB, logger *slog.Logger) *PostgresWebhookRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresWebhookRepository{db: db, logger: logger}
}

func scanWebhookEvent(row rowScanner) (*WebhookEvent, error) {
	var e WebhookEvent
	var status string
	var processedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.EventID, &e.EventType, &e.Payload, &status, &e.Attempts, &e.LastError, &e.ReceivedAt, &processedAt); err != nil {
		return nil, err
	}
	e.Status = WebhookEventStatus(status)
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	return &e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Record inserts the delivery, or returns the existing row on redelivery. The
// no-op DO UPDATE makes RETURNING yield the existing row.
func (r *PostgresWebhookRepository) Record(ctx context.Context, eventID, eventType string, payload []byte) (event *WebhookEvent, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "webhook_events", tracing.DBOperationInsert)
	defer func() {
		if errors.Is(err, ErrEventAlreadyProcessed) {
			endSpan(nil)
			return
		}
		endSpan(err)
	}()

	event, err = scanWebhookEvent(r.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (id, provider, event_id, event_type, payload, status)
		VALUES ($1, $2, $3, $4, $5, 'received')
		ON CONFLICT (provider, event_id) DO UPDATE SET event_type = EXCLUDED.event_type
		RETURNING `+webhookEventColumns,
		uuid.New().String(), providerStripe, eventID, eventType, payload))
	if err != nil {
		return nil, fmt.Errorf("failed to record webhook event: %w", err)
	}
	if event.Status.Terminal() {
		return event, ErrEventAlreadyProcessed
	}
	return event, nil
}

func (r *PostgresWebhookRepository) update(ctx context.Context, query string, args ...any) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "webhook_events", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrWebhookEventNotFound
	}
	return nil
}

// MarkProcessed marks the event as handled.
func (r *PostgresWebhookRepository) MarkProcessed(ctx context.Context, eventID string) error {
	return r.update(ctx, `
		UPDATE webhook_events SET status = 'processed', processed_at = NOW(), last_error = NULL
		WHERE provider = $1 AND event_id = $2
	`, providerStripe, eventID)
}

// MarkFailed records a processing failure.
func (r *PostgresWebhookRepository) MarkFailed(ctx context.Context, eventID, cause string) error {
	return r.update(ctx, `
		UPDATE webhook_events SET status = 'failed', attempts = attempts + 1, last_error = $3
		WHERE provider = $1 AND event_id = $2
	`, providerStripe, eventID, cause)
}

// MarkRejected parks an event that no retry can fix.
func (r *PostgresWebhookRepository) MarkRejected(ctx context.Context, eventID, cause string) error {
	return r.update(ctx, `
		UPDATE webhook_events SET status = 'rejected', processed_at = NOW(), last_error = $3
		WHERE provider = $1 AND event_id = $2
	`, providerStripe, eventID, cause)
}

// ListFailed returns replayable failed events, oldest first.
func (r *PostgresWebhookRepository) ListFailed(ctx context.Context, maxAttempts, limit int) (events []*WebhookEvent, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "webhook_events", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	if maxAttempts <= 0 {
		maxAttempts = int(^uint32(0) >> 1)
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+webhookEventColumns+`
		FROM webhook_events
		WHERE provider = $1 AND status = 'failed' AND attempts < $2
		ORDER BY received_at ASC
		LIMIT $3
	`, providerStripe, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed webhook events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Get returns the event with the given id.
func (r *PostgresWebhookRepository) Get(ctx context.Context, eventID string) (event *WebhookEvent, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "webhook_events", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	event, err = scanWebhookEvent(r.db.QueryRowContext(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE provider = $1 AND event_id = $2`,
		providerStripe, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWebhookEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook event: %w", err)
	}
	return event, nil
}
