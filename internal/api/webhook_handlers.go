package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/creditledger/internal/credits"
	"github.com/onnwee/creditledger/internal/ledger"
	"github.com/onnwee/creditledger/internal/payment"
)

// maxWebhookBodyBytes bounds Stripe event payloads.
const maxWebhookBodyBytes = 256 << 10

// WebhookAck is the acknowledgement body Stripe receives for every verified event.
type WebhookAck struct {
	Received bool `json:"received"`
}

// WebhookHandlers holds dependencies for the payment event endpoint.
type WebhookHandlers struct {
	webhookSecret string
	events        payment.WebhookRepository
	processor     *credits.Processor
	metrics       *credits.Metrics
	logger        *slog.Logger
}

// NewWebhookHandlers creates a new WebhookHandlers instance. metrics may be nil.
func NewWebhookHandlers(
	webhookSecret string,
	events payment.WebhookRepository,
	processor *credits.Processor,
	metrics *credits.Metrics,
	logger *slog.Logger,
) *WebhookHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandlers{
		webhookSecret: webhookSecret,
		events:        events,
		processor:     processor,
		metrics:       metrics,
		logger:        logger,
	}
}

// HandleStripeWebhook verifies and applies a Stripe event.
// POST /payment-events
//
// Only authenticity failures are rejected. Once the signature checks out the
// event is acknowledged with 200 even if applying it failed: the failure is kept
// in the webhook event log for replay and Stripe redelivery is not relied on.
func (h *WebhookHandlers) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.webhookSecret == "" {
		h.logger.ErrorContext(ctx, "webhook secret not configured")
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "webhook secret not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidSignature, "missing Stripe-Signature header")
		return
	}

	event, err := payment.ParseWebhook(body, signature, h.webhookSecret)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) || event.ID == "" {
			h.logger.WarnContext(ctx, "webhook signature verification failed",
				slog.String("error", err.Error()))
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidSignature, "invalid signature")
			return
		}
		// Signed but undecodable: no retry can fix it, so keep it for inspection only.
		h.logger.ErrorContext(ctx, "malformed webhook event",
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.String("error", err.Error()))
		if _, recErr := h.events.Record(ctx, event.ID, string(event.Type), body); recErr == nil {
			h.settle(ctx, event.ID, err)
		}
		h.metrics.IncWebhookEvent(string(event.Type), "malformed")
		writeJSON(w, ctx, http.StatusOK, WebhookAck{Received: true})
		return
	}

	h.logger.InfoContext(ctx, "webhook event received",
		slog.String("event_id", event.ID),
		slog.String("event_type", string(event.Type)))

	recorded := true
	if _, err := h.events.Record(ctx, event.ID, string(event.Type), body); err != nil {
		if errors.Is(err, payment.ErrEventAlreadyProcessed) {
			h.logger.InfoContext(ctx, "webhook event already handled, ignoring",
				slog.String("event_id", event.ID))
			h.metrics.IncWebhookEvent(string(event.Type), string(credits.OutcomeDuplicate))
			writeJSON(w, ctx, http.StatusOK, WebhookAck{Received: true})
			return
		}
		// The ledger write is still idempotent, so process without the log row.
		recorded = false
		h.logger.ErrorContext(ctx, "failed to record webhook event",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()))
	}

	res, err := h.processor.HandleEvent(ctx, event, credits.SourceWebhook)
	h.metrics.IncWebhookEvent(string(event.Type), string(res.Outcome))
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to process webhook event",
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.String("outcome", string(res.Outcome)),
			slog.String("error", err.Error()))
	}
	if recorded {
		h.settle(ctx, event.ID, err)
	}

	writeJSON(w, ctx, http.StatusOK, WebhookAck{Received: true})
}

// settle moves a recorded event to its final status. Failures caused by the
// event's own content are rejected; anything else stays replayable.
func (h *WebhookHandlers) settle(ctx context.Context, eventID string, cause error) {
	var err error
	switch {
	case cause == nil:
		err = h.events.MarkProcessed(ctx, eventID)
	case errors.Is(cause, ledger.ErrInvalidMetadata), errors.Is(cause, payment.ErrMalformedEvent):
		err = h.events.MarkRejected(ctx, eventID, cause.Error())
	default:
		err = h.events.MarkFailed(ctx, eventID, cause.Error())
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to update webhook event status",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()))
	}
}
