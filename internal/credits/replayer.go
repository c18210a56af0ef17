package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/creditledger/internal/audit"
	"github.com/onnwee/creditledger/internal/ledger"
	"github.com/onnwee/creditledger/internal/payment"
)

// DefaultReplayMaxAttempts bounds how often a dead-lettered event is retried.
const DefaultReplayMaxAttempts = 5

// defaultReplayBatch is the number of failed events loaded per Replay call.
const defaultReplayBatch = 100

// ReplayReport summarizes one replay pass.
type ReplayReport struct {
	Attempted int `json:"attempted"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
}

// Replayer re-runs failed webhook deliveries from the event log through the
// same Processor the webhook uses. Because every ledger write is idempotent on
// the session id, replaying an event that was partly applied is safe.
type Replayer struct {
	events      payment.WebhookRepository
	processor   *Processor
	audit       audit.Repository
	maxAttempts int
	logger      *slog.Logger
}

// NewReplayer creates a Replayer. auditRepo may be nil.
func NewReplayer(events payment.WebhookRepository, processor *Processor, auditRepo audit.Repository, maxAttempts int, logger *slog.Logger) *Replayer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultReplayMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		events:      events,
		processor:   processor,
		audit:       auditRepo,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Replay processes one batch of failed events, oldest first. Per-event
// failures are recorded on the event and counted; only a failure to read the
// event log is returned.
func (r *Replayer) Replay(ctx context.Context) (ReplayReport, error) {
	var report ReplayReport

	failed, err := r.events.ListFailed(ctx, r.maxAttempts, defaultReplayBatch)
	if err != nil {
		return report, persistenceError("list failed webhook events", err)
	}

	for _, evt := range failed {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++

		err := r.replayOne(ctx, evt)
		if unrecoverable(err) {
			report.Rejected++
			r.logger.WarnContext(ctx, "webhook event rejected",
				slog.String("event_id", evt.EventID),
				slog.String("event_type", evt.EventType),
				slog.String("error", err.Error()))
			if markErr := r.events.MarkRejected(ctx, evt.EventID, err.Error()); markErr != nil {
				r.logger.ErrorContext(ctx, "failed to mark webhook event rejected",
					slog.String("event_id", evt.EventID),
					slog.String("error", markErr.Error()))
			}
			r.recordAudit(ctx, evt.EventID, audit.OutcomeFailure)
			continue
		}
		if err != nil {
			report.Failed++
			r.logger.WarnContext(ctx, "webhook replay failed",
				slog.String("event_id", evt.EventID),
				slog.String("event_type", evt.EventType),
				slog.Int("attempts", evt.Attempts+1),
				slog.String("error", err.Error()))
			if markErr := r.events.MarkFailed(ctx, evt.EventID, err.Error()); markErr != nil {
				r.logger.ErrorContext(ctx, "failed to mark webhook event failed",
					slog.String("event_id", evt.EventID),
					slog.String("error", markErr.Error()))
			}
			r.recordAudit(ctx, evt.EventID, audit.OutcomeFailure)
			continue
		}

		report.Processed++
		if err := r.events.MarkProcessed(ctx, evt.EventID); err != nil {
			r.logger.ErrorContext(ctx, "failed to mark webhook event processed",
				slog.String("event_id", evt.EventID),
				slog.String("error", err.Error()))
		}
		r.recordAudit(ctx, evt.EventID, audit.OutcomeSuccess)
	}

	if report.Attempted > 0 {
		r.logger.InfoContext(ctx, "webhook replay pass complete",
			slog.Int("attempted", report.Attempted),
			slog.Int("processed", report.Processed),
			slog.Int("failed", report.Failed),
			slog.Int("rejected", report.Rejected))
	}
	return report, nil
}

func (r *Replayer) replayOne(ctx context.Context, evt *payment.WebhookEvent) error {
	event, err := payment.DecodeStoredEvent(evt.Payload)
	if err != nil {
		return fmt.Errorf("decode stored event: %w", err)
	}
	res, err := r.processor.HandleEvent(ctx, event, SourceReplay)
	if err != nil {
		return err
	}
	if res.Outcome == OutcomeFailed {
		return errors.New("event processing failed")
	}
	return nil
}

// unrecoverable reports whether err comes from the event itself, so replaying
// it again cannot succeed.
func unrecoverable(err error) bool {
	return errors.Is(err, ledger.ErrInvalidMetadata) || errors.Is(err, payment.ErrMalformedEvent)
}

func (r *Replayer) recordAudit(ctx context.Context, eventID, outcome string) {
	if r.audit == nil {
		return
	}
	if err := audit.Record(ctx, r.audit, audit.EntityWebhookEvent, eventID, audit.ActionReplayWebhook, outcome); err != nil {
		r.logger.WarnContext(ctx, "failed to write audit log",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()))
	}
}
