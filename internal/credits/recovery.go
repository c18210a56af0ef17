package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/creditledger/internal/ledger"
	"github.com/onnwee/creditledger/internal/payment"
	"github.com/onnwee/creditledger/internal/validate"
)

// VerifyResult is the response to a manual session verification.
type VerifyResult struct {
	Success       bool                     `json:"success"`
	Message       string                   `json:"message"`
	PaymentStatus string                   `json:"payment_status,omitempty"`
	Transaction   *ledger.Entry            `json:"transaction,omitempty"`
	Execution     *ledger.ServiceExecution `json:"execution,omitempty"`
}

// Recovery is the user-triggered fallback for when the webhook has not produced
// a ledger entry yet. It reads the session straight from Stripe and runs the same
// idempotent apply as the webhook. Unlike the webhook, persistence failures are
// returned to the caller so they can retry.
type Recovery struct {
	client    payment.Client
	store     ledger.Store
	processor *Processor
	metrics   *Metrics
	logger    *slog.Logger
}

// NewRecovery creates a Recovery.
func NewRecovery(client payment.Client, store ledger.Store, processor *Processor, metrics *Metrics, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{client: client, store: store, processor: processor, metrics: metrics, logger: logger}
}

// VerifySession checks that sessionID belongs to callerID and is paid, then makes
// sure its ledger effect exists. An unpaid session yields Success=false and no error.
func (r *Recovery) VerifySession(ctx context.Context, sessionID, callerID string) (*VerifyResult, error) {
	if callerID == "" {
		return nil, ErrUnauthenticated
	}
	sessionID, err := validate.SessionID(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: sessionId: %w", ErrInvalidRequest, err)
	}

	sess, err := r.client.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, payment.ErrSessionNotFound) {
			r.metrics.incRecovery("not_found")
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		r.metrics.incRecovery("provider_error")
		r.logger.ErrorContext(ctx, "failed to retrieve checkout session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrPaymentProvider, err)
	}

	owner, err := ledger.OwnerFromMetadata(sess.Metadata)
	if err != nil || owner != callerID {
		r.metrics.incRecovery("ownership_mismatch")
		r.logger.WarnContext(ctx, "session ownership mismatch",
			slog.String("session_id", sessionID),
			slog.String("caller_id", callerID),
			slog.String("owner_id", owner))
		return nil, ErrOwnershipMismatch
	}

	if !sess.Paid() {
		r.metrics.incRecovery("not_paid")
		return &VerifyResult{
			Success:       false,
			Message:       "payment status is: " + sess.PaymentStatus,
			PaymentStatus: sess.PaymentStatus,
		}, nil
	}

	res, err := r.processor.ApplySession(ctx, sess, SourceRecovery)
	if err != nil {
		r.metrics.incRecovery("failed")
		if errors.Is(err, ledger.ErrInvalidMetadata) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return nil, err
	}
	r.metrics.incRecovery(string(res.Outcome))

	out := &VerifyResult{
		Success:       true,
		PaymentStatus: sess.PaymentStatus,
		Transaction:   res.Entry,
		Execution:     res.Execution,
	}
	switch {
	case res.Outcome == OutcomeDuplicate && res.Entry != nil:
		out.Message = "transaction already recorded"
	case res.Entry != nil:
		out.Message = fmt.Sprintf("added %d credits to your account", res.Entry.Amount)
	default:
		out.Message = "session verified, no further action required"
	}
	return out, nil
}

// LookupSession returns the purchase entry for a session. With repair set and no
// entry present, it falls back to VerifySession. This is the read-repair path
// behind the payment success page.
func (r *Recovery) LookupSession(ctx context.Context, sessionID, callerID string, repair bool) (*VerifyResult, error) {
	if callerID == "" {
		return nil, ErrUnauthenticated
	}
	sessionID, err := validate.SessionID(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: sessionId: %w", ErrInvalidRequest, err)
	}

	entry, err := r.store.FindEntryByReference(ctx, ledger.EntryPurchase, sessionID)
	switch {
	case err == nil:
		if entry.UserID != callerID {
			return nil, ErrOwnershipMismatch
		}
		return &VerifyResult{Success: true, Message: "transaction already recorded", Transaction: &entry}, nil
	case !errors.Is(err, ledger.ErrEntryNotFound):
		return nil, persistenceError("lookup session entry", err)
	}

	if !repair {
		return &VerifyResult{Success: false, Message: "transaction not recorded yet"}, nil
	}
	r.logger.InfoContext(ctx, "read-repair triggered for session",
		slog.String("session_id", sessionID),
		slog.String("user_id", callerID))
	return r.VerifySession(ctx, sessionID, callerID)
}
