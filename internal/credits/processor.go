package credits

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/creditledger/internal/ledger"
	"github.com/onnwee/creditledger/internal/payment"
	"github.com/onnwee/creditledger/internal/tracing"
)

// Outcome describes what processing an event or session did.
type Outcome string

const (
	// OutcomeApplied means a ledger entry or execution was written.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the effect was already present; nothing was written.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomePending means the session is not paid yet; nothing was written.
	OutcomePending Outcome = "pending"
	// OutcomeIgnored means the event type is not handled.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeRejected means the event carried unusable metadata.
	OutcomeRejected Outcome = "rejected"
	// OutcomeFailed means a persistence error prevented the write.
	OutcomeFailed Outcome = "failed"
)

// Result reports the effect of processing one event or session.
type Result struct {
	Outcome   Outcome
	Entry     *ledger.Entry
	Execution *ledger.ServiceExecution
}

// Processor applies verified payment events to the ledger. Every write is
// idempotent on the checkout session id, so the same session may be applied any
// number of times, in any order, from the webhook, a replay or a recovery call.
type Processor struct {
	store   ledger.Store
	metrics *Metrics
	logger  *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(store ledger.Store, metrics *Metrics, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, metrics: metrics, logger: logger}
}

// HandleEvent dispatches a verified event. Unknown event types are ignored.
// Errors wrap ledger.ErrInvalidMetadata for unusable metadata or ErrPersistence
// for failed writes.
func (p *Processor) HandleEvent(ctx context.Context, event payment.Event, source string) (res Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "credits.handle_event")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx,
		attribute.String("payment.event_id", event.ID),
		attribute.String("payment.event_type", string(event.Type)),
		attribute.String("credits.source", source))

	switch event.Type {
	case payment.EventCheckoutCompleted, payment.EventAsyncPaymentSucceeded,
		payment.EventAsyncPaymentFailed, payment.EventCheckoutExpired:
	default:
		p.logger.DebugContext(ctx, "ignoring unhandled event type",
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)))
		return Result{Outcome: OutcomeIgnored}, nil
	}

	sess := event.Session
	if sess == nil || sess.ID == "" {
		return Result{Outcome: OutcomeRejected}, fmt.Errorf("%w: event %s has no checkout session", ledger.ErrInvalidMetadata, event.ID)
	}

	switch event.Type {
	case payment.EventCheckoutCompleted:
		// Delayed payment methods complete the session before funds settle;
		// those are credited by async_payment_succeeded.
		if sess.AwaitingFunds() {
			p.logger.InfoContext(ctx, "checkout completed but payment not settled",
				slog.String("event_id", event.ID),
				slog.String("session_id", sess.ID),
				slog.String("payment_status", sess.PaymentStatus))
			return Result{Outcome: OutcomePending}, nil
		}
		return p.ApplySession(ctx, sess, source)

	case payment.EventAsyncPaymentSucceeded:
		return p.ApplySession(ctx, sess, source)

	case payment.EventAsyncPaymentFailed:
		return p.recordOnly(ctx, sess, ledger.EntryPaymentFailed)

	default: // payment.EventCheckoutExpired
		return p.recordOnly(ctx, sess, ledger.EntrySessionExpired)
	}
}

// ApplySession performs the balance-affecting write for a paid session. The
// caller is responsible for establishing that the session is paid.
func (p *Processor) ApplySession(ctx context.Context, sess *payment.CheckoutSession, source string) (Result, error) {
	intent, err := ledger.ParseIntent(sess.Metadata)
	if err != nil {
		p.logger.WarnContext(ctx, "rejecting session with invalid metadata",
			slog.String("session_id", sess.ID),
			slog.String("source", source),
			slog.String("error", err.Error()))
		p.metrics.incLedgerApply(source, OutcomeRejected)
		return Result{Outcome: OutcomeRejected}, err
	}

	var res Result
	switch in := intent.(type) {
	case ledger.PackagePurchase:
		res, err = p.applyPackage(ctx, sess, in)
	case ledger.ServicePurchase:
		res, err = p.applyService(ctx, sess, in)
	default:
		err = fmt.Errorf("%w: unsupported intent %T", ledger.ErrInvalidMetadata, intent)
		res = Result{Outcome: OutcomeRejected}
	}

	p.metrics.incLedgerApply(source, res.Outcome)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to apply checkout session",
			slog.String("session_id", sess.ID),
			slog.String("user_id", intent.Owner()),
			slog.String("source", source),
			slog.String("error", err.Error()))
		return res, err
	}

	tracing.AddEvent(ctx, "session applied",
		attribute.String("session_id", sess.ID),
		attribute.String("outcome", string(res.Outcome)))
	p.logger.InfoContext(ctx, "checkout session applied",
		slog.String("session_id", sess.ID),
		slog.String("user_id", intent.Owner()),
		slog.String("kind", string(intent.Kind())),
		slog.String("source", source),
		slog.String("outcome", string(res.Outcome)))
	return res, nil
}

// ensureOwner creates a zero-balance profile for a payer who never hit an
// endpoint that bootstraps one, so their payment has a row to land on.
func (p *Processor) ensureOwner(ctx context.Context, userID string) error {
	if err := p.store.EnsureProfile(ctx, ledger.Profile{ID: userID}); err != nil {
		return persistenceError("ensure profile", err)
	}
	return nil
}

func (p *Processor) applyPackage(ctx context.Context, sess *payment.CheckoutSession, in ledger.PackagePurchase) (Result, error) {
	if err := p.ensureOwner(ctx, in.UserID); err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	desc := fmt.Sprintf("Purchase of %d credits", in.Credits)
	if in.PackageID != "" {
		desc = fmt.Sprintf("Purchase of %d credits (package %s)", in.Credits, in.PackageID)
	}
	entry, applied, err := p.store.ApplyCredit(ctx, ledger.Entry{
		UserID:      in.UserID,
		Amount:      in.Credits,
		Type:        ledger.EntryPurchase,
		ReferenceID: sess.ID,
		Description: desc,
	})
	if err != nil {
		return Result{Outcome: OutcomeFailed}, persistenceError("apply purchase", err)
	}
	return Result{Outcome: appliedOutcome(applied), Entry: &entry}, nil
}

func (p *Processor) applyService(ctx context.Context, sess *payment.CheckoutSession, in ledger.ServicePurchase) (Result, error) {
	if err := p.ensureOwner(ctx, in.UserID); err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	exec, applied, err := p.store.RecordExecution(ctx, ledger.ServiceExecution{
		ServiceID:   in.ServiceID,
		UserID:      in.UserID,
		CreditsUsed: 0,
		Status:      ledger.ExecutionPaid,
		ReferenceID: sess.ID,
	})
	if err != nil {
		return Result{Outcome: OutcomeFailed}, persistenceError("record service execution", err)
	}
	return Result{Outcome: appliedOutcome(applied), Execution: &exec}, nil
}

func (p *Processor) recordOnly(ctx context.Context, sess *payment.CheckoutSession, entryType ledger.EntryType) (Result, error) {
	userID, err := ledger.OwnerFromMetadata(sess.Metadata)
	if err != nil {
		p.logger.WarnContext(ctx, "cannot record event without user_id",
			slog.String("session_id", sess.ID),
			slog.String("type", string(entryType)))
		return Result{Outcome: OutcomeRejected}, err
	}
	if err := p.ensureOwner(ctx, userID); err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}

	entry, applied, err := p.store.RecordEntry(ctx, ledger.Entry{
		UserID:      userID,
		Amount:      0,
		Type:        entryType,
		ReferenceID: sess.ID,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to record ledger entry",
			slog.String("session_id", sess.ID),
			slog.String("user_id", userID),
			slog.String("type", string(entryType)),
			slog.String("error", err.Error()))
		return Result{Outcome: OutcomeFailed}, persistenceError("record "+string(entryType), err)
	}
	return Result{Outcome: appliedOutcome(applied), Entry: &entry}, nil
}

func appliedOutcome(applied bool) Outcome {
	if applied {
		return OutcomeApplied
	}
	return OutcomeDuplicate
}
