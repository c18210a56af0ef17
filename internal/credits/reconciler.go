package credits

import (
	"context"
	"log/slog"

	"github.com/onnwee/creditledger/internal/ledger"
)

// Reconciler compares each balance counter with the signed sum of its ledger.
// It reports drift and never corrects it.
type Reconciler struct {
	store  ledger.Store
	logger *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(store ledger.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger}
}

// Check returns every profile whose counter disagrees with its ledger.
func (r *Reconciler) Check(ctx context.Context) ([]ledger.Drift, error) {
	drifts, err := r.store.BalanceDrift(ctx)
	if err != nil {
		return nil, persistenceError("balance drift", err)
	}
	for _, d := range drifts {
		r.logger.WarnContext(ctx, "balance drift detected",
			slog.String("user_id", d.UserID),
			slog.Int64("counter", d.Counter),
			slog.Int64("ledger_sum", d.LedgerSum),
			slog.Int64("delta", d.Delta()))
	}
	return drifts, nil
}
