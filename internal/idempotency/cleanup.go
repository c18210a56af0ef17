package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// DefaultExpiry is the default duration after which idempotency keys expire.
const DefaultExpiry = 24 * time.Hour

// CleanupOldKeys removes idempotency keys older than expiry.
// It matches the job signature used by jobs.RunPeriodic.
func CleanupOldKeys(ctx context.Context, repo Repository, expiry time.Duration, logger *slog.Logger) error {
	deleted, err := repo.DeleteOlderThan(ctx, expiry)
	if err != nil {
		return err
	}

	if deleted > 0 {
		logger.InfoContext(ctx, "cleaned up old idempotency keys",
			slog.Int64("deleted", deleted),
			slog.Duration("older_than", expiry))
	}
	return nil
}
