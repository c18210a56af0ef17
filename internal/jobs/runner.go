package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/creditledger/internal/middleware"
)

// Func is one run of a periodic job.
type Func func(ctx context.Context) error

// RunOnce executes fn once and records its duration and outcome. The run gets
// its own correlation id so audit rows it writes can be traced back to it.
func RunOnce(ctx context.Context, jobType string, fn Func, metrics *Metrics, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	runID := jobType + "-" + uuid.NewString()
	ctx = middleware.WithRequestID(ctx, runID)

	start := time.Now()
	err := fn(ctx)
	metrics.ObserveJobDuration(jobType, time.Since(start).Seconds())

	if err != nil {
		metrics.IncJobsTotal(jobType, StatusFailure)
		metrics.IncJobErrors(jobType, classifyError(err))
		logger.ErrorContext(ctx, "background job failed",
			slog.String("job_type", jobType),
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
		return err
	}
	metrics.IncJobsTotal(jobType, StatusSuccess)
	metrics.SetLastSuccess(jobType, float64(time.Now().Unix()))
	return nil
}

// RunPeriodic runs fn every interval until ctx is cancelled. Failed runs are
// logged and counted; the loop keeps going.
func RunPeriodic(ctx context.Context, jobType string, interval time.Duration, fn Func, metrics *Metrics, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.InfoContext(ctx, "background job started",
		slog.String("job_type", jobType),
		slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "background job stopped", slog.String("job_type", jobType))
			return
		case <-ticker.C:
			_ = RunOnce(ctx, jobType, fn, metrics, logger)
		}
	}
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "job_error"
	}
}
