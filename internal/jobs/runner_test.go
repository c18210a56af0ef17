package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/onnwee/creditledger/internal/middleware"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunOnce_RecordsOutcome(t *testing.T) {
	m := NewMetrics()
	ctx := context.Background()

	if err := RunOnce(ctx, JobTypeWebhookReplay, func(context.Context) error { return nil }, m, discardLogger()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	boom := errors.New("boom")
	if err := RunOnce(ctx, JobTypeWebhookReplay, func(context.Context) error { return boom }, m, discardLogger()); !errors.Is(err, boom) {
		t.Fatalf("RunOnce() error = %v, want boom", err)
	}
	timeout := func(context.Context) error { return context.DeadlineExceeded }
	_ = RunOnce(ctx, JobTypeWebhookReplay, timeout, m, discardLogger())

	if got := testutil.ToFloat64(m.jobsTotal.WithLabelValues(JobTypeWebhookReplay, StatusSuccess)); got != 1 {
		t.Errorf("success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.jobsTotal.WithLabelValues(JobTypeWebhookReplay, StatusFailure)); got != 2 {
		t.Errorf("failure count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.jobErrors.WithLabelValues(JobTypeWebhookReplay, "timeout")); got != 1 {
		t.Errorf("timeout errors = %v, want 1", got)
	}
}

func TestRunPeriodic_RunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32

	done := make(chan struct{})
	go func() {
		RunPeriodic(ctx, JobTypeIdempotencyCleanup, 10*time.Millisecond, func(context.Context) error {
			if runs.Add(1) == 2 {
				return errors.New("transient")
			}
			return nil
		}, nil, discardLogger())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("job ran %d times before deadline", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunPeriodic did not return after cancel")
	}
}

func TestRunOnce_TagsRunAndLastSuccess(t *testing.T) {
	m := NewMetrics()
	var runID string
	err := RunOnce(context.Background(), JobTypeBalanceReconcile, func(ctx context.Context) error {
		runID = middleware.GetRequestID(ctx)
		return nil
	}, m, nil)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !strings.HasPrefix(runID, JobTypeBalanceReconcile+"-") {
		t.Errorf("run id = %q, want a %s- prefix", runID, JobTypeBalanceReconcile)
	}
	if got := testutil.ToFloat64(m.lastSuccess.WithLabelValues(JobTypeBalanceReconcile)); got < float64(time.Now().Add(-time.Minute).Unix()) {
		t.Errorf("last success = %v, want a recent timestamp", got)
	}
}
