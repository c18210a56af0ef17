package middleware

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RegisterExposesAllFamilies(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	m.IncRateLimitRequests("/create-checkout", "user")
	m.IncRateLimitBlocked("/create-checkout", "user")
	m.IncRateLimitRedisErrors()
	m.IncIdempotentReplays("/services/{id}/pay")
	m.ObserveHTTPRequest("POST", "/payment-events", "200", 0.02, 512, 17)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}
	found := make(map[string]bool)
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, name := range []string{
		MetricRateLimitRequests,
		MetricRateLimitBlocked,
		MetricRateLimitRedisErrors,
		MetricIdempotentReplays,
		MetricHTTPRequestDuration,
		MetricHTTPRequestsTotal,
		MetricHTTPRequestSizeBytes,
		MetricHTTPResponseSizeBytes,
	} {
		if !found[name] {
			t.Errorf("metric %s not found in registry", name)
		}
	}
}

func TestMetrics_RegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := NewMetrics().Register(reg); err != nil {
		t.Fatalf("first Register() failed: %v", err)
	}
	if err := NewMetrics().Register(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestMetrics_RateLimitSeriesPerRouteAndKeyType(t *testing.T) {
	m := NewMetrics()

	m.IncRateLimitRequests("/create-checkout", "user")
	m.IncRateLimitRequests("/create-checkout", "user")
	m.IncRateLimitRequests("/checkout/verify", "ip")
	m.IncRateLimitBlocked("/create-checkout", "user")

	if got := testutil.CollectAndCount(m.rateLimitRequests); got != 2 {
		t.Errorf("expected 2 request series, got %d", got)
	}
	if got := testutil.ToFloat64(m.rateLimitRequests.WithLabelValues("/create-checkout", "user")); got != 2 {
		t.Errorf("create-checkout user checks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rateLimitBlocked.WithLabelValues("/create-checkout", "user")); got != 1 {
		t.Errorf("blocked = %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.IncRateLimitRequests("/x", "ip")
	m.IncRateLimitBlocked("/x", "ip")
	m.IncRateLimitRedisErrors()
	m.IncIdempotentReplays("/x")
	m.ObserveHTTPRequest("GET", "/x", "200", 0, 0, 0)
}
