package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// counterLabels returns the label sets recorded for http_requests_total.
func counterLabels(t *testing.T, reg *prometheus.Registry) []map[string]string {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}
	var out []map[string]string
	for _, mf := range families {
		if mf.GetName() != MetricHTTPRequestsTotal {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out = append(out, labels)
		}
	}
	return out
}

func TestHTTPMetrics_UsesChiRoutePattern(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	r := chi.NewRouter()
	r.Use(HTTPMetrics(m))
	r.Get("/checkout/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"cs_1", "cs_2", "cs_3"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/checkout/sessions/"+id, nil))
	}

	labels := counterLabels(t, reg)
	if len(labels) != 1 {
		t.Fatalf("expected one label set, got %d: %v", len(labels), labels)
	}
	if labels[0]["path"] != "/checkout/sessions/{id}" {
		t.Errorf("path label = %q, want /checkout/sessions/{id}", labels[0]["path"])
	}
	if labels[0]["status"] != "200" {
		t.Errorf("status label = %q, want 200", labels[0]["status"])
	}
}

func TestHTTPMetrics_ExcludesHealth(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ready", nil))

	if labels := counterLabels(t, reg); len(labels) != 0 {
		t.Errorf("expected no metrics for health checks, got %v", labels)
	}
}

func TestHTTPMetrics_RecordsSizes(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("12345"))
		_, _ = w.Write([]byte("67890"))
	}))
	body := `{"packageId":"p1"}`
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/create-checkout", strings.NewReader(body)))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}
	var resp, req *dto.Histogram
	for _, mf := range families {
		switch mf.GetName() {
		case MetricHTTPResponseSizeBytes:
			resp = mf.GetMetric()[0].GetHistogram()
		case MetricHTTPRequestSizeBytes:
			req = mf.GetMetric()[0].GetHistogram()
		}
	}
	if resp == nil || resp.GetSampleSum() != 10 {
		t.Errorf("response size sum = %v, want 10", resp.GetSampleSum())
	}
	if req == nil || req.GetSampleSum() != float64(len(body)) {
		t.Errorf("request size sum = %v, want %d", req.GetSampleSum(), len(body))
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/payment-events", "/payment-events"},
		{"/create-checkout", "/create-checkout"},
		{"/credits/transactions", "/credits/transactions"},
		{"/checkout/sessions/cs_test_abc", "/checkout/sessions/{id}"},
		{"/services/svc-1/pay", "/services/{id}/pay"},
		{"/services/svc-1", "other"},
		{"/wp-login.php", "other"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := normalizePath(tt.path); got != tt.want {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsResponseWriter_WriteHeaderOnce(t *testing.T) {
	mrw := newMetricsResponseWriter(httptest.NewRecorder())
	mrw.WriteHeader(http.StatusCreated)
	mrw.WriteHeader(http.StatusInternalServerError) // Should be ignored

	if mrw.statusCode != http.StatusCreated {
		t.Errorf("statusCode = %d, want %d", mrw.statusCode, http.StatusCreated)
	}
}
