package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestConfig_Validate(t *testing.T) {
	valid := Config{ServiceName: "creditledger", Enabled: true, SamplingRate: 0.5}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"disabled ignores everything", func(c *Config) { c.Enabled = false; c.ServiceName = ""; c.SamplingRate = 9 }, false},
		{"grpc exporter", func(c *Config) { c.ExporterType = ExporterOTLPGRPC }, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"negative rate", func(c *Config) { c.SamplingRate = -0.1 }, true},
		{"rate above one", func(c *Config) { c.SamplingRate = 1.5 }, true},
		{"unknown exporter", func(c *Config) { c.ExporterType = "zipkin" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error %v does not wrap ErrInvalidConfig", err)
			}
		})
	}
}

func TestNewProvider_Disabled(t *testing.T) {
	before := otel.GetTracerProvider()

	p, err := NewProvider(context.Background(), Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.IsEnabled() {
		t.Error("disabled provider reports enabled")
	}
	if otel.GetTracerProvider() != before {
		t.Error("disabled provider must not replace the global tracer provider")
	}
	if p.Tracer("x") == nil {
		t.Error("Tracer() should fall back to the global provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() on disabled provider = %v", err)
	}
}

func TestNewProvider_RejectsInvalidConfig(t *testing.T) {
	if _, err := NewProvider(context.Background(), Config{Enabled: true, ServiceName: "creditledger", ExporterType: "jaeger"}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewProvider() error = %v, want %v", err, ErrInvalidConfig)
	}
}

func TestNewProvider_Exporters(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	for _, exporter := range []string{"", ExporterOTLPHTTP, ExporterOTLPGRPC} {
		t.Run("exporter="+exporter, func(t *testing.T) {
			// Exporters connect lazily, so no collector is needed.
			p, err := NewProvider(context.Background(), Config{
				ServiceName:  "creditledger-test",
				Enabled:      true,
				Environment:  "test",
				ExporterType: exporter,
				OTLPEndpoint: "localhost:4318",
				SamplingRate: 0.25,
				InsecureMode: true,
			}, nil)
			if err != nil {
				t.Fatalf("NewProvider() error = %v", err)
			}
			if !p.IsEnabled() {
				t.Error("expected an enabled provider")
			}
			if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
				t.Error("enabled provider should install itself globally")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, span := p.Tracer("test").Start(ctx, "test-span")
			span.End()
			if err := p.Shutdown(ctx); err != nil {
				t.Logf("shutdown without a collector: %v", err)
			}
		})
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, sdktrace.AlwaysSample().Description()},
		{0.0, sdktrace.NeverSample().Description()},
		{0.1, sdktrace.TraceIDRatioBased(0.1).Description()},
	}
	for _, tt := range tests {
		if got := newSampler(tt.rate).Description(); got != tt.want {
			t.Errorf("newSampler(%v) = %q, want %q", tt.rate, got, tt.want)
		}
	}
}
