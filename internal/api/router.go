package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/creditledger/internal/idempotency"
	"github.com/onnwee/creditledger/internal/middleware"
)

// RoleAdmin is the role required for operator endpoints.
const RoleAdmin = "admin"

// RouterConfig wires handlers and middleware into the HTTP surface.
type RouterConfig struct {
	Logger      *slog.Logger
	ServiceName string

	// Optional observability. A nil MetricsHandler leaves /metrics unmounted.
	HTTPMetrics    *middleware.Metrics
	MetricsHandler http.Handler
	Tracing        bool

	CORS           middleware.CORSConfig
	RateLimitStore middleware.RateLimitStore
	GlobalLimit    middleware.RateLimitConfig
	CheckoutLimit  middleware.RateLimitConfig

	// TrustProxyHeaders makes the IP limiter read X-Forwarded-For.
	TrustProxyHeaders bool

	TokenValidator  middleware.TokenValidator
	IdempotencyRepo idempotency.Repository

	Webhooks *WebhookHandlers
	Checkout *CheckoutHandlers
	Credits  *CreditHandlers
	Health   *HealthHandlers
}

// NewRouter builds the service's HTTP handler.
//
// Middleware order: RequestID, Logging, Tracing, HTTPMetrics and CORS wrap every
// route. Health checks, metrics and the Stripe webhook sit outside the rate
// limiter; everything else is limited per IP, and checkout routes additionally
// per user.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "creditledger"
	}
	if cfg.RateLimitStore == nil {
		cfg.RateLimitStore = middleware.NewInMemoryRateLimitStore()
	}
	if cfg.GlobalLimit.Validate() != nil {
		cfg.GlobalLimit = middleware.DefaultGlobalLimit()
	}
	if cfg.CheckoutLimit.Validate() != nil {
		cfg.CheckoutLimit = middleware.DefaultCheckoutLimit()
	}
	if cfg.IdempotencyRepo == nil {
		cfg.IdempotencyRepo = idempotency.NewInMemoryRepository()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	if cfg.Tracing {
		r.Use(middleware.Tracing(serviceName))
	}
	if cfg.HTTPMetrics != nil {
		r.Use(middleware.HTTPMetrics(cfg.HTTPMetrics))
	}
	r.Use(middleware.CORS(cfg.CORS))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
	})

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.Health)
		r.Get("/ready", cfg.Health.Ready)
	}
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}
	if cfg.Webhooks != nil {
		r.Post("/payment-events", cfg.Webhooks.HandleStripeWebhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimiter(cfg.RateLimitStore, cfg.GlobalLimit, middleware.IPKeyFunc(cfg.TrustProxyHeaders), cfg.HTTPMetrics))

		if cfg.Credits != nil {
			r.Get("/credit-packages", cfg.Credits.Packages)
			r.Get("/services", cfg.Credits.Services)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(cfg.TokenValidator, logger))

			if cfg.Checkout != nil {
				r.Group(func(r chi.Router) {
					r.Use(middleware.RateLimiter(cfg.RateLimitStore, cfg.CheckoutLimit, middleware.UserKeyFunc(cfg.TrustProxyHeaders), cfg.HTTPMetrics))
					r.Use(middleware.Idempotency(cfg.IdempotencyRepo, cfg.HTTPMetrics, logger))
					r.Post("/create-checkout", cfg.Checkout.CreateCheckout)
					r.Post("/checkout/verify", cfg.Checkout.VerifySession)
				})
				r.Get("/checkout/sessions/{id}", cfg.Checkout.GetSession)
			}

			if cfg.Credits != nil {
				r.Get("/credits/balance", cfg.Credits.Balance)
				r.Get("/credits/transactions", cfg.Credits.Transactions)
				r.With(middleware.Idempotency(cfg.IdempotencyRepo, cfg.HTTPMetrics, logger)).
					Post("/services/{id}/pay", cfg.Credits.PayService)

				r.With(middleware.RequireRole(RoleAdmin)).Post("/admin/credits", cfg.Credits.GrantCredits)
			}
		})
	})

	return r
}
