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

// DefaultCreditPriceCents is the price of one credit when a service is paid for
// directly with card instead of with credits ($4.00).
const DefaultCreditPriceCents = 400

// DefaultCurrency is the checkout currency.
const DefaultCurrency = "usd"

// CheckoutKind selects what a checkout session sells.
type CheckoutKind string

const (
	CheckoutPackage CheckoutKind = "package"
	CheckoutService CheckoutKind = "service"
)

// Redirect paths appended to the caller's origin. Stripe substitutes
// {CHECKOUT_SESSION_ID} when redirecting back.
const (
	packageSuccessPath = "/dashboard/creditos/success?session_id={CHECKOUT_SESSION_ID}"
	packageCancelPath  = "/dashboard/creditos"
	serviceSuccessPath = "/dashboard/servicios/success?session_id={CHECKOUT_SESSION_ID}"
	serviceCancelPath  = "/dashboard/servicios"
)

// CheckoutRequest is an authenticated request to open a checkout session.
type CheckoutRequest struct {
	Kind           CheckoutKind
	PackageID      string
	ServiceID      string
	Origin         string
	UserID         string
	Email          string
	IdempotencyKey string
}

// CheckoutResult is the opened session.
type CheckoutResult struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// InitiatorConfig configures pricing and redirect validation.
type InitiatorConfig struct {
	Currency         string
	CreditPriceCents int64
	AllowedOrigins   []string
}

// Initiator opens hosted checkout sessions. It never writes to the ledger: the
// purchase intent travels in the session metadata and comes back on the webhook.
type Initiator struct {
	catalog ledger.Catalog
	client  payment.Client
	cfg     InitiatorConfig
	metrics *Metrics
	logger  *slog.Logger
}

// NewInitiator creates an Initiator. Zero config values fall back to defaults.
func NewInitiator(catalog ledger.Catalog, client payment.Client, cfg InitiatorConfig, metrics *Metrics, logger *slog.Logger) *Initiator {
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if cfg.CreditPriceCents <= 0 {
		cfg.CreditPriceCents = DefaultCreditPriceCents
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Initiator{catalog: catalog, client: client, cfg: cfg, metrics: metrics, logger: logger}
}

// CreateCheckout resolves the requested package or service, prices it and opens
// a Stripe checkout session carrying the purchase intent as metadata.
func (i *Initiator) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if req.UserID == "" {
		return nil, ErrUnauthenticated
	}
	origin, err := validate.ReturnOrigin(req.Origin, i.cfg.AllowedOrigins)
	if err != nil {
		return nil, fmt.Errorf("%w: origin: %w", ErrInvalidRequest, err)
	}

	params, err := i.buildParams(ctx, req, origin)
	if err != nil {
		i.metrics.incCheckout(req.Kind, "rejected")
		return nil, err
	}

	sess, err := i.client.CreateCheckoutSession(ctx, params)
	if err != nil {
		i.metrics.incCheckout(req.Kind, "provider_error")
		i.logger.ErrorContext(ctx, "failed to create checkout session",
			slog.String("user_id", req.UserID),
			slog.String("kind", string(req.Kind)),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrPaymentProvider, err)
	}

	i.metrics.incCheckout(req.Kind, "created")
	i.logger.InfoContext(ctx, "checkout session created",
		slog.String("session_id", sess.ID),
		slog.String("user_id", req.UserID),
		slog.String("kind", string(req.Kind)),
		slog.Int64("amount_cents", params.AmountCents))

	return &CheckoutResult{SessionID: sess.ID, URL: sess.URL}, nil
}

func (i *Initiator) buildParams(ctx context.Context, req CheckoutRequest, origin string) (*payment.CheckoutSessionParams, error) {
	params := &payment.CheckoutSessionParams{
		Currency:       i.cfg.Currency,
		CustomerEmail:  req.Email,
		IdempotencyKey: req.IdempotencyKey,
	}

	switch req.Kind {
	case CheckoutPackage:
		id, err := validate.Identifier(req.PackageID)
		if err != nil {
			return nil, fmt.Errorf("%w: packageId: %w", ErrInvalidRequest, err)
		}
		pkg, err := i.catalog.GetPackage(ctx, id)
		if err != nil {
			return nil, catalogError(err)
		}
		params.ProductName = pkg.Name
		params.Description = fmt.Sprintf("%d credits", pkg.Credits)
		params.AmountCents = pkg.Price
		params.SuccessURL = origin + packageSuccessPath
		params.CancelURL = origin + packageCancelPath
		params.Metadata = ledger.PackagePurchase{
			UserID:    req.UserID,
			PackageID: pkg.ID,
			Credits:   pkg.Credits,
		}.Metadata()

	case CheckoutService:
		id, err := validate.Identifier(req.ServiceID)
		if err != nil {
			return nil, fmt.Errorf("%w: serviceId: %w", ErrInvalidRequest, err)
		}
		svc, err := i.catalog.GetService(ctx, id)
		if err != nil {
			return nil, catalogError(err)
		}
		params.ProductName = svc.Name
		params.Description = svc.Description
		if params.Description == "" {
			params.Description = "Premium service"
		}
		params.AmountCents = svc.Price * i.cfg.CreditPriceCents
		params.SuccessURL = origin + serviceSuccessPath
		params.CancelURL = origin + serviceCancelPath
		params.Metadata = ledger.ServicePurchase{
			UserID:    req.UserID,
			ServiceID: svc.ID,
		}.Metadata()

	default:
		return nil, fmt.Errorf("%w: unknown checkoutType %q", ErrInvalidRequest, req.Kind)
	}

	if params.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: item has no price", ErrInvalidRequest)
	}
	return params, nil
}

func catalogError(err error) error {
	if errors.Is(err, ledger.ErrPackageNotFound) || errors.Is(err, ledger.ErrServiceNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return persistenceError("catalog lookup", err)
}
