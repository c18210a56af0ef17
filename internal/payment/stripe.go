// Package payment provides the Stripe Checkout integration used to sell credits:
// opening hosted checkout sessions, retrieving them for recovery, and verifying
// webhook deliveries.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/creditledger/internal/tracing"
)

var (
	// ErrSessionNotFound is returned when Stripe has no checkout session with the given id.
	ErrSessionNotFound = errors.New("checkout session not found")

	// ErrProvider wraps every other failure talking to Stripe.
	ErrProvider = errors.New("payment provider error")
)

// Checkout session payment statuses as reported by Stripe.
const (
	PaymentStatusPaid              = string(stripe.CheckoutSessionPaymentStatusPaid)
	PaymentStatusUnpaid            = string(stripe.CheckoutSessionPaymentStatusUnpaid)
	PaymentStatusNoPaymentRequired = string(stripe.CheckoutSessionPaymentStatusNoPaymentRequired)
)

// CheckoutSessionParams represents parameters for creating a Checkout Session
// with a single ad-hoc priced line item.
type CheckoutSessionParams struct {
	ProductName    string
	Description    string
	AmountCents    int64
	Currency       string
	SuccessURL     string
	CancelURL      string
	CustomerEmail  string
	Metadata       map[string]string
	IdempotencyKey string
}

// CheckoutSession is the subset of a Stripe checkout session this service reads.
type CheckoutSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url,omitempty"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

// Paid reports whether the session's funds are settled and credits may be granted.
func (s *CheckoutSession) Paid() bool {
	return s.PaymentStatus == PaymentStatusPaid || s.PaymentStatus == PaymentStatusNoPaymentRequired
}

// AwaitingFunds reports whether Stripe explicitly marked the session unpaid,
// as it does for delayed payment methods. A missing status is not unpaid.
func (s *CheckoutSession) AwaitingFunds() bool {
	return s.PaymentStatus == PaymentStatusUnpaid
}

// Client is an interface for Stripe operations to enable testing with mocks.
type Client interface {
	CreateCheckoutSession(ctx context.Context, params *CheckoutSessionParams) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
}

// StripeClient implements the Client interface using the real Stripe SDK.
type StripeClient struct{}

// NewStripeClient creates a new Stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// CreateCheckoutSession creates a payment-mode Checkout Session. Metadata is set on
// both the session and its payment intent so it is visible from either object.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, params *CheckoutSessionParams) (_ *CheckoutSession, err error) {
	ctx, endSpan := tracing.StartPaymentSpan(ctx, "checkout.session.create",
		attribute.Int64("checkout.amount_cents", params.AmountCents))
	defer func() { endSpan(err) }()

	productData := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
		Name: stripe.String(params.ProductName),
	}
	if params.Description != "" {
		productData.Description = stripe.String(params.Description)
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:    stripe.String(params.Currency),
					ProductData: productData,
					UnitAmount:  stripe.Int64(params.AmountCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{},
	}
	sessionParams.Context = ctx
	if params.CustomerEmail != "" {
		sessionParams.CustomerEmail = stripe.String(params.CustomerEmail)
	}
	for k, v := range params.Metadata {
		sessionParams.AddMetadata(k, v)
		sessionParams.PaymentIntentData.AddMetadata(k, v)
	}
	if params.IdempotencyKey != "" {
		sessionParams.SetIdempotencyKey(params.IdempotencyKey)
	}

	sess, err := session.New(sessionParams)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return fromStripeSession(sess), nil
}

// GetCheckoutSession retrieves a Checkout Session by id.
func (c *StripeClient) GetCheckoutSession(ctx context.Context, id string) (_ *CheckoutSession, err error) {
	ctx, endSpan := tracing.StartPaymentSpan(ctx, "checkout.session.get",
		attribute.String("checkout.session_id", id))
	defer func() { endSpan(err) }()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := session.Get(id, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return fromStripeSession(sess), nil
}

func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: %s (%s)", ErrProvider, stripeErr.Msg, stripeErr.Code)
	}
	return fmt.Errorf("%w: %v", ErrProvider, err)
}

func fromStripeSession(s *stripe.CheckoutSession) *CheckoutSession {
	if s == nil {
		return nil
	}
	md := make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		md[k] = v
	}
	return &CheckoutSession{
		ID:            s.ID,
		URL:           s.URL,
		Status:        string(s.Status),
		PaymentStatus: string(s.PaymentStatus),
		AmountTotal:   s.AmountTotal,
		Currency:      string(s.Currency),
		Metadata:      md,
	}
}
