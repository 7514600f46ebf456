package services

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/paymentintent"
	"github.com/stripe/stripe-go/v80/webhook"
)

// PaymentIntentInput is what the order flow hands to the payment gateway.
type PaymentIntentInput struct {
	OrderID      string
	ItemID       string
	ItemTitle    string
	SellerID     string
	BuyerID      string
	Amount       int64
	Currency     string
	ReceiptEmail string
}

type PaymentIntentResult struct {
	ID           string
	ClientSecret string
}

// PaymentGateway creates payment intents and authenticates webhook deliveries.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, in *PaymentIntentInput) (*PaymentIntentResult, error)
	ParseWebhook(payload []byte, sigHeader string) (stripe.Event, error)
}

type StripeService struct {
	intents    *paymentintent.Client
	webhookKey string
}

type StripeOption func(*StripeService)

// WithBackend routes API calls through b instead of api.stripe.com.
func WithBackend(b stripe.Backend) StripeOption {
	return func(s *StripeService) {
		s.intents.B = b
	}
}

func NewStripeService(secretKey, webhookKey string, opts ...StripeOption) *StripeService {
	s := &StripeService{
		intents:    &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey},
		webhookKey: webhookKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *StripeService) CreatePaymentIntent(ctx context.Context, in *PaymentIntentInput) (*PaymentIntentResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(in.Amount),
		Currency:    stripe.String(in.Currency),
		Description: stripe.String("TuiTrade purchase: " + in.ItemTitle),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if in.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(in.ReceiptEmail)
	}
	params.Context = ctx
	// A retried request for the same order must not create a second intent.
	params.SetIdempotencyKey(in.OrderID)
	params.AddMetadata(MetadataOrderID, in.OrderID)
	params.AddMetadata(MetadataItemID, in.ItemID)
	params.AddMetadata(MetadataSellerID, in.SellerID)
	params.AddMetadata(MetadataBuyerID, in.BuyerID)

	pi, err := s.intents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return &PaymentIntentResult{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *StripeService) ParseWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, s.webhookKey, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// Metadata keys written on every PaymentIntent and read back during settlement.
const (
	MetadataOrderID  = "orderId"
	MetadataItemID   = "itemId"
	MetadataSellerID = "sellerId"
	MetadataBuyerID  = "buyerId"
)
