package services_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/webhook"
	"github.com/tuitrade/backend/services/payment-service/services"
)

const testWebhookSecret = "whsec_test_secret"

func stripeBackend(url string) stripe.Backend {
	return stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(url),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		MaxNetworkRetries: stripe.Int64(0),
	})
}

func TestStripeService_CreatePaymentIntent(t *testing.T) {
	var form url.Values
	var idempotencyKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		idempotencyKey = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","client_secret":"pi_123_secret_abc","amount":5000,"currency":"nzd","status":"requires_payment_method"}`))
	}))
	defer srv.Close()

	svc := services.NewStripeService("sk_test_123", testWebhookSecret, services.WithBackend(stripeBackend(srv.URL)))
	res, err := svc.CreatePaymentIntent(context.Background(), &services.PaymentIntentInput{
		OrderID:      "order-1",
		ItemID:       "item-1",
		ItemTitle:    "Surfboard",
		SellerID:     "seller-1",
		BuyerID:      "buyer-1",
		Amount:       5000,
		Currency:     "nzd",
		ReceiptEmail: "buyer@example.com",
	})

	require.NoError(t, err)
	assert.Equal(t, "pi_123", res.ID)
	assert.Equal(t, "pi_123_secret_abc", res.ClientSecret)
	assert.Equal(t, "order-1", idempotencyKey)
	assert.Equal(t, "5000", form.Get("amount"))
	assert.Equal(t, "nzd", form.Get("currency"))
	assert.Equal(t, "TuiTrade purchase: Surfboard", form.Get("description"))
	assert.Equal(t, "buyer@example.com", form.Get("receipt_email"))
	assert.Equal(t, "true", form.Get("automatic_payment_methods[enabled]"))
	assert.Equal(t, "order-1", form.Get("metadata[orderId]"))
	assert.Equal(t, "item-1", form.Get("metadata[itemId]"))
	assert.Equal(t, "seller-1", form.Get("metadata[sellerId]"))
	assert.Equal(t, "buyer-1", form.Get("metadata[buyerId]"))
}

func TestStripeService_CreatePaymentIntent_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Invalid currency: zzz"}}`))
	}))
	defer srv.Close()

	svc := services.NewStripeService("sk_test_123", testWebhookSecret, services.WithBackend(stripeBackend(srv.URL)))
	_, err := svc.CreatePaymentIntent(context.Background(), &services.PaymentIntentInput{OrderID: "order-1", Amount: 100, Currency: "zzz"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid currency")
}

func TestStripeService_ParseWebhook(t *testing.T) {
	svc := services.NewStripeService("sk_test_123", testWebhookSecret)
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","api_version":"2020-08-27","data":{"object":{"id":"pi_1","object":"payment_intent"}}}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})
	event, err := svc.ParseWebhook(signed.Payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, stripe.EventType("payment_intent.succeeded"), event.Type)

	_, err = svc.ParseWebhook(payload, "t=1,v1=deadbeef")
	assert.Error(t, err)

	wrong := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_other"})
	_, err = svc.ParseWebhook(wrong.Payload, wrong.Header)
	assert.Error(t, err)
}
