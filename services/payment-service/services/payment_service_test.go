package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v80"
	apperrors "github.com/tuitrade/backend/services/common/errors"
	"github.com/tuitrade/backend/services/payment-service/models"
	"github.com/tuitrade/backend/services/payment-service/repository"
	"github.com/tuitrade/backend/services/payment-service/services"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// --- Fakes ---

type fakeGateway struct {
	inputs   []*services.PaymentIntentInput
	createFn func(in *services.PaymentIntentInput) (*services.PaymentIntentResult, error)
	parseFn  func(payload []byte, sig string) (stripe.Event, error)
}

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, in *services.PaymentIntentInput) (*services.PaymentIntentResult, error) {
	g.inputs = append(g.inputs, in)
	if g.createFn != nil {
		return g.createFn(in)
	}
	return &services.PaymentIntentResult{ID: "pi_" + in.OrderID, ClientSecret: "pi_" + in.OrderID + "_secret"}, nil
}

func (g *fakeGateway) ParseWebhook(payload []byte, sig string) (stripe.Event, error) {
	if g.parseFn != nil {
		return g.parseFn(payload, sig)
	}
	return stripe.Event{}, errors.New("no signature configured")
}

type mockSNSPublisher struct {
	events []models.OrderEvent
}

func (m *mockSNSPublisher) Publish(_ context.Context, _ string, message []byte) error {
	var evt models.OrderEvent
	if err := json.Unmarshal(message, &evt); err != nil {
		return err
	}
	m.events = append(m.events, evt)
	return nil
}

func (m *mockSNSPublisher) types() []string {
	var out []string
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

// flakyOrders fails the next Transition call with failNext. Like a network-backed store it
// also fails once ctx is done; onTransition runs first and only once.
type flakyOrders struct {
	repository.OrderRepository
	failNext     error
	onTransition func()
}

func (f *flakyOrders) Transition(ctx context.Context, id string, change models.StatusChange) error {
	if hook := f.onTransition; hook != nil {
		f.onTransition = nil
		hook()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	return f.OrderRepository.Transition(ctx, id, change)
}

// flakyListings fails the next MarkSold call with failNext.
type flakyListings struct {
	*repository.MemoryListingRepository
	failNext error
}

func (f *flakyListings) MarkSold(ctx context.Context, id, buyerID string, at time.Time) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	return f.MemoryListingRepository.MarkSold(ctx, id, buyerID, at)
}

// ctxLedger rejects calls on a done context, as the Redis client does.
type ctxLedger struct {
	repository.EventLedger
}

func (l ctxLedger) Claim(ctx context.Context, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return l.EventLedger.Claim(ctx, eventID)
}

func (l ctxLedger) Confirm(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.EventLedger.Confirm(ctx, eventID)
}

func (l ctxLedger) Release(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.EventLedger.Release(ctx, eventID)
}

// --- Helpers ---

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	svc      services.PaymentService
	orders   *repository.MemoryOrderRepository
	flaky    *flakyOrders
	listings *repository.MemoryListingRepository
	flakyLst *flakyListings
	ledger   repository.EventLedger
	gateway  *fakeGateway
	sns      *mockSNSPublisher
	logs     *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	h := &harness{
		orders: repository.NewMemoryOrderRepository(),
		listings: repository.NewMemoryListingRepository(&models.Listing{
			ID:       "it1",
			Title:    "Surfboard",
			SellerID: "s1",
			Status:   models.ListingStatusAvailable,
		}),
		gateway: &fakeGateway{},
		sns:     &mockSNSPublisher{},
		logs:    logs,
	}
	h.flaky = &flakyOrders{OrderRepository: h.orders}
	h.flakyLst = &flakyListings{MemoryListingRepository: h.listings}
	h.ledger = ctxLedger{repository.NewMemoryEventLedger(time.Minute, time.Hour)}
	h.svc = services.NewPaymentService(services.Dependencies{
		Orders:   h.flaky,
		Listings: h.flakyLst,
		Sellers:  repository.NewMemorySellerRepository(&models.Seller{ID: "s1", DisplayName: "Sam"}),
		Ledger:   h.ledger,
		Gateway:  h.gateway,
		Events:   h.sns,
		TopicARN: "arn:aws:sns:ap-southeast-2:000000000000:order-events",
		Logger:   zap.New(core),
		Now:      func() time.Time { return fixedNow },
	})
	return h
}

func validRequest() *models.CreatePaymentIntentRequest {
	return &models.CreatePaymentIntentRequest{
		Amount:          5000,
		Currency:        "nzd",
		ItemID:          "it1",
		SellerID:        "s1",
		BuyerID:         "b1",
		CustomerDetails: &models.CustomerDetails{Email: "a@b.co"},
	}
}

// storedPending returns pending orders with no intent attached.
func (h *harness) storedPending(t *testing.T) []*models.Order {
	t.Helper()
	orders, err := h.orders.FindStalePending(context.Background(), fixedNow.Add(time.Hour), 0)
	require.NoError(t, err)
	return orders
}

func (h *harness) createOrder(t *testing.T) string {
	t.Helper()
	resp, err := h.svc.CreatePaymentIntent(context.Background(), "b1", validRequest())
	require.NoError(t, err)
	return resp.OrderID
}

func intentEvent(id, eventType string, metadata map[string]string, failure string) stripe.Event {
	pi := map[string]interface{}{
		"id":       "pi_test",
		"object":   "payment_intent",
		"metadata": metadata,
	}
	if failure != "" {
		pi["last_payment_error"] = map[string]interface{}{"message": failure}
	}
	raw, _ := json.Marshal(pi)
	return stripe.Event{ID: id, Type: stripe.EventType(eventType), Data: &stripe.EventData{Raw: raw}}
}

func succeeded(id, orderID string) stripe.Event {
	return intentEvent(id, "payment_intent.succeeded", map[string]string{
		"orderId": orderID, "itemId": "it1", "sellerId": "s1", "buyerId": "b1",
	}, "")
}

func failed(id, orderID, reason string) stripe.Event {
	return intentEvent(id, "payment_intent.payment_failed", map[string]string{"orderId": orderID}, reason)
}

// --- CreatePaymentIntent ---

func TestService_CreatePaymentIntent_Success(t *testing.T) {
	h := newHarness(t)

	resp, err := h.svc.CreatePaymentIntent(context.Background(), "b1", validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ClientSecret)
	assert.NotEmpty(t, resp.OrderID)

	order, err := h.orders.FindByID(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), order.Amount)
	assert.Equal(t, "nzd", order.Currency)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, models.OrderStatusPending, order.PaymentStatus)
	assert.Equal(t, "Surfboard", order.ItemTitle)
	assert.Equal(t, "pi_"+resp.OrderID, order.PaymentIntentID)
	assert.Equal(t, "a@b.co", order.CustomerDetails.Email)
	assert.True(t, order.CreatedAt.Equal(fixedNow))

	require.Len(t, h.gateway.inputs, 1)
	in := h.gateway.inputs[0]
	assert.Equal(t, resp.OrderID, in.OrderID)
	assert.Equal(t, "it1", in.ItemID)
	assert.Equal(t, "s1", in.SellerID)
	assert.Equal(t, "b1", in.BuyerID)
	assert.Equal(t, "a@b.co", in.ReceiptEmail)

	assert.Equal(t, []string{models.EventOrderCreated}, h.sns.types())
}

func TestService_CreatePaymentIntent_LowercasesCurrency(t *testing.T) {
	h := newHarness(t)
	req := validRequest()
	req.Currency = "NZD"

	resp, err := h.svc.CreatePaymentIntent(context.Background(), "b1", req)
	require.NoError(t, err)

	order, _ := h.orders.FindByID(context.Background(), resp.OrderID)
	assert.Equal(t, "nzd", order.Currency)
	assert.Equal(t, "nzd", h.gateway.inputs[0].Currency)
}

func TestService_CreatePaymentIntent_DefaultTitle(t *testing.T) {
	h := newHarness(t)
	h.listings.Put(&models.Listing{ID: "it1", SellerID: "s1", Status: models.ListingStatusAvailable})

	resp, err := h.svc.CreatePaymentIntent(context.Background(), "b1", validRequest())
	require.NoError(t, err)

	order, _ := h.orders.FindByID(context.Background(), resp.OrderID)
	assert.Equal(t, models.DefaultItemTitle, order.ItemTitle)
}

func TestService_CreatePaymentIntent_BuyerMismatch(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreatePaymentIntent(context.Background(), "someone-else", validRequest())
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	assert.Empty(t, h.gateway.inputs)
	assert.Empty(t, h.storedPending(t))
}

func TestService_CreatePaymentIntent_ListingSold(t *testing.T) {
	h := newHarness(t)
	h.listings.Put(&models.Listing{ID: "it1", SellerID: "s1", Status: models.ListingStatusSold, SoldTo: "b9"})

	_, err := h.svc.CreatePaymentIntent(context.Background(), "b1", validRequest())
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.Equal(t, 400, apperrors.From(err).Code)
	assert.Empty(t, h.gateway.inputs)
	assert.Empty(t, h.storedPending(t))
}

func TestService_CreatePaymentIntent_NotFound(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.CreatePaymentIntentRequest)
		msg    string
	}{
		{"missing listing", func(r *models.CreatePaymentIntentRequest) { r.ItemID = "ghost" }, "Item not found"},
		{"missing seller", func(r *models.CreatePaymentIntentRequest) { r.SellerID = "ghost" }, "Seller not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := validRequest()
			tt.mutate(req)

			_, err := h.svc.CreatePaymentIntent(context.Background(), "b1", req)
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
			assert.Equal(t, tt.msg, apperrors.From(err).Message)
			assert.Empty(t, h.storedPending(t))
		})
	}
}

func TestService_CreatePaymentIntent_GatewayError(t *testing.T) {
	h := newHarness(t)
	h.gateway.createFn = func(*services.PaymentIntentInput) (*services.PaymentIntentResult, error) {
		return nil, errors.New("stripe unavailable")
	}

	_, err := h.svc.CreatePaymentIntent(context.Background(), "b1", validRequest())
	require.ErrorIs(t, err, apperrors.ErrInternal)
	assert.Equal(t, "stripe unavailable", apperrors.From(err).Body()["message"])

	// the order stays pending with no intent until the reconciler fails it
	assert.Len(t, h.storedPending(t), 1)
	assert.Empty(t, h.sns.events)
}

// --- Webhook settlement ---

func TestService_Webhook_Succeeded(t *testing.T) {
	h := newHarness(t)
	orderID := h.createOrder(t)

	require.NoError(t, h.svc.HandleWebhookEvent(context.Background(), succeeded("evt_1", orderID)))

	order, _ := h.orders.FindByID(context.Background(), orderID)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	assert.Equal(t, models.OrderStatusCompleted, order.PaymentStatus)
	require.NotNil(t, order.CompletedAt)

	listing, _ := h.listings.FindByID(context.Background(), "it1")
	assert.Equal(t, models.ListingStatusSold, listing.Status)
	assert.Equal(t, "b1", listing.SoldTo)
	require.NotNil(t, listing.SoldAt)

	assert.Equal(t, []string{models.EventOrderCreated, models.EventOrderCompleted}, h.sns.types())
}

func TestService_Webhook_SucceededRedelivered(t *testing.T) {
	h := newHarness(t)
	orderID := h.createOrder(t)

	require.NoError(t, h.svc.HandleWebhookEvent(context.Background(), succeeded("evt_1", orderID)))
	require.NoError(t, h.svc.HandleWebhookEvent(context.Background(), succeeded("evt_2", orderID)))

	order, _ := h.orders.FindByID(context.Background(), orderID)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	listing, _ := h.listings.FindByID(context.Background(), "it1")
	assert.Equal(t, "b1", listing.SoldTo)
	assert.Equal(t, []string{models.EventOrderCreated, models.EventOrderCompleted}, h.sns.types())
	assert.Equal(t, 1, h.logs.FilterMessage("Order already completed, re-applying listing update").Len())
}

func TestService_Webhook_DuplicateEventID(t *testing.T) {
	h := newHarness(t)
	orderID := h.createOrder(t)

	require.NoError(t, h.svc.HandleWebhookEvent(context.Background(), succeeded("evt_1", orderID)))
	require.NoError(t, h.svc.HandleWebhookEvent(context.Background(), succeeded("evt_1", orderID)))

	assert.Equal(t, 1, h.logs.FilterMessage("Duplicate webhook event, skipping").Len())
	assert.Equal(t, 0, h.logs.FilterMessage("Order already completed, re-applying listing update").Len())
}

func TestService_Webhook_Failed(t *testing.T) {
	h := newHarness(t)
	orderID := h.createOrder(t)

	require.NoError(t, h.svc.HandleWebhookEvent(context.Background(), failed("evt_1", orderID, "Your card was declined.")))

	order, _ := h.orders.FindByID(context.Background(), orderID)
	assert.Equal(t, models.OrderStatusFailed, order.Status)
	assert.Equal(t, models.OrderStatusFailed, order.PaymentStatus)
	assert.Equal(t, "Your card was declined.", order.FailureReason)
	require.NotNil(t, order.FailedAt)

	listing, _ := h.listings.FindByID(context.Background(), "it1")
	assert.Equal(t, models.ListingStatusAvailable, listing.Status)
	assert.Empty(t, listing.SoldTo)

	require.Len(t, h.sns.events, 2)
	assert.Equal(t, models.EventOrderFailed, h.sns.events[1].Type)
	assert.Equal(t, "Your card was declined.", h.sns.events[1].Reason)
}

func TestService_Webhook_FailedAfterCompleted(t *testing.T) {
	h := newHarness(t)
	orderID := h.createOrder(t)

	require.NoError(t, h.svc.HandleWebhookEvent(context.Background(), succeeded("evt_1", orderID)))
	require.NoError(t, h.svc.HandleWebhookEvent(context.Background(), failed("evt_0", orderID, "stale")))

	order, _ := h.orders.FindByID(context.Background(), orderID)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	assert.Equal(t, models.OrderStatusCompleted, order.PaymentStatus)
	assert.Empty(t, order.FailureReason)
	assert.Equal(t, 1, h.logs.FilterMessage("Ignoring payment failure for completed order").Len())
}

func TestService_Webhook_SucceededAfterFailed(t *testing.T) {
	h := newHarness(t)
	orderID := h.createOrder(t)

	require.NoError(t, h.svc.HandleWebhookEvent(context.Background(), failed("evt_1", orderID, "declined")))
	require.NoError(t, h.svc.HandleWebhookEvent(context.Background(), succeeded("evt_2", orderID)))

	order, _ := h.orders.FindByID(context.Background(), orderID)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	listing, _ := h.listings.FindByID(context.Background(), "it1")
	assert.Equal(t, models.ListingStatusSold, listing.Status)
}

func TestService_Webhook_ListingSoldToAnotherBuyer(t *testing.T) {
	h := newHarness(t)
	orderID := h.createOrder(t)
	h.listings.Put(&models.Listing{ID: "it1", SellerID: "s1", Status: models.ListingStatusSold, SoldTo: "b2"})

	require.NoError(t, h.svc.HandleWebhookEvent(context.Background(), succeeded("evt_1", orderID)))

	listing, _ := h.listings.FindByID(context.Background(), "it1")
	assert.Equal(t, "b2", listing.SoldTo)
	assert.Equal(t, 1, h.logs.FilterMessage("Listing already sold to another buyer").Len())
}

func TestService_Webhook_AckedWithoutChanges(t *testing.T) {
	tests := []struct {
		name  string
		event stripe.Event
		log   string
	}{
		{
			name:  "succeeded without order id",
			event: intentEvent("evt_1", "payment_intent.succeeded", map[string]string{"itemId": "it1"}, ""),
			log:   "Payment intent missing order metadata",
		},
		{
			name:  "succeeded without item id",
			event: intentEvent("evt_1", "payment_intent.succeeded", map[string]string{"orderId": "o1"}, ""),
			log:   "Payment intent missing order metadata",
		},
		{
			name:  "failed without order id",
			event: intentEvent("evt_1", "payment_intent.payment_failed", nil, "declined"),
			log:   "Payment intent missing order metadata",
		},
		{
			name:  "succeeded for unknown order",
			event: succeeded("evt_1", "ghost"),
			log:   "Payment succeeded for unknown order",
		},
		{
			name:  "failed for unknown order",
			event: failed("evt_1", "ghost", "declined"),
			log:   "Payment failed for unknown order",
		},
		{
			name:  "unrelated event type",
			event: intentEvent("evt_1", "charge.refunded", nil, ""),
			log:   "Ignoring webhook event",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			assert.NoError(t, h.svc.HandleWebhookEvent(context.Background(), tt.event))
			assert.Equal(t, 1, h.logs.FilterMessage(tt.log).Len())

			listing, _ := h.listings.FindByID(context.Background(), "it1")
			assert.Equal(t, models.ListingStatusAvailable, listing.Status)
			assert.Empty(t, h.sns.events)
		})
	}
}

func TestService_Webhook_StoreErrorReleasesClaim(t *testing.T) {
	h := newHarness(t)
	orderID := h.createOrder(t)
	h.flaky.failNext = errors.New("ProvisionedThroughputExceededException")

	err := h.svc.HandleWebhookEvent(context.Background(), succeeded("evt_1", orderID))
	require.Error(t, err)
	appErr := apperrors.From(err)
	assert.Equal(t, 500, appErr.Code)
	assert.Equal(t, "Webhook handler failed", appErr.Body()["error"])

	order, _ := h.orders.FindByID(context.Background(), orderID)
	assert.Equal(t, models.OrderStatusPending, order.Status)

	// the gateway redelivers the same event id
	require.NoError(t, h.svc.HandleWebhookEvent(context.Background(), succeeded("evt_1", orderID)))
	order, _ = h.orders.FindByID(context.Background(), orderID)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
}

func TestService_Webhook_CancelledDeliveryIsRedelivered(t *testing.T) {
	h := newHarness(t)
	orderID := h.createOrder(t)

	// the caller goes away after the claim, mid-settlement
	ctx, cancel := context.WithCancel(context.Background())
	h.flaky.onTransition = cancel

	err := h.svc.HandleWebhookEvent(ctx, succeeded("evt_1", orderID))
	require.Error(t, err)
	assert.Equal(t, 500, apperrors.From(err).Code)
	assert.Equal(t, 0, h.logs.FilterMessage("Failed to release webhook event claim").Len())

	require.NoError(t, h.svc.HandleWebhookEvent(context.Background(), succeeded("evt_1", orderID)))
	assert.Equal(t, 0, h.logs.FilterMessage("Duplicate webhook event, skipping").Len())

	order, _ := h.orders.FindByID(context.Background(), orderID)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	listing, _ := h.listings.FindByID(context.Background(), "it1")
	assert.Equal(t, "b1", listing.SoldTo)
	assert.Equal(t, []string{models.EventOrderCreated, models.EventOrderCompleted}, h.sns.types())

	// settled deliveries are confirmed
	require.NoError(t, h.svc.HandleWebhookEvent(context.Background(), succeeded("evt_1", orderID)))
	assert.Equal(t, 1, h.logs.FilterMessage("Duplicate webhook event, skipping").Len())
}

func TestService_Webhook_InProgressEventIsRetried(t *testing.T) {
	h := newHarness(t)
	orderID := h.createOrder(t)

	claimed, err := h.ledger.Claim(context.Background(), "evt_1")
	require.NoError(t, err)
	require.True(t, claimed)

	err = h.svc.HandleWebhookEvent(context.Background(), succeeded("evt_1", orderID))
	require.Error(t, err)
	assert.Equal(t, 500, apperrors.From(err).Code)
	assert.Equal(t, 1, h.logs.FilterMessage("Webhook event already in progress, asking for redelivery").Len())

	order, _ := h.orders.FindByID(context.Background(), orderID)
	assert.Equal(t, models.OrderStatusPending, order.Status)

	// the other delivery's claim is left alone
	_, err = h.ledger.Claim(context.Background(), "evt_1")
	assert.ErrorIs(t, err, repository.ErrEventInProgress)
}

func TestService_Webhook_ListingErrorKeepsCompletionEvent(t *testing.T) {
	h := newHarness(t)
	orderID := h.createOrder(t)
	h.flakyLst.failNext = errors.New("ProvisionedThroughputExceededException")

	err := h.svc.HandleWebhookEvent(context.Background(), succeeded("evt_1", orderID))
	require.Error(t, err)

	order, _ := h.orders.FindByID(context.Background(), orderID)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	listing, _ := h.listings.FindByID(context.Background(), "it1")
	assert.Equal(t, models.ListingStatusAvailable, listing.Status)

	require.NoError(t, h.svc.HandleWebhookEvent(context.Background(), succeeded("evt_1", orderID)))

	listing, _ = h.listings.FindByID(context.Background(), "it1")
	assert.Equal(t, "b1", listing.SoldTo)
	assert.Equal(t, []string{models.EventOrderCreated, models.EventOrderCompleted}, h.sns.types())
	assert.Equal(t, orderID, h.sns.events[1].OrderID)
}

func TestService_ParseWebhook_InvalidSignature(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.ParseWebhook([]byte(`{}`), "t=1,v1=bad")
	require.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	assert.Equal(t, "Invalid signature", apperrors.From(err).Message)
}

// --- GetOrder ---

func TestService_GetOrder(t *testing.T) {
	h := newHarness(t)
	orderID := h.createOrder(t)

	for _, principal := range []string{"b1", "s1"} {
		order, err := h.svc.GetOrder(context.Background(), principal, orderID)
		require.NoError(t, err, principal)
		assert.Equal(t, orderID, order.ID)
	}

	_, err := h.svc.GetOrder(context.Background(), "stranger", orderID)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = h.svc.GetOrder(context.Background(), "b1", "ghost")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = h.svc.GetOrder(context.Background(), "b1", "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}
