package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v80"
	aws_pkg "github.com/tuitrade/backend/pkg/aws"
	apperrors "github.com/tuitrade/backend/services/common/errors"
	"github.com/tuitrade/backend/services/common/logger"
	"github.com/tuitrade/backend/services/payment-service/models"
	"github.com/tuitrade/backend/services/payment-service/repository"
	"go.uber.org/zap"
)

// PaymentService is the order/payment orchestrator behind the HTTP handlers.
// Every returned error is an *apperrors.Error.
type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, principal string, req *models.CreatePaymentIntentRequest) (*models.CreatePaymentIntentResponse, error)
	ParseWebhook(payload []byte, sigHeader string) (stripe.Event, error)
	HandleWebhookEvent(ctx context.Context, event stripe.Event) error
	GetOrder(ctx context.Context, principal, orderID string) (*models.Order, error)
}

// Dependencies wires a PaymentService. Events, Metrics and Now are optional.
type Dependencies struct {
	Orders   repository.OrderRepository
	Listings repository.ListingRepository
	Sellers  repository.SellerRepository
	Ledger   repository.EventLedger
	Gateway  PaymentGateway
	Events   aws_pkg.SNSPublisher
	TopicARN string
	Metrics  aws_pkg.MetricsRecorder
	Logger   *zap.Logger
	Now      func() time.Time
}

type paymentServiceImpl struct {
	orders   repository.OrderRepository
	listings repository.ListingRepository
	sellers  repository.SellerRepository
	ledger   repository.EventLedger
	gateway  PaymentGateway
	events   aws_pkg.SNSPublisher
	topicArn string
	metrics  aws_pkg.MetricsRecorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewPaymentService(deps Dependencies) PaymentService {
	s := &paymentServiceImpl{
		orders:   deps.Orders,
		listings: deps.Listings,
		sellers:  deps.Sellers,
		ledger:   deps.Ledger,
		gateway:  deps.Gateway,
		events:   deps.Events,
		topicArn: deps.TopicARN,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *paymentServiceImpl) CreatePaymentIntent(ctx context.Context, principal string, req *models.CreatePaymentIntentRequest) (*models.CreatePaymentIntentResponse, error) {
	log := logger.FromContext(ctx, s.logger)

	if req.BuyerID != principal {
		log.Warn("Buyer does not match caller",
			zap.String("buyer_id", req.BuyerID),
			zap.String("principal", principal),
		)
		return nil, apperrors.Forbidden("You can only purchase items as yourself")
	}

	listing, err := s.listings.FindByID(ctx, req.ItemID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("Item not found")
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if listing.IsSold() {
		return nil, apperrors.InvalidState("Item is no longer available")
	}

	if _, err := s.sellers.FindByID(ctx, req.SellerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("Seller not found")
		}
		return nil, apperrors.Internal(err)
	}

	title := listing.Title
	if title == "" {
		title = models.DefaultItemTitle
	}
	now := s.now().UTC()
	order := &models.Order{
		ID:              uuid.NewString(),
		ItemID:          req.ItemID,
		ItemTitle:       title,
		SellerID:        req.SellerID,
		BuyerID:         req.BuyerID,
		Amount:          req.Amount,
		Currency:        strings.ToLower(req.Currency),
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.OrderStatusPending,
		CustomerDetails: *req.CustomerDetails,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, apperrors.Internal(fmt.Errorf("create order: %w", err))
	}
	log = log.With(zap.String("order_id", order.ID))

	intent, err := s.gateway.CreatePaymentIntent(ctx, &PaymentIntentInput{
		OrderID:      order.ID,
		ItemID:       order.ItemID,
		ItemTitle:    order.ItemTitle,
		SellerID:     order.SellerID,
		BuyerID:      order.BuyerID,
		Amount:       order.Amount,
		Currency:     order.Currency,
		ReceiptEmail: order.CustomerDetails.Email,
	})
	if err != nil {
		log.Error("Failed to create payment intent", zap.Error(err))
		return nil, apperrors.Internal(err)
	}

	if err := s.orders.AttachPaymentIntent(ctx, order.ID, intent.ID, s.now().UTC()); err != nil {
		log.Error("Failed to attach payment intent", zap.String("payment_intent_id", intent.ID), zap.Error(err))
		return nil, apperrors.Internal(fmt.Errorf("attach payment intent: %w", err))
	}
	order.PaymentIntentID = intent.ID

	log.Info("Order created",
		zap.String("item_id", order.ItemID),
		zap.String("payment_intent_id", intent.ID),
		zap.Int64("amount", order.Amount),
		zap.String("currency", order.Currency),
	)
	s.publish(ctx, models.EventOrderCreated, order, "")
	s.count(ctx, aws_pkg.MetricOrdersCreated)

	return &models.CreatePaymentIntentResponse{
		ClientSecret: intent.ClientSecret,
		OrderID:      order.ID,
	}, nil
}

func (s *paymentServiceImpl) ParseWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	event, err := s.gateway.ParseWebhook(payload, sigHeader)
	if err != nil {
		return event, apperrors.InvalidRequest("Invalid signature", err)
	}
	return event, nil
}

func (s *paymentServiceImpl) GetOrder(ctx context.Context, principal, orderID string) (*models.Order, error) {
	if orderID == "" {
		return nil, apperrors.InvalidRequest("orderId is required", nil)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("Order not found")
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if !order.IsParty(principal) {
		logger.FromContext(ctx, s.logger).Warn("Order read denied",
			zap.String("order_id", orderID),
			zap.String("principal", principal),
		)
		return nil, apperrors.Forbidden("You do not have access to this order")
	}
	return order, nil
}

// publish is best effort: a lost event never fails the request that caused it.
func (s *paymentServiceImpl) publish(ctx context.Context, eventType string, order *models.Order, reason string) {
	if s.events == nil || s.topicArn == "" {
		return
	}
	msg := models.OrderEvent{
		Type:            eventType,
		OrderID:         order.ID,
		ItemID:          order.ItemID,
		BuyerID:         order.BuyerID,
		SellerID:        order.SellerID,
		PaymentIntentID: order.PaymentIntentID,
		Amount:          order.Amount,
		Currency:        order.Currency,
		Reason:          reason,
		Timestamp:       s.now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal order event", zap.Error(err))
		return
	}
	if err := s.events.Publish(ctx, s.topicArn, body); err != nil {
		logger.FromContext(ctx, s.logger).Warn("Failed to publish order event",
			zap.String("type", eventType),
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
	}
}

func (s *paymentServiceImpl) count(ctx context.Context, metric string) {
	if s.metrics == nil || !s.metrics.IsEnabled() {
		return
	}
	if err := s.metrics.RecordCount(ctx, metric, map[string]string{"Service": "payment-service"}); err != nil {
		s.logger.Debug("Failed to record metric", zap.String("metric", metric), zap.Error(err))
	}
}
