package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v80"
	aws_pkg "github.com/tuitrade/backend/pkg/aws"
	apperrors "github.com/tuitrade/backend/services/common/errors"
	"github.com/tuitrade/backend/services/common/logger"
	"github.com/tuitrade/backend/services/payment-service/models"
	"github.com/tuitrade/backend/services/payment-service/repository"
	"go.uber.org/zap"
)

const (
	eventPaymentIntentSucceeded = "payment_intent.succeeded"
	eventPaymentIntentFailed    = "payment_intent.payment_failed"

	ledgerTimeout = 5 * time.Second
)

// HandleWebhookEvent settles an order from a verified gateway event. Returning nil acks the
// delivery; an error makes the gateway redeliver, so only retryable failures return one.
func (s *paymentServiceImpl) HandleWebhookEvent(ctx context.Context, event stripe.Event) error {
	log := logger.FromContext(ctx, s.logger).With(
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)

	eventType := string(event.Type)
	if eventType != eventPaymentIntentSucceeded && eventType != eventPaymentIntentFailed {
		log.Debug("Ignoring webhook event")
		return nil
	}

	claimed := false
	if s.ledger != nil && event.ID != "" {
		ok, err := s.ledger.Claim(ctx, event.ID)
		switch {
		case errors.Is(err, repository.ErrEventInProgress):
			log.Info("Webhook event already in progress, asking for redelivery")
			return webhookFailed(err)
		case err != nil:
			return webhookFailed(err)
		case !ok:
			log.Info("Duplicate webhook event, skipping")
			s.count(ctx, aws_pkg.MetricWebhookDuplicates)
			return nil
		}
		claimed = true
	}

	var err error
	switch eventType {
	case eventPaymentIntentSucceeded:
		err = s.settleSucceeded(ctx, log, event)
	case eventPaymentIntentFailed:
		err = s.settleFailed(ctx, log, event)
	}
	if err != nil {
		log.Error("Webhook handler failed", zap.Error(err))
	}
	if claimed {
		s.finishClaim(ctx, log, event.ID, err == nil)
	}
	if err != nil {
		return webhookFailed(err)
	}
	return nil
}

// finishClaim confirms or releases a claimed event. It runs detached from the request
// context so a cancelled delivery still releases its claim.
func (s *paymentServiceImpl) finishClaim(ctx context.Context, log *zap.Logger, eventID string, settled bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()

	if settled {
		if err := s.ledger.Confirm(ctx, eventID); err != nil {
			log.Warn("Failed to confirm webhook event", zap.Error(err))
		}
		return
	}
	if err := s.ledger.Release(ctx, eventID); err != nil {
		log.Warn("Failed to release webhook event claim", zap.Error(err))
	}
}

func webhookFailed(err error) error {
	return apperrors.New(apperrors.KindInternal, "Webhook handler failed", err)
}

func decodeIntent(event stripe.Event) (*stripe.PaymentIntent, error) {
	if event.Data == nil {
		return nil, errors.New("event has no data")
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	return &pi, nil
}

func (s *paymentServiceImpl) settleSucceeded(ctx context.Context, log *zap.Logger, event stripe.Event) error {
	pi, err := decodeIntent(event)
	if err != nil {
		log.Error("Malformed payment intent payload", zap.Error(err))
		return nil
	}
	orderID := pi.Metadata[MetadataOrderID]
	itemID := pi.Metadata[MetadataItemID]
	buyerID := pi.Metadata[MetadataBuyerID]
	log = log.With(zap.String("order_id", orderID), zap.String("payment_intent_id", pi.ID))
	if orderID == "" || itemID == "" {
		log.Warn("Payment intent missing order metadata", zap.String("item_id", itemID))
		return nil
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("Payment succeeded for unknown order")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	if buyerID == "" {
		buyerID = order.BuyerID
	}

	// Publish right after the transition; a redelivery that finds the order completed
	// re-applies the listing update without publishing again.
	change := models.StatusChange{To: models.OrderStatusCompleted, At: s.now().UTC()}
	err = s.orders.Transition(ctx, orderID, change)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		log.Warn("Payment succeeded for unknown order")
		return nil
	case errors.Is(err, repository.ErrInvalidTransition):
		// completed is the only status that cannot move to completed
		log.Info("Order already completed, re-applying listing update")
	case err != nil:
		return fmt.Errorf("complete order %s: %w", orderID, err)
	default:
		order.Apply(change)
		log.Info("Order completed", zap.String("item_id", itemID), zap.String("buyer_id", buyerID))
		s.publish(ctx, models.EventOrderCompleted, order, "")
		s.count(ctx, aws_pkg.MetricPaymentSucceeded)
	}

	err = s.listings.MarkSold(ctx, itemID, buyerID, change.At)
	switch {
	case errors.Is(err, repository.ErrListingAlreadySold):
		listing, ferr := s.listings.FindByID(ctx, itemID)
		if ferr != nil {
			return fmt.Errorf("load listing %s: %w", itemID, ferr)
		}
		if listing.SoldTo != buyerID {
			log.Error("Listing already sold to another buyer",
				zap.String("item_id", itemID),
				zap.String("sold_to", listing.SoldTo),
				zap.String("buyer_id", buyerID),
			)
		}
	case errors.Is(err, repository.ErrNotFound):
		log.Error("Listing not found for settled order", zap.String("item_id", itemID))
	case err != nil:
		return fmt.Errorf("mark listing %s sold: %w", itemID, err)
	default:
		s.count(ctx, aws_pkg.MetricListingsSold)
	}
	return nil
}

func (s *paymentServiceImpl) settleFailed(ctx context.Context, log *zap.Logger, event stripe.Event) error {
	pi, err := decodeIntent(event)
	if err != nil {
		log.Error("Malformed payment intent payload", zap.Error(err))
		return nil
	}
	orderID := pi.Metadata[MetadataOrderID]
	log = log.With(zap.String("order_id", orderID), zap.String("payment_intent_id", pi.ID))
	if orderID == "" {
		log.Warn("Payment intent missing order metadata")
		return nil
	}

	reason := ""
	if pi.LastPaymentError != nil {
		reason = pi.LastPaymentError.Msg
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("Payment failed for unknown order")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}

	change := models.StatusChange{To: models.OrderStatusFailed, At: s.now().UTC(), Reason: reason}
	err = s.orders.Transition(ctx, orderID, change)
	var te *repository.TransitionError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		log.Warn("Payment failed for unknown order")
		return nil
	case errors.As(err, &te):
		if te.From == models.OrderStatusCompleted {
			log.Warn("Ignoring payment failure for completed order")
		} else {
			log.Info("Order already failed")
		}
		return nil
	case err != nil:
		return fmt.Errorf("fail order %s: %w", orderID, err)
	}

	order.Apply(change)
	log.Info("Order failed", zap.String("reason", reason))
	s.publish(ctx, models.EventOrderFailed, order, reason)
	s.count(ctx, aws_pkg.MetricPaymentFailed)
	return nil
}
