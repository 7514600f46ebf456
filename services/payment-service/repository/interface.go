package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tuitrade/backend/services/payment-service/models"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrAlreadyExists      = errors.New("record already exists")
	ErrInvalidTransition  = errors.New("invalid order status transition")
	ErrListingAlreadySold = errors.New("listing already sold")
)

// TransitionError reports a guarded status change rejected because of the order's
// current status. It matches ErrInvalidTransition with errors.Is.
type TransitionError struct {
	OrderID string
	From    models.OrderStatus
	To      models.OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for order %s", e.From, e.To, e.OrderID)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// OrderRepository persists orders. Implementations must apply Transition atomically with
// respect to the current status so concurrent webhook deliveries cannot regress an order.
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id string) (*models.Order, error)
	AttachPaymentIntent(ctx context.Context, id, paymentIntentID string, at time.Time) error
	Transition(ctx context.Context, id string, change models.StatusChange) error
	FindStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Order, error)
}

type ListingRepository interface {
	FindByID(ctx context.Context, id string) (*models.Listing, error)
	// MarkSold returns ErrListingAlreadySold when the listing was already sold.
	MarkSold(ctx context.Context, id, buyerID string, at time.Time) error
}

type SellerRepository interface {
	FindByID(ctx context.Context, id string) (*models.Seller, error)
}

// EventLedger remembers which gateway events were processed. A claim is short-lived until
// confirmed, so a delivery that dies mid-settlement cannot block redeliveries for long.
type EventLedger interface {
	// Claim returns false when eventID was already confirmed and ErrEventInProgress while
	// another claim on it is still open.
	Claim(ctx context.Context, eventID string) (bool, error)
	// Confirm marks a claimed eventID as processed for the full retention period.
	Confirm(ctx context.Context, eventID string) error
	// Release forgets eventID so a redelivery is processed again.
	Release(ctx context.Context, eventID string) error
}

func transitionError(id string, from, to models.OrderStatus) error {
	return &TransitionError{OrderID: id, From: from, To: to}
}
