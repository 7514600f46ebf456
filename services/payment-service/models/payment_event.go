package models

import "time"

const (
	EventOrderCreated   = "order_created"
	EventOrderCompleted = "order_completed"
	EventOrderFailed    = "order_failed"
)

// OrderEvent is published to SNS whenever an order is created or settled.
type OrderEvent struct {
	Type            string    `json:"type"`
	OrderID         string    `json:"orderId"`
	ItemID          string    `json:"itemId,omitempty"`
	BuyerID         string    `json:"buyerId,omitempty"`
	SellerID        string    `json:"sellerId,omitempty"`
	PaymentIntentID string    `json:"paymentIntentId,omitempty"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Reason          string    `json:"reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
