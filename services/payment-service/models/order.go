package models

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusFailed    OrderStatus = "failed"
)

// allowedFrom lists, per target status, the statuses an order may move from.
// Completed is terminal. A failed order can still complete because Stripe lets the
// buyer retry the same PaymentIntent after a declined attempt.
var allowedFrom = map[OrderStatus][]OrderStatus{
	OrderStatusCompleted: {OrderStatusPending, OrderStatusFailed},
	OrderStatusFailed:    {OrderStatusPending},
}

// AllowedFrom returns the statuses from which an order may transition to target.
func AllowedFrom(target OrderStatus) []OrderStatus {
	return allowedFrom[target]
}

// CanTransition reports whether from -> to is a legal order status change.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

type Address struct {
	Line1      string `json:"line1,omitempty" bson:"line1,omitempty" dynamodbav:"line1,omitempty"`
	Line2      string `json:"line2,omitempty" bson:"line2,omitempty" dynamodbav:"line2,omitempty"`
	City       string `json:"city,omitempty" bson:"city,omitempty" dynamodbav:"city,omitempty"`
	PostalCode string `json:"postalCode,omitempty" bson:"postalCode,omitempty" dynamodbav:"postal_code,omitempty"`
	Country    string `json:"country,omitempty" bson:"country,omitempty" dynamodbav:"country,omitempty"`
}

type CustomerDetails struct {
	Name    string   `json:"name,omitempty" bson:"name,omitempty" dynamodbav:"name,omitempty"`
	Email   string   `json:"email" binding:"required,email" bson:"email" dynamodbav:"email"`
	Phone   string   `json:"phone,omitempty" bson:"phone,omitempty" dynamodbav:"phone,omitempty"`
	Address *Address `json:"address,omitempty" bson:"address,omitempty" dynamodbav:"address,omitempty"`
}

// Order links a buyer, a seller, a listing and one payment attempt.
type Order struct {
	ID              string          `json:"id"`
	ItemID          string          `json:"itemId"`
	ItemTitle       string          `json:"itemTitle"`
	SellerID        string          `json:"sellerId"`
	BuyerID         string          `json:"buyerId"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	Status          OrderStatus     `json:"status"`
	PaymentStatus   OrderStatus     `json:"paymentStatus"`
	CustomerDetails CustomerDetails `json:"customerDetails"`
	PaymentIntentID string          `json:"paymentIntentId,omitempty"`
	FailureReason   string          `json:"failureReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	FailedAt        *time.Time      `json:"failedAt,omitempty"`
}

// StatusChange is a guarded transition of both status and paymentStatus.
type StatusChange struct {
	To     OrderStatus
	At     time.Time
	Reason string
}

// IsParty reports whether principal is the buyer or the seller on the order.
func (o *Order) IsParty(principal string) bool {
	return principal != "" && (principal == o.BuyerID || principal == o.SellerID)
}

// Apply mutates the order as a successful StatusChange would.
func (o *Order) Apply(change StatusChange) {
	o.Status = change.To
	o.PaymentStatus = change.To
	o.UpdatedAt = change.At
	at := change.At
	switch change.To {
	case OrderStatusCompleted:
		o.CompletedAt = &at
	case OrderStatusFailed:
		o.FailedAt = &at
		if change.Reason != "" {
			o.FailureReason = change.Reason
		}
	}
}

// Clone returns a deep copy that shares no pointers with o.
func (o *Order) Clone() *Order {
	cp := *o
	if o.CustomerDetails.Address != nil {
		addr := *o.CustomerDetails.Address
		cp.CustomerDetails.Address = &addr
	}
	cp.CompletedAt = cloneTime(o.CompletedAt)
	cp.FailedAt = cloneTime(o.FailedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
