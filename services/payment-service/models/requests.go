package models

// CreatePaymentIntentRequest is the checkout body. Binding rejects it before any side effect.
type CreatePaymentIntentRequest struct {
	Amount          int64            `json:"amount" binding:"required,gt=0"`
	Currency        string           `json:"currency" binding:"required,currency"`
	ItemID          string           `json:"itemId" binding:"required"`
	SellerID        string           `json:"sellerId" binding:"required"`
	BuyerID         string           `json:"buyerId" binding:"required"`
	CustomerDetails *CustomerDetails `json:"customerDetails" binding:"required"`
}

type CreatePaymentIntentResponse struct {
	ClientSecret string `json:"clientSecret"`
	OrderID      string `json:"orderId"`
}
