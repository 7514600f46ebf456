package models

import "time"

type ListingStatus string

const (
	ListingStatusAvailable ListingStatus = "available"
	ListingStatusSold      ListingStatus = "sold"
)

// DefaultItemTitle is stored on orders whose listing has no title.
const DefaultItemTitle = "TuiTrade item"

type Listing struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	SellerID string        `json:"sellerId"`
	Status   ListingStatus `json:"status"`
	SoldAt   *time.Time    `json:"soldAt,omitempty"`
	SoldTo   string        `json:"soldTo,omitempty"`
}

func (l *Listing) IsSold() bool {
	return l.Status == ListingStatusSold
}

func (l *Listing) Clone() *Listing {
	cp := *l
	cp.SoldAt = cloneTime(l.SoldAt)
	return &cp
}

// Seller is only ever checked for existence.
type Seller struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}
