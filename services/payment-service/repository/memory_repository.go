package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tuitrade/backend/services/payment-service/models"
)

// In-memory repositories back STORE_BACKEND=memory for local runs and service tests.
// Reads and writes go through Clone so callers never share state with the store.

type MemoryOrderRepository struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
}

func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{orders: make(map[string]*models.Order)}
}

func (r *MemoryOrderRepository) Create(_ context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return ErrAlreadyExists
	}
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *MemoryOrderRepository) FindByID(_ context.Context, id string) (*models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (r *MemoryOrderRepository) AttachPaymentIntent(_ context.Context, id, paymentIntentID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.PaymentIntentID = paymentIntentID
	o.UpdatedAt = at
	return nil
}

func (r *MemoryOrderRepository) Transition(_ context.Context, id string, change models.StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return ErrNotFound
	}
	if !models.CanTransition(o.Status, change.To) {
		return transitionError(id, o.Status, change.To)
	}
	o.Apply(change)
	return nil
}

func (r *MemoryOrderRepository) FindStalePending(_ context.Context, createdBefore time.Time, limit int) ([]*models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Order
	for _, o := range r.orders {
		if o.Status == models.OrderStatusPending && o.PaymentIntentID == "" && o.CreatedAt.Before(createdBefore) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type MemoryListingRepository struct {
	mu       sync.RWMutex
	listings map[string]*models.Listing
}

func NewMemoryListingRepository(listings ...*models.Listing) *MemoryListingRepository {
	r := &MemoryListingRepository{listings: make(map[string]*models.Listing)}
	for _, l := range listings {
		r.Put(l)
	}
	return r
}

// Put inserts or replaces a listing.
func (r *MemoryListingRepository) Put(l *models.Listing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listings[l.ID] = l.Clone()
}

func (r *MemoryListingRepository) FindByID(_ context.Context, id string) (*models.Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l.Clone(), nil
}

func (r *MemoryListingRepository) MarkSold(_ context.Context, id, buyerID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[id]
	if !ok {
		return ErrNotFound
	}
	if l.IsSold() {
		return ErrListingAlreadySold
	}
	l.Status = models.ListingStatusSold
	l.SoldAt = &at
	l.SoldTo = buyerID
	return nil
}

type MemorySellerRepository struct {
	mu      sync.RWMutex
	sellers map[string]*models.Seller
}

func NewMemorySellerRepository(sellers ...*models.Seller) *MemorySellerRepository {
	r := &MemorySellerRepository{sellers: make(map[string]*models.Seller)}
	for _, s := range sellers {
		r.Put(s)
	}
	return r
}

func (r *MemorySellerRepository) Put(s *models.Seller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sellers[s.ID] = &cp
}

func (r *MemorySellerRepository) FindByID(_ context.Context, id string) (*models.Seller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sellers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}
