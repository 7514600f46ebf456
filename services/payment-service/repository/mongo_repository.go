package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tuitrade/backend/services/payment-service/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoOrdersCollection   = "orders"
	mongoListingsCollection = "listings"
	mongoUsersCollection    = "users"
)

// ConnectMongo opens a client and verifies the deployment is reachable.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// --- Orders ---

type MongoOrderRepository struct {
	coll *mongo.Collection
}

func NewMongoOrderRepository(db *mongo.Database) *MongoOrderRepository {
	return &MongoOrderRepository{coll: db.Collection(mongoOrdersCollection)}
}

type mongoOrder struct {
	ID              string                 `bson:"_id"`
	ItemID          string                 `bson:"itemId"`
	ItemTitle       string                 `bson:"itemTitle"`
	SellerID        string                 `bson:"sellerId"`
	BuyerID         string                 `bson:"buyerId"`
	Amount          int64                  `bson:"amount"`
	Currency        string                 `bson:"currency"`
	Status          string                 `bson:"status"`
	PaymentStatus   string                 `bson:"paymentStatus"`
	CustomerDetails models.CustomerDetails `bson:"customerDetails"`
	PaymentIntentID string                 `bson:"paymentIntentId,omitempty"`
	FailureReason   string                 `bson:"failureReason,omitempty"`
	CreatedAt       time.Time              `bson:"createdAt"`
	UpdatedAt       time.Time              `bson:"updatedAt"`
	CompletedAt     *time.Time             `bson:"completedAt,omitempty"`
	FailedAt        *time.Time             `bson:"failedAt,omitempty"`
}

func toMongoOrder(o *models.Order) mongoOrder {
	return mongoOrder{
		ID:              o.ID,
		ItemID:          o.ItemID,
		ItemTitle:       o.ItemTitle,
		SellerID:        o.SellerID,
		BuyerID:         o.BuyerID,
		Amount:          o.Amount,
		Currency:        o.Currency,
		Status:          string(o.Status),
		PaymentStatus:   string(o.PaymentStatus),
		CustomerDetails: o.CustomerDetails,
		PaymentIntentID: o.PaymentIntentID,
		FailureReason:   o.FailureReason,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		CompletedAt:     o.CompletedAt,
		FailedAt:        o.FailedAt,
	}
}

func (m mongoOrder) toModel() *models.Order {
	return &models.Order{
		ID:              m.ID,
		ItemID:          m.ItemID,
		ItemTitle:       m.ItemTitle,
		SellerID:        m.SellerID,
		BuyerID:         m.BuyerID,
		Amount:          m.Amount,
		Currency:        m.Currency,
		Status:          models.OrderStatus(m.Status),
		PaymentStatus:   models.OrderStatus(m.PaymentStatus),
		CustomerDetails: m.CustomerDetails,
		PaymentIntentID: m.PaymentIntentID,
		FailureReason:   m.FailureReason,
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
		CompletedAt:     m.CompletedAt,
		FailedAt:        m.FailedAt,
	}
}

func (r *MongoOrderRepository) Create(ctx context.Context, order *models.Order) error {
	_, err := r.coll.InsertOne(ctx, toMongoOrder(order))
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("mongo insert order: %w", err)
	}
	return nil
}

func (r *MongoOrderRepository) FindByID(ctx context.Context, id string) (*models.Order, error) {
	var doc mongoOrder
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo find order: %w", err)
	}
	return doc.toModel(), nil
}

func (r *MongoOrderRepository) AttachPaymentIntent(ctx context.Context, id, paymentIntentID string, at time.Time) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"paymentIntentId": paymentIntentID,
		"updatedAt":       at,
	}})
	if err != nil {
		return fmt.Errorf("mongo update order: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Transition filters on the allowed source statuses so the write and the guard are one
// server-side operation.
func (r *MongoOrderRepository) Transition(ctx context.Context, id string, change models.StatusChange) error {
	from := models.AllowedFrom(change.To)
	if len(from) == 0 {
		return transitionError(id, "", change.To)
	}
	fromValues := make(bson.A, 0, len(from))
	for _, s := range from {
		fromValues = append(fromValues, string(s))
	}

	set := bson.M{
		"status":        string(change.To),
		"paymentStatus": string(change.To),
		"updatedAt":     change.At,
	}
	switch change.To {
	case models.OrderStatusCompleted:
		set["completedAt"] = change.At
	case models.OrderStatusFailed:
		set["failedAt"] = change.At
		if change.Reason != "" {
			set["failureReason"] = change.Reason
		}
	}

	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": fromValues}},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("mongo update order: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	var current struct {
		Status string `bson:"status"`
	}
	err = r.coll.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"status": 1})).Decode(&current)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mongo find order: %w", err)
	}
	return transitionError(id, models.OrderStatus(current.Status), change.To)
}

func (r *MongoOrderRepository) FindStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Order, error) {
	filter := bson.M{
		"status":          string(models.OrderStatusPending),
		"paymentIntentId": bson.M{"$in": bson.A{nil, ""}},
		"createdAt":       bson.M{"$lt": createdBefore},
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo find stale orders: %w", err)
	}
	defer cur.Close(ctx)

	var out []*models.Order
	for cur.Next(ctx) {
		var doc mongoOrder
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		out = append(out, doc.toModel())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo cursor: %w", err)
	}
	return out, nil
}

// ForEach streams every order in batches. Used by the migration tool.
func (r *MongoOrderRepository) ForEach(ctx context.Context, batchSize int32, fn func(*models.Order) error) error {
	cur, err := r.coll.Find(ctx, bson.M{}, options.Find().SetBatchSize(batchSize))
	if err != nil {
		return fmt.Errorf("mongo find orders: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc mongoOrder
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("decode order: %w", err)
		}
		if err := fn(doc.toModel()); err != nil {
			return err
		}
	}
	return cur.Err()
}

// --- Listings ---

type MongoListingRepository struct {
	coll *mongo.Collection
}

func NewMongoListingRepository(db *mongo.Database) *MongoListingRepository {
	return &MongoListingRepository{coll: db.Collection(mongoListingsCollection)}
}

type mongoListing struct {
	ID       string     `bson:"_id"`
	Title    string     `bson:"title"`
	SellerID string     `bson:"sellerId"`
	Status   string     `bson:"status"`
	SoldAt   *time.Time `bson:"soldAt,omitempty"`
	SoldTo   string     `bson:"soldTo,omitempty"`
}

func (r *MongoListingRepository) FindByID(ctx context.Context, id string) (*models.Listing, error) {
	var doc mongoListing
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo find listing: %w", err)
	}
	return &models.Listing{
		ID:       doc.ID,
		Title:    doc.Title,
		SellerID: doc.SellerID,
		Status:   models.ListingStatus(doc.Status),
		SoldAt:   doc.SoldAt,
		SoldTo:   doc.SoldTo,
	}, nil
}

func (r *MongoListingRepository) MarkSold(ctx context.Context, id, buyerID string, at time.Time) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$ne": string(models.ListingStatusSold)}},
		bson.M{"$set": bson.M{
			"status": string(models.ListingStatusSold),
			"soldAt": at,
			"soldTo": buyerID,
		}},
	)
	if err != nil {
		return fmt.Errorf("mongo update listing: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return ErrListingAlreadySold
}

// --- Sellers ---

type MongoSellerRepository struct {
	coll *mongo.Collection
}

func NewMongoSellerRepository(db *mongo.Database) *MongoSellerRepository {
	return &MongoSellerRepository{coll: db.Collection(mongoUsersCollection)}
}

func (r *MongoSellerRepository) FindByID(ctx context.Context, id string) (*models.Seller, error) {
	var doc struct {
		ID          string `bson:"_id"`
		DisplayName string `bson:"displayName"`
	}
	opts := options.FindOne().SetProjection(bson.M{"displayName": 1})
	err := r.coll.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo find seller: %w", err)
	}
	return &models.Seller{ID: doc.ID, DisplayName: doc.DisplayName}, nil
}
