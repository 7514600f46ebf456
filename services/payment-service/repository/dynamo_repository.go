package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/tuitrade/backend/services/payment-service/models"
)

// DynamoAPI is the subset of *dynamodb.Client the repositories use.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Timestamps are stored as fixed-width UTC strings so they compare lexicographically.
const ddbTimeLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(ddbTimeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// parseTime also accepts RFC3339 for items written before the fixed-width layout.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(ddbTimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Orders ---

// DynamoOrderRepository stores orders in a table keyed by `order_id` (string).
type DynamoOrderRepository struct {
	client DynamoAPI
	table  string
}

func NewDynamoOrderRepository(client DynamoAPI, table string) *DynamoOrderRepository {
	return &DynamoOrderRepository{client: client, table: table}
}

type ddbOrder struct {
	OrderID         string                 `dynamodbav:"order_id"`
	ItemID          string                 `dynamodbav:"item_id"`
	ItemTitle       string                 `dynamodbav:"item_title"`
	SellerID        string                 `dynamodbav:"seller_id"`
	BuyerID         string                 `dynamodbav:"buyer_id"`
	Amount          int64                  `dynamodbav:"amount"`
	Currency        string                 `dynamodbav:"currency"`
	Status          string                 `dynamodbav:"status"`
	PaymentStatus   string                 `dynamodbav:"payment_status"`
	CustomerDetails models.CustomerDetails `dynamodbav:"customer_details"`
	PaymentIntentID string                 `dynamodbav:"payment_intent_id,omitempty"`
	FailureReason   string                 `dynamodbav:"failure_reason,omitempty"`
	CreatedAt       string                 `dynamodbav:"created_at"`
	UpdatedAt       string                 `dynamodbav:"updated_at"`
	CompletedAt     *string                `dynamodbav:"completed_at,omitempty"`
	FailedAt        *string                `dynamodbav:"failed_at,omitempty"`
}

func toDDBOrder(o *models.Order) ddbOrder {
	return ddbOrder{
		OrderID:         o.ID,
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
		CreatedAt:       formatTime(o.CreatedAt),
		UpdatedAt:       formatTime(o.UpdatedAt),
		CompletedAt:     formatTimePtr(o.CompletedAt),
		FailedAt:        formatTimePtr(o.FailedAt),
	}
}

func (d ddbOrder) toModel() (*models.Order, error) {
	o := &models.Order{
		ID:              d.OrderID,
		ItemID:          d.ItemID,
		ItemTitle:       d.ItemTitle,
		SellerID:        d.SellerID,
		BuyerID:         d.BuyerID,
		Amount:          d.Amount,
		Currency:        d.Currency,
		Status:          models.OrderStatus(d.Status),
		PaymentStatus:   models.OrderStatus(d.PaymentStatus),
		CustomerDetails: d.CustomerDetails,
		PaymentIntentID: d.PaymentIntentID,
		FailureReason:   d.FailureReason,
	}
	var err error
	if o.CreatedAt, err = parseTime(d.CreatedAt); err != nil {
		return nil, fmt.Errorf("order %s created_at: %w", d.OrderID, err)
	}
	if o.UpdatedAt, err = parseTime(d.UpdatedAt); err != nil {
		return nil, fmt.Errorf("order %s updated_at: %w", d.OrderID, err)
	}
	if o.CompletedAt, err = parseTimePtr(d.CompletedAt); err != nil {
		return nil, fmt.Errorf("order %s completed_at: %w", d.OrderID, err)
	}
	if o.FailedAt, err = parseTimePtr(d.FailedAt); err != nil {
		return nil, fmt.Errorf("order %s failed_at: %w", d.OrderID, err)
	}
	return o, nil
}

func orderKey(id string) (map[string]types.AttributeValue, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"order_id": id})
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return key, nil
}

func (r *DynamoOrderRepository) Create(ctx context.Context, order *models.Order) error {
	item, err := attributevalue.MarshalMap(toDDBOrder(order))
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(order_id)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("dynamodb PutItem failed: %w", err)
	}
	return nil
}

func (r *DynamoOrderRepository) FindByID(ctx context.Context, id string) (*models.Order, error) {
	key, err := orderKey(id)
	if err != nil {
		return nil, err
	}
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb GetItem failed: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var d ddbOrder
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return d.toModel()
}

func (r *DynamoOrderRepository) AttachPaymentIntent(ctx context.Context, id, paymentIntentID string, at time.Time) error {
	key, err := orderKey(id)
	if err != nil {
		return err
	}
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.table),
		Key:                 key,
		UpdateExpression:    aws.String("SET payment_intent_id = :pi, updated_at = :u"),
		ConditionExpression: aws.String("attribute_exists(order_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pi": &types.AttributeValueMemberS{Value: paymentIntentID},
			":u":  &types.AttributeValueMemberS{Value: formatTime(at)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrNotFound
		}
		return fmt.Errorf("dynamodb UpdateItem failed: %w", err)
	}
	return nil
}

// Transition applies change only while the stored status is one it may move from. On a
// failed condition the old item tells a missing order apart from a conflicting status.
func (r *DynamoOrderRepository) Transition(ctx context.Context, id string, change models.StatusChange) error {
	key, err := orderKey(id)
	if err != nil {
		return err
	}

	from := models.AllowedFrom(change.To)
	if len(from) == 0 {
		return transitionError(id, "", change.To)
	}

	at := formatTime(change.At)
	values := map[string]types.AttributeValue{
		":to": &types.AttributeValueMemberS{Value: string(change.To)},
		":at": &types.AttributeValueMemberS{Value: at},
	}
	condition := "attribute_exists(order_id) AND #status IN ("
	for i, s := range from {
		placeholder := fmt.Sprintf(":from%d", i)
		values[placeholder] = &types.AttributeValueMemberS{Value: string(s)}
		if i > 0 {
			condition += ", "
		}
		condition += placeholder
	}
	condition += ")"

	update := "SET #status = :to, payment_status = :to, updated_at = :at"
	switch change.To {
	case models.OrderStatusCompleted:
		update += ", completed_at = :at"
	case models.OrderStatusFailed:
		update += ", failed_at = :at"
		if change.Reason != "" {
			update += ", failure_reason = :reason"
			values[":reason"] = &types.AttributeValueMemberS{Value: change.Reason}
		}
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(r.table),
		Key:                                 key,
		UpdateExpression:                    aws.String(update),
		ConditionExpression:                 aws.String(condition),
		ExpressionAttributeNames:            map[string]string{"#status": "status"},
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil
	}

	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return fmt.Errorf("dynamodb UpdateItem failed: %w", err)
	}
	if len(ccf.Item) == 0 {
		return ErrNotFound
	}
	var current ddbOrder
	if err := attributevalue.UnmarshalMap(ccf.Item, &current); err != nil {
		return fmt.Errorf("unmarshal order: %w", err)
	}
	return transitionError(id, models.OrderStatus(current.Status), change.To)
}

func (r *DynamoOrderRepository) FindStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Order, error) {
	input := &dynamodb.ScanInput{
		TableName:                aws.String(r.table),
		FilterExpression:         aws.String("#status = :pending AND attribute_not_exists(payment_intent_id) AND created_at < :cutoff"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(models.OrderStatusPending)},
			":cutoff":  &types.AttributeValueMemberS{Value: formatTime(createdBefore)},
		},
	}

	var out []*models.Order
	paginator := dynamodb.NewScanPaginator(r.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb Scan failed: %w", err)
		}
		var items []ddbOrder
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		for _, it := range items {
			o, err := it.toModel()
			if err != nil {
				return nil, err
			}
			out = append(out, o)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// --- Listings ---

// DynamoListingRepository reads and settles listings keyed by `listing_id`.
type DynamoListingRepository struct {
	client DynamoAPI
	table  string
}

func NewDynamoListingRepository(client DynamoAPI, table string) *DynamoListingRepository {
	return &DynamoListingRepository{client: client, table: table}
}

type ddbListing struct {
	ListingID string  `dynamodbav:"listing_id"`
	Title     string  `dynamodbav:"title"`
	SellerID  string  `dynamodbav:"seller_id"`
	Status    string  `dynamodbav:"status"`
	SoldAt    *string `dynamodbav:"sold_at,omitempty"`
	SoldTo    string  `dynamodbav:"sold_to,omitempty"`
}

func (r *DynamoListingRepository) FindByID(ctx context.Context, id string) (*models.Listing, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"listing_id": id})
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String(r.table), Key: key})
	if err != nil {
		return nil, fmt.Errorf("dynamodb GetItem failed: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var d ddbListing
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return nil, fmt.Errorf("unmarshal listing: %w", err)
	}
	soldAt, err := parseTimePtr(d.SoldAt)
	if err != nil {
		return nil, fmt.Errorf("listing %s sold_at: %w", d.ListingID, err)
	}
	return &models.Listing{
		ID:       d.ListingID,
		Title:    d.Title,
		SellerID: d.SellerID,
		Status:   models.ListingStatus(d.Status),
		SoldAt:   soldAt,
		SoldTo:   d.SoldTo,
	}, nil
}

func (r *DynamoListingRepository) MarkSold(ctx context.Context, id, buyerID string, at time.Time) error {
	key, err := attributevalue.MarshalMap(map[string]string{"listing_id": id})
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(r.table),
		Key:                      key,
		UpdateExpression:         aws.String("SET #status = :sold, sold_at = :at, sold_to = :buyer"),
		ConditionExpression:      aws.String("attribute_exists(listing_id) AND #status <> :sold"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sold":  &types.AttributeValueMemberS{Value: string(models.ListingStatusSold)},
			":at":    &types.AttributeValueMemberS{Value: formatTime(at)},
			":buyer": &types.AttributeValueMemberS{Value: buyerID},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return fmt.Errorf("dynamodb UpdateItem failed: %w", err)
	}
	if len(ccf.Item) == 0 {
		return ErrNotFound
	}
	return ErrListingAlreadySold
}

// --- Sellers ---

// DynamoSellerRepository checks seller existence in the users table keyed by `user_id`.
type DynamoSellerRepository struct {
	client DynamoAPI
	table  string
}

func NewDynamoSellerRepository(client DynamoAPI, table string) *DynamoSellerRepository {
	return &DynamoSellerRepository{client: client, table: table}
}

type ddbSeller struct {
	UserID      string `dynamodbav:"user_id"`
	DisplayName string `dynamodbav:"display_name"`
}

func (r *DynamoSellerRepository) FindByID(ctx context.Context, id string) (*models.Seller, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"user_id": id})
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(r.table),
		Key:                  key,
		ProjectionExpression: aws.String("user_id, display_name"),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb GetItem failed: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var d ddbSeller
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return nil, fmt.Errorf("unmarshal seller: %w", err)
	}
	return &models.Seller{ID: d.UserID, DisplayName: d.DisplayName}, nil
}
