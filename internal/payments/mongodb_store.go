package payments

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB. Uniqueness comes from
// partial unique indexes, and the status CAS in Update is a filtered
// replace.
type MongoDBStore struct {
	client     *mongo.Client
	ownsClient bool
	payments   *mongo.Collection
}

type paymentDoc struct {
	ID                 string            `bson:"_id"`
	UserID             string            `bson:"user_id"`
	Provider           string            `bson:"provider"`
	ProviderSessionID  string            `bson:"provider_session_id"`
	ProviderPaymentID  string            `bson:"provider_payment_id,omitempty"`
	ProviderCustomerID string            `bson:"provider_customer_id,omitempty"`
	ItemKind           string            `bson:"item_kind"`
	ItemID             string            `bson:"item_id"`
	Credits            int64             `bson:"credits"`
	AmountCents        int64             `bson:"amount_cents"`
	Currency           string            `bson:"currency"`
	CouponCode         string            `bson:"coupon_code,omitempty"`
	DiscountCents      int64             `bson:"discount_cents"`
	Status             string            `bson:"status"`
	CreditsAdded       bool              `bson:"credits_added"`
	CreditTxID         string            `bson:"credit_transaction_id,omitempty"`
	CreditsAddedAt     *time.Time        `bson:"credits_added_at,omitempty"`
	RefundedCents      int64             `bson:"refunded_cents"`
	RefundReason       string            `bson:"refund_reason,omitempty"`
	RefundedAt         *time.Time        `bson:"refunded_at,omitempty"`
	FailureCode        string            `bson:"failure_code,omitempty"`
	FailureMessage     string            `bson:"failure_message,omitempty"`
	Metadata           map[string]string `bson:"metadata,omitempty"`
	CreatedAt          time.Time         `bson:"created_at"`
	UpdatedAt          time.Time         `bson:"updated_at"`
	ExpiresAt          time.Time         `bson:"expires_at"`
	CompletedAt        *time.Time        `bson:"completed_at,omitempty"`
}

// NewMongoDBStore creates a MongoDB-backed payment store.
func NewMongoDBStore(connectionString, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// Disconnect() error during failed initialization is not actionable.
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	store, err := NewMongoDBStoreWithClient(client, database)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	store.ownsClient = true
	return store, nil
}

// NewMongoDBStoreWithClient creates a payment store on an existing client,
// allowing the connection to be shared with the ledger store.
func NewMongoDBStoreWithClient(client *mongo.Client, database string) (*MongoDBStore, error) {
	store := &MongoDBStore{
		client:   client,
		payments: client.Database(database).Collection("payment_records"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.createIndexes(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.payments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "provider_session_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "provider", Value: 1}, {Key: "provider_payment_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(
				bson.M{"provider_payment_id": bson.M{"$exists": true, "$type": "string"}}),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create payment indexes: %w", err)
	}
	return nil
}

func (s *MongoDBStore) Create(ctx context.Context, p *Payment) error {
	if _, err := s.payments.InsertOne(ctx, toPaymentDoc(p)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &DuplicateError{Field: "session_id", Value: p.ProviderSessionID}
		}
		return storagef("insert payment: %w", err)
	}
	return nil
}

func (s *MongoDBStore) Get(ctx context.Context, id string) (*Payment, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoDBStore) GetBySession(ctx context.Context, provider, sessionID string) (*Payment, error) {
	return s.findOne(ctx, bson.M{"provider": provider, "provider_session_id": sessionID})
}

func (s *MongoDBStore) GetByProviderPaymentID(ctx context.Context, provider, paymentID string) (*Payment, error) {
	return s.findOne(ctx, bson.M{"provider": provider, "provider_payment_id": paymentID})
}

func (s *MongoDBStore) findOne(ctx context.Context, filter bson.M) (*Payment, error) {
	var doc paymentDoc
	err := s.payments.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storagef("find payment: %w", err)
	}
	return fromPaymentDoc(&doc), nil
}

func (s *MongoDBStore) Update(ctx context.Context, p *Payment, expectStatus Status) error {
	filter := bson.M{"_id": p.ID, "status": string(expectStatus)}
	res, err := s.payments.ReplaceOne(ctx, filter, toPaymentDoc(p))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &DuplicateError{Field: "payment_id", Value: p.ProviderPaymentID}
		}
		return storagef("update payment: %w", err)
	}
	if res.MatchedCount == 0 {
		current, gerr := s.Get(ctx, p.ID)
		if gerr != nil {
			return gerr
		}
		return &IllegalTransitionError{PaymentID: p.ID, From: current.Status, To: p.Status}
	}
	return nil
}

func (s *MongoDBStore) MarkCreditsAdded(ctx context.Context, id, creditTransactionID string) (bool, error) {
	now := time.Now().UTC()
	filter := bson.M{"_id": id, "status": string(StatusCompleted), "credits_added": false}
	update := bson.M{"$set": bson.M{
		"credits_added":         true,
		"credit_transaction_id": creditTransactionID,
		"credits_added_at":      now,
		"updated_at":            now,
	}}

	res, err := s.payments.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, storagef("mark credits added: %w", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *MongoDBStore) ListByUser(ctx context.Context, userID string, status Status, limit, offset int) ([]*Payment, error) {
	filter := bson.M{"user_id": userID}
	if status != "" {
		filter["status"] = string(status)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	return s.findMany(ctx, filter, opts)
}

func (s *MongoDBStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Payment, error) {
	filter := bson.M{
		"status":     bson.M{"$in": bson.A{string(StatusPending), string(StatusProcessing)}},
		"expires_at": bson.M{"$lt": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}}).SetLimit(int64(limit))
	return s.findMany(ctx, filter, opts)
}

func (s *MongoDBStore) ListUncredited(ctx context.Context, limit int) ([]*Payment, error) {
	filter := bson.M{"status": string(StatusCompleted), "credits_added": false}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit))
	return s.findMany(ctx, filter, opts)
}

func (s *MongoDBStore) findMany(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*Payment, error) {
	cursor, err := s.payments.Find(ctx, filter, opts)
	if err != nil {
		return nil, storagef("query payments: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*Payment
	for cursor.Next(ctx) {
		var doc paymentDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, storagef("decode payment: %w", err)
		}
		out = append(out, fromPaymentDoc(&doc))
	}
	return out, cursor.Err()
}

func (s *MongoDBStore) CountCompletedByUser(ctx context.Context, userID string) (int64, error) {
	n, err := s.payments.CountDocuments(ctx, bson.M{"user_id": userID, "credits_added": true})
	if err != nil {
		return 0, storagef("count completed payments: %w", err)
	}
	return n, nil
}

func (s *MongoDBStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[Status]int64)}

	statusPipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	}
	cursor, err := s.payments.Aggregate(ctx, statusPipeline)
	if err != nil {
		return nil, storagef("aggregate status counts: %w", err)
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var row struct {
			Status string `bson:"_id"`
			Count  int64  `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, storagef("decode status count: %w", err)
		}
		stats.ByStatus[Status(row.Status)] = row.Count
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	completedStatuses := bson.A{string(StatusCompleted), string(StatusRefunded), string(StatusPartiallyRefunded)}
	aggPipeline := mongo.Pipeline{
		{{Key: "$facet", Value: bson.M{
			"completed": mongo.Pipeline{
				{{Key: "$match", Value: bson.M{"status": bson.M{"$in": completedStatuses}}}},
				{{Key: "$group", Value: bson.M{
					"_id":      nil,
					"count":    bson.M{"$sum": 1},
					"revenue":  bson.M{"$sum": "$amount_cents"},
					"refunded": bson.M{"$sum": "$refunded_cents"},
				}}},
			},
			"credited": mongo.Pipeline{
				{{Key: "$match", Value: bson.M{"credits_added": true}}},
				{{Key: "$group", Value: bson.M{"_id": nil, "credits": bson.M{"$sum": "$credits"}}}},
			},
			"uncredited": mongo.Pipeline{
				{{Key: "$match", Value: bson.M{"status": string(StatusCompleted), "credits_added": false}}},
				{{Key: "$count", Value: "count"}},
			},
		}}},
	}

	aggCursor, err := s.payments.Aggregate(ctx, aggPipeline)
	if err != nil {
		return nil, storagef("aggregate payment stats: %w", err)
	}
	defer aggCursor.Close(ctx)

	var facets struct {
		Completed []struct {
			Count    int64 `bson:"count"`
			Revenue  int64 `bson:"revenue"`
			Refunded int64 `bson:"refunded"`
		} `bson:"completed"`
		Credited []struct {
			Credits int64 `bson:"credits"`
		} `bson:"credited"`
		Uncredited []struct {
			Count int64 `bson:"count"`
		} `bson:"uncredited"`
	}
	if aggCursor.Next(ctx) {
		if err := aggCursor.Decode(&facets); err != nil {
			return nil, storagef("decode payment stats: %w", err)
		}
	}
	if len(facets.Completed) > 0 {
		stats.TotalCompleted = facets.Completed[0].Count
		stats.TotalRevenueCents = facets.Completed[0].Revenue
		stats.TotalRefundedCents = facets.Completed[0].Refunded
	}
	if len(facets.Credited) > 0 {
		stats.TotalCreditsGranted = facets.Credited[0].Credits
	}
	if len(facets.Uncredited) > 0 {
		stats.UncreditedCompleted = facets.Uncredited[0].Count
	}
	return stats, aggCursor.Err()
}

func (s *MongoDBStore) Close(ctx context.Context) error {
	if s.ownsClient {
		return s.client.Disconnect(ctx)
	}
	return nil
}

func toPaymentDoc(p *Payment) *paymentDoc {
	return &paymentDoc{
		ID:                 p.ID,
		UserID:             p.UserID,
		Provider:           p.Provider,
		ProviderSessionID:  p.ProviderSessionID,
		ProviderPaymentID:  p.ProviderPaymentID,
		ProviderCustomerID: p.ProviderCustomerID,
		ItemKind:           p.ItemKind,
		ItemID:             p.ItemID,
		Credits:            p.Credits,
		AmountCents:        p.AmountCents,
		Currency:           p.Currency,
		CouponCode:         p.CouponCode,
		DiscountCents:      p.DiscountCents,
		Status:             string(p.Status),
		CreditsAdded:       p.CreditsAdded,
		CreditTxID:         p.CreditTransactionID,
		CreditsAddedAt:     p.CreditsAddedAt,
		RefundedCents:      p.RefundedCents,
		RefundReason:       p.RefundReason,
		RefundedAt:         p.RefundedAt,
		FailureCode:        p.FailureCode,
		FailureMessage:     p.FailureMessage,
		Metadata:           p.Metadata,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
		ExpiresAt:          p.ExpiresAt,
		CompletedAt:        p.CompletedAt,
	}
}

func fromPaymentDoc(doc *paymentDoc) *Payment {
	return &Payment{
		ID:                  doc.ID,
		UserID:              doc.UserID,
		Provider:            doc.Provider,
		ProviderSessionID:   doc.ProviderSessionID,
		ProviderPaymentID:   doc.ProviderPaymentID,
		ProviderCustomerID:  doc.ProviderCustomerID,
		ItemKind:            doc.ItemKind,
		ItemID:              doc.ItemID,
		Credits:             doc.Credits,
		AmountCents:         doc.AmountCents,
		Currency:            doc.Currency,
		CouponCode:          doc.CouponCode,
		DiscountCents:       doc.DiscountCents,
		Status:              Status(doc.Status),
		CreditsAdded:        doc.CreditsAdded,
		CreditTransactionID: doc.CreditTxID,
		CreditsAddedAt:      doc.CreditsAddedAt,
		RefundedCents:       doc.RefundedCents,
		RefundReason:        doc.RefundReason,
		RefundedAt:          doc.RefundedAt,
		FailureCode:         doc.FailureCode,
		FailureMessage:      doc.FailureMessage,
		Metadata:            doc.Metadata,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
		ExpiresAt:           doc.ExpiresAt,
		CompletedAt:         doc.CompletedAt,
	}
}
