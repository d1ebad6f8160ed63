package ledger

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB. The no-negative-balance
// invariant is enforced with a conditional FindOneAndUpdate: debits match
// only documents whose balance covers the amount, so a concurrent debit
// that would overdraw simply finds no document.
type MongoDBStore struct {
	client       *mongo.Client
	ownsClient   bool
	balances     *mongo.Collection
	transactions *mongo.Collection
}

type balanceDoc struct {
	UserID    string    `bson:"_id"`
	Credits   int64     `bson:"credits"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type transactionDoc struct {
	ID            string            `bson:"_id"`
	UserID        string            `bson:"user_id"`
	Type          string            `bson:"type"`
	Amount        int64             `bson:"amount"`
	BalanceBefore int64             `bson:"balance_before"`
	BalanceAfter  int64             `bson:"balance_after"`
	Description   string            `bson:"description,omitempty"`
	Reference     string            `bson:"reference,omitempty"`
	Metadata      map[string]string `bson:"metadata,omitempty"`
	CreatedAt     time.Time         `bson:"created_at"`
}

// NewMongoDBStore creates a MongoDB-backed ledger store.
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

// NewMongoDBStoreWithClient creates a ledger store on an existing client,
// allowing the connection to be shared with the payment store.
func NewMongoDBStoreWithClient(client *mongo.Client, database string) (*MongoDBStore, error) {
	db := client.Database(database)
	store := &MongoDBStore{
		client:       client,
		balances:     db.Collection("credit_balances"),
		transactions: db.Collection("credit_transactions"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.createIndexes(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	// _id is automatically unique, no index needed on balances. The
	// reference index is unique so replayed credits race on the
	// constraint, not on a read-then-write; documents without a
	// reference (omitempty drops the field) stay out of it.
	_, err := s.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "reference", Value: 1}, {Key: "type", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"reference": bson.M{"$exists": true}}),
		},
	})
	if err != nil {
		return fmt.Errorf("create transaction indexes: %w", err)
	}
	return nil
}

func (s *MongoDBStore) Balance(ctx context.Context, userID string) (*Balance, error) {
	var doc balanceDoc
	err := s.balances.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return &Balance{UserID: userID, Credits: 0}, nil
	}
	if err != nil {
		return nil, storagef("find balance: %w", err)
	}
	return &Balance{UserID: doc.UserID, Credits: doc.Credits, UpdatedAt: doc.UpdatedAt}, nil
}

func (s *MongoDBStore) Apply(ctx context.Context, in ApplyInput) (*Transaction, error) {
	now := time.Now().UTC()
	update := bson.M{
		"$inc": bson.M{"credits": in.Amount},
		"$set": bson.M{"updated_at": now},
	}

	var before int64
	if in.Amount < 0 {
		// Debit: only match a document whose balance covers the amount.
		filter := bson.M{"_id": in.UserID, "credits": bson.M{"$gte": -in.Amount}}
		opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

		var doc balanceDoc
		err := s.balances.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err == mongo.ErrNoDocuments {
			current, berr := s.Balance(ctx, in.UserID)
			if berr != nil {
				return nil, berr
			}
			return nil, &InsufficientCreditsError{
				UserID:    in.UserID,
				Required:  -in.Amount,
				Available: current.Credits,
			}
		}
		if err != nil {
			return nil, storagef("debit balance: %w", err)
		}
		before = doc.Credits
	} else {
		// Credit: upsert so first-ever grants create the balance document.
		filter := bson.M{"_id": in.UserID}
		opts := options.FindOneAndUpdate().SetReturnDocument(options.Before).SetUpsert(true)

		var doc balanceDoc
		err := s.balances.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err == mongo.ErrNoDocuments {
			before = 0 // Upsert created the document
		} else if err != nil {
			return nil, storagef("credit balance: %w", err)
		} else {
			before = doc.Credits
		}
	}

	record := &Transaction{
		ID:            newTransactionID(),
		UserID:        in.UserID,
		Type:          in.Type,
		Amount:        in.Amount,
		BalanceBefore: before,
		BalanceAfter:  before + in.Amount,
		Description:   in.Description,
		Reference:     in.Reference,
		Metadata:      in.Metadata,
		CreatedAt:     now,
	}

	if _, err := s.transactions.InsertOne(ctx, toTransactionDoc(record)); err != nil {
		// The balance moved but the log insert failed. Roll the balance
		// back so the log stays authoritative.
		rollback := bson.M{"$inc": bson.M{"credits": -in.Amount}}
		_, _ = s.balances.UpdateOne(ctx, bson.M{"_id": in.UserID}, rollback)
		if mongo.IsDuplicateKeyError(err) && in.Reference != "" {
			return nil, ErrDuplicateReference
		}
		return nil, storagef("insert transaction: %w", err)
	}
	return record, nil
}

func (s *MongoDBStore) Transaction(ctx context.Context, id string) (*Transaction, error) {
	var doc transactionDoc
	err := s.transactions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storagef("find transaction: %w", err)
	}
	return fromTransactionDoc(&doc), nil
}

func (s *MongoDBStore) TransactionByReference(ctx context.Context, userID, reference string, txType TransactionType) (*Transaction, error) {
	filter := bson.M{"user_id": userID, "reference": reference, "type": string(txType)}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}})

	var doc transactionDoc
	err := s.transactions.FindOne(ctx, filter, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storagef("find transaction by reference: %w", err)
	}
	return fromTransactionDoc(&doc), nil
}

func (s *MongoDBStore) Transactions(ctx context.Context, userID string, f HistoryFilter) ([]*Transaction, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	filter := bson.M{"user_id": userID}
	if f.Type != "" {
		filter["type"] = string(f.Type)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(f.Offset)).
		SetLimit(int64(limit))

	cursor, err := s.transactions.Find(ctx, filter, opts)
	if err != nil {
		return nil, storagef("query transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*Transaction
	for cursor.Next(ctx) {
		var doc transactionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, storagef("decode transaction: %w", err)
		}
		out = append(out, fromTransactionDoc(&doc))
	}
	return out, cursor.Err()
}

func (s *MongoDBStore) Totals(ctx context.Context, userID string) (earned, spent int64, err error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID}}},
		{{Key: "$group", Value: bson.M{
			"_id": nil,
			"earned": bson.M{"$sum": bson.M{
				"$cond": bson.A{bson.M{"$gt": bson.A{"$amount", 0}}, "$amount", 0},
			}},
			"spent": bson.M{"$sum": bson.M{
				"$cond": bson.A{bson.M{"$lt": bson.A{"$amount", 0}}, bson.M{"$abs": "$amount"}, 0},
			}},
		}}},
	}

	cursor, err := s.transactions.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, 0, storagef("aggregate totals: %w", err)
	}
	defer cursor.Close(ctx)

	var result struct {
		Earned int64 `bson:"earned"`
		Spent  int64 `bson:"spent"`
	}
	if cursor.Next(ctx) {
		if err := cursor.Decode(&result); err != nil {
			return 0, 0, storagef("decode totals: %w", err)
		}
	}
	return result.Earned, result.Spent, cursor.Err()
}

func (s *MongoDBStore) Close(ctx context.Context) error {
	if s.ownsClient {
		return s.client.Disconnect(ctx)
	}
	return nil
}

func toTransactionDoc(tx *Transaction) *transactionDoc {
	return &transactionDoc{
		ID:            tx.ID,
		UserID:        tx.UserID,
		Type:          string(tx.Type),
		Amount:        tx.Amount,
		BalanceBefore: tx.BalanceBefore,
		BalanceAfter:  tx.BalanceAfter,
		Description:   tx.Description,
		Reference:     tx.Reference,
		Metadata:      tx.Metadata,
		CreatedAt:     tx.CreatedAt,
	}
}

func fromTransactionDoc(doc *transactionDoc) *Transaction {
	return &Transaction{
		ID:            doc.ID,
		UserID:        doc.UserID,
		Type:          TransactionType(doc.Type),
		Amount:        doc.Amount,
		BalanceBefore: doc.BalanceBefore,
		BalanceAfter:  doc.BalanceAfter,
		Description:   doc.Description,
		Reference:     doc.Reference,
		Metadata:      doc.Metadata,
		CreatedAt:     doc.CreatedAt,
	}
}
