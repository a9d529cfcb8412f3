package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/models"
)

// Mongo implements LedgerRepository on top of a MongoDB database.
type Mongo struct {
	accounts     *mongo.Collection
	transactions *mongo.Collection
	watermarks   *mongo.Collection
}

// Connect dials MongoDB and verifies the connection with a short ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// NewMongo wraps the database collections and ensures the indexes the dedup
// and lookup paths depend on.
func NewMongo(ctx context.Context, db *mongo.Database) (*Mongo, error) {
	m := &Mongo{
		accounts:     db.Collection("accounts"),
		transactions: db.Collection("transactions"),
		watermarks:   db.Collection("monitor_state"),
	}

	accountIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "phone_number", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "arbitrum_address", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		{Keys: bson.D{{Key: "bitcoin_address", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
	}
	if _, err := m.accounts.Indexes().CreateMany(ctx, accountIndexes); err != nil {
		return nil, fmt.Errorf("create account indexes: %w", err)
	}

	txIndexes := []mongo.IndexModel{
		// The (txHash, account) natural key guarantees at-most-once credit.
		{
			Keys:    bson.D{{Key: "metadata.txHash", Value: 1}, {Key: "account_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"metadata.txHash": bson.M{"$type": "string"}}),
		},
		{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	if _, err := m.transactions.Indexes().CreateMany(ctx, txIndexes); err != nil {
		return nil, fmt.Errorf("create transaction indexes: %w", err)
	}

	return m, nil
}

func (m *Mongo) CreateAccount(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	account.Version = 1
	if account.ID == "" {
		account.ID = primitive.NewObjectID().Hex()
	}
	if _, err := m.accounts.InsertOne(ctx, account); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.ErrDuplicateAccount
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (m *Mongo) SaveAccount(ctx context.Context, account *models.Account) error {
	prev := account.Version
	account.Version = prev + 1
	account.UpdatedAt = time.Now().UTC()

	res, err := m.accounts.ReplaceOne(ctx, bson.M{"_id": account.ID, "version": prev}, account)
	if err != nil {
		account.Version = prev
		return fmt.Errorf("save account: %w", err)
	}
	if res.MatchedCount == 0 {
		account.Version = prev
		return models.ErrConflict
	}
	return nil
}

func (m *Mongo) FindAccountByID(ctx context.Context, id string) (*models.Account, error) {
	return m.findAccount(ctx, bson.M{"_id": id})
}

func (m *Mongo) FindAccountByPhone(ctx context.Context, phone string) (*models.Account, error) {
	return m.findAccount(ctx, bson.M{"phone_number": phone})
}

func (m *Mongo) FindAccountByAddress(ctx context.Context, chain domain.Chain, address string) (*models.Account, error) {
	return m.findAccount(ctx, bson.M{addressField(chain): address})
}

func (m *Mongo) findAccount(ctx context.Context, filter bson.M) (*models.Account, error) {
	var account models.Account
	err := m.accounts.FindOne(ctx, filter).Decode(&account)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	return &account, nil
}

func (m *Mongo) ListAccountsWithAddress(ctx context.Context, chain domain.Chain) ([]*models.Account, error) {
	filter := bson.M{addressField(chain): bson.M{"$exists": true, "$ne": ""}}
	cur, err := m.accounts.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer cur.Close(ctx)

	var out []*models.Account
	for cur.Next(ctx) {
		var account models.Account
		if err := cur.Decode(&account); err != nil {
			return nil, fmt.Errorf("decode account: %w", err)
		}
		out = append(out, &account)
	}
	return out, cur.Err()
}

func (m *Mongo) CreateTransaction(ctx context.Context, tx *models.LedgerTransaction) error {
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	if _, err := m.transactions.InsertOne(ctx, tx); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (m *Mongo) SaveTransaction(ctx context.Context, tx *models.LedgerTransaction) error {
	tx.UpdatedAt = time.Now().UTC()
	res, err := m.transactions.ReplaceOne(ctx, bson.M{"_id": tx.ID}, tx)
	if err != nil {
		return fmt.Errorf("save transaction: %w", err)
	}
	if res.MatchedCount == 0 {
		return models.ErrTransactionNotFound
	}
	return nil
}

func (m *Mongo) FindTransactionByID(ctx context.Context, id string) (*models.LedgerTransaction, error) {
	var tx models.LedgerTransaction
	err := m.transactions.FindOne(ctx, bson.M{"_id": id}).Decode(&tx)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return &tx, nil
}

func (m *Mongo) FindTransactionByExternalHash(ctx context.Context, accountID, txHash string) (*models.LedgerTransaction, error) {
	var tx models.LedgerTransaction
	err := m.transactions.FindOne(ctx, bson.M{"metadata.txHash": txHash, "account_id": accountID}).Decode(&tx)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction by hash: %w", err)
	}
	return &tx, nil
}

func (m *Mongo) ListTransactionsByAccount(ctx context.Context, accountID string, limit int) ([]*models.LedgerTransaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.transactions.Find(ctx, bson.M{"account_id": accountID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer cur.Close(ctx)

	var out []*models.LedgerTransaction
	for cur.Next(ctx) {
		var tx models.LedgerTransaction
		if err := cur.Decode(&tx); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		out = append(out, &tx)
	}
	return out, cur.Err()
}

func (m *Mongo) ListPendingDeposits(ctx context.Context) ([]*models.LedgerTransaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := m.transactions.Find(ctx, bson.M{"type": "deposit", "status": "pending"}, opts)
	if err != nil {
		return nil, fmt.Errorf("list pending deposits: %w", err)
	}
	defer cur.Close(ctx)

	var out []*models.LedgerTransaction
	for cur.Next(ctx) {
		var tx models.LedgerTransaction
		if err := cur.Decode(&tx); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		out = append(out, &tx)
	}
	return out, cur.Err()
}

type watermarkDoc struct {
	Chain  string `bson:"_id"`
	Height uint64 `bson:"height"`
}

func (m *Mongo) GetWatermark(ctx context.Context, chain domain.Chain) (uint64, error) {
	var doc watermarkDoc
	err := m.watermarks.FindOne(ctx, bson.M{"_id": string(chain)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get watermark: %w", err)
	}
	return doc.Height, nil
}

func (m *Mongo) SetWatermark(ctx context.Context, chain domain.Chain, height uint64) error {
	_, err := m.watermarks.UpdateOne(ctx,
		bson.M{"_id": string(chain)},
		bson.M{"$set": bson.M{"height": height}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

func addressField(chain domain.Chain) string {
	if chain == domain.ChainBitcoin {
		return "bitcoin_address"
	}
	return "arbitrum_address"
}
