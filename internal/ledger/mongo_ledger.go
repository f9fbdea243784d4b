package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const productsCollection = "products"

type productDocument struct {
	ID         int64  `bson:"_id"`
	Name       string `bson:"name"`
	TotalStock int    `bson:"total_stock"`
	Active     bool   `bson:"active"`
}

// MongoLedger reads products from a Mongo catalog database
type MongoLedger struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// OpenMongoLedger connects to uri and reads the products collection of
// database. The ledger owns the client and disconnects it on Close.
func OpenMongoLedger(ctx context.Context, uri, database string) (*MongoLedger, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoLedger{
		client:     client,
		collection: client.Database(database).Collection(productsCollection),
	}, nil
}

func (l *MongoLedger) Product(ctx context.Context, productID int64) (domain.Product, error) {
	var doc productDocument
	err := l.collection.FindOne(ctx, bson.M{"_id": productID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to find product: %w", err)
	}

	return domain.Product{
		ID:         doc.ID,
		Name:       doc.Name,
		TotalStock: doc.TotalStock,
		Active:     doc.Active,
	}, nil
}

func (l *MongoLedger) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.client.Disconnect(ctx)
}
