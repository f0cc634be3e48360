package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig describes the external user store connection.
type MongoConfig struct {
	URI         string
	Database    string
	Collection  string
	Timeout     time.Duration
	MaxPoolSize uint64
}

// Mongo resolves profiles from the user store's users collection.
type Mongo struct {
	client  *mongo.Client
	users   *mongo.Collection
	timeout time.Duration
}

var _ Directory = (*Mongo)(nil)

// NewMongo connects to the user store and verifies the connection.
func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 16
	}
	if cfg.Database == "" {
		cfg.Database = "lobby"
	}
	if cfg.Collection == "" {
		cfg.Collection = "users"
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetAppName("lobbyd").
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetConnectTimeout(cfg.Timeout).
		SetServerSelectionTimeout(cfg.Timeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect user store: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping user store: %w", err)
	}

	return &Mongo{
		client:  client,
		users:   client.Database(cfg.Database).Collection(cfg.Collection),
		timeout: cfg.Timeout,
	}, nil
}

// Resolve fetches the profile for a verified user id.
func (m *Mongo) Resolve(ctx context.Context, userID string) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var p Profile
	err := m.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	return p, nil
}

// Close releases the client pool.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
