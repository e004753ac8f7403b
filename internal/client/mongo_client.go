package client

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"lending-api/internal/config"
	"lending-api/internal/util"
)

type MongoClient struct {
	Client   *mongo.Client
	Database *mongo.Database
}

func NewMongoClient(cfg *config.Config, logger *zap.Logger) (*MongoClient, error) {
	mongoConfig := cfg.Mongo

	ctx, cancel := context.WithTimeout(context.Background(), mongoConfig.ConnectTimeout)
	defer cancel()

	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().
		ApplyURI(mongoConfig.URI).
		SetServerAPIOptions(serverAPI).
		SetConnectTimeout(mongoConfig.ConnectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("MongoDB client initialized",
		zap.String("database", mongoConfig.Database))

	return &MongoClient{
		Client:   client,
		Database: client.Database(mongoConfig.Database),
	}, nil
}

func (m *MongoClient) Collection(name string) *mongo.Collection {
	return m.Database.Collection(name)
}

func (m *MongoClient) HealthCheck(ctx context.Context) error {
	if err := m.Client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongodb ping failed: %w", err)
	}
	return nil
}

func (m *MongoClient) Close(ctx context.Context) error {
	if m.Client == nil {
		return nil
	}
	if err := m.Client.Disconnect(ctx); err != nil {
		util.Error("failed to close MongoDB client", zap.Error(err))
		return err
	}
	util.Info("MongoDB client closed")
	return nil
}
