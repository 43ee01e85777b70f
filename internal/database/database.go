// Package database stores session documents for the self-hosted directory backend.
package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/config"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	connectTimeout    = 15 * time.Second
	joinCodeCacheSize = 256
	joinCodeCacheTTL  = 10 * time.Minute
)

func databaseURL(cfg config.DatabaseConfig) string {
	// usernames and passwords may contain reserved characters
	if cfg.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		url.QueryEscape(cfg.Username), url.QueryEscape(cfg.Password),
		cfg.Host, cfg.Port,
	)
}

// Connect opens the MongoDB connection and prepares the session collection.
func Connect(cfg config.DatabaseConfig, appName string) (*DBStore, error) {
	logger.DebugF("Connecting to database...")

	clientOptions := options.Client().ApplyURI(databaseURL(cfg)).SetAppName(appName)
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(cfg.ConnectIdleTimeout))
	clientOptions.SetConnectTimeout(utils.ParseStringTime(cfg.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(cfg.SocketTimeout))
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(cfg.Heartbeat))
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{InsecureSkipVerify: false})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %+v", evt)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %+v", evt)
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	sessions := client.Database(cfg.Database).Collection(SessionCollectionName)
	if err = createIndexes(ctx, sessions); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	opTimeout := utils.ParseStringTime(cfg.OperationTimeout)
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}

	logger.InfoF("Connected to database %s at %s:%d", cfg.Database, cfg.Host, cfg.Port)
	return &DBStore{
		client:           client,
		sessions:         sessions,
		operationTimeout: opTimeout,
		joinCodes:        expirable.NewLRU[string, string](joinCodeCacheSize, nil, joinCodeCacheTTL),
	}, nil
}

func createIndexes(ctx context.Context, sessions *mongo.Collection) error {
	_, err := sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "join_code", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("sessions_join_code_unique"),
		},
		{
			Keys:    bson.D{{Key: "last_heartbeat", Value: 1}},
			Options: options.Index().SetName("sessions_last_heartbeat"),
		},
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database indexes: %w", err)
	}
	return nil
}
