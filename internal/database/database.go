package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	c "github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func buildMongoURL(cfg c.Database) string {
	// 编码特殊字符
	encodedUser := url.QueryEscape(cfg.Username)
	encodedPass := url.QueryEscape(cfg.Password)
	if encodedUser == "" {
		return fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		cfg.Host,
		cfg.Port,
	)
}

func buildClientOptions(cfg c.Database, appName string) *options.ClientOptions {
	clientOptions := options.Client().ApplyURI(buildMongoURL(cfg)).SetAppName(appName)
	// 连接池配置
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(cfg.ConnectIdleTimeout))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTime(cfg.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(cfg.SocketTimeout))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(cfg.Heartbeat))
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{InsecureSkipVerify: false})
	}
	// 连接池监控
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
	return clientOptions
}

// ConnectMongo 建立连接、校验连通性并创建 bucket/client_id 索引
func ConnectMongo(ctx context.Context, cfg c.Database, appName string) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, buildClientOptions(cfg, appName))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(cfg.Database)
	store := &MongoStore{
		client:           client,
		sessions:         db.Collection(SessionCollectionName),
		subscriptions:    db.Collection(SubscriptionCollectionName),
		operationTimeout: cfg.OperationTimeoutDuration(),
	}
	if store.operationTimeout <= 0 {
		store.operationTimeout = 5 * time.Second
	}

	for _, coll := range []*mongo.Collection{store.sessions, store.subscriptions} {
		_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "client_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetName(coll.Name() + "_client_id_unique"),
			},
			{
				Keys:    bson.D{{Key: "bucket", Value: 1}, {Key: "client_id", Value: 1}},
				Options: options.Index().SetName(coll.Name() + "_bucket_scan"),
			},
		})
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
		}
	}

	logger.InfoF("Connected to database %s on %s:%d", cfg.Database, cfg.Host, cfg.Port)
	return store, nil
}
