package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/clientqueue"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/event"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/payload"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/persistence"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/publish"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/singlewriter"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/subscription"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "mqtt-persistence",
		Short:         "Session and subscription persistence service of the MQTT broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "configuration file (json or yaml)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openBackend(ctx context.Context, cfg config.Config) (database.Backend, error) {
	switch cfg.Persistence.Backend {
	case config.BackendMongo:
		store, err := database.ConnectMongo(ctx, cfg.Database, cfg.AppName)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendBadger:
		store, err := database.OpenBadger(database.BadgerOptions{Dir: cfg.Persistence.BadgerDir, BucketCount: cfg.Persistence.BucketCount})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return database.NewMemoryStore(cfg.Persistence.BucketCount), nil
	}
}

func run(configPath string) error {
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigCreated) {
			return err
		}
		return fmt.Errorf("error occured while reading config: %w", err)
	}
	loggerCallback := logger.Init(cfg.LogPath, cfg.DebugMode)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)

	ctx := context.Background()
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		logger.FatalF("Error occured while initializing database, details: %v", err)
		cleaner.Shutdown(1)
		return err
	}
	cleaner.Add(database.NewCloseCallback(backend))

	collector := metrics.NewCollector()
	policy, _ := singlewriter.ParseFullPolicy(cfg.Persistence.QueueFullPolicy)
	engine := singlewriter.New(singlewriter.Options{
		BucketCount: cfg.Persistence.BucketCount,
		QueueLimit:  cfg.Persistence.QueueLimit,
		Policy:      policy,
		Recorder:    collector,
	})
	cleaner.Add(engine)

	tree := subscription.NewTopicTree()
	collector.ObserveSubscriptions(tree.Count)
	shared := persistence.NewSharedSubscriptionService(tree)
	queues := clientqueue.NewManager(cfg.Persistence.DefaultClientQueue)
	connections := connection.GetConnectionManager()
	payloads := payload.NewStore()
	publisher := publish.NewService(tree, shared, queues, connections, payloads, cfg.Persistence.SharedQueuePollBatch)

	manager, err := persistence.NewManager(persistence.Options{
		Engine:             engine,
		Backend:            backend,
		TopicIndex:         tree,
		Shared:             shared,
		Connections:        connections,
		Payloads:           payloads,
		Queues:             queues,
		Poller:             publisher,
		Publisher:          publisher,
		Events:             event.NewLog(collector),
		WillCheckInterval:  cfg.Persistence.WillCheckEvery(),
		CleanUpInterval:    cfg.Persistence.CleanupEvery(),
		CleanUpParallelism: 1,
		PendingWillGauge:   collector.SetPendingWills,
	})
	if err != nil {
		logger.FatalF("Error occured while assembling persistence, details: %v", err)
		cleaner.Shutdown(1)
		return err
	}
	shared.Init(cfg.Persistence.SharedCacheSize, cfg.Persistence.SharedCacheExpiry())

	if err := manager.Start(ctx, cfg.Persistence.ChunkSize); err != nil {
		logger.FatalF("Error occured while loading persisted state, details: %v", err)
		cleaner.Shutdown(1)
		return err
	}
	cleaner.Add(manager)

	if cfg.Metrics.Enabled {
		server := metrics.NewServer(cfg.Metrics.Address, collector)
		server.Start()
		cleaner.Add(server)
	}

	clients, err := manager.Sessions.GetAllClients().Get(ctx)
	if err != nil {
		logger.ErrorF("Counting stored sessions failed: %v", err)
	}
	logger.InfoF("Persistence started with %d buckets, %d stored sessions, %d subscriptions restored",
		engine.BucketCount(), len(clients), tree.Count())

	select {}
}
