package main

import (
	"context"
	"time"

	"IMDelivery/global/config"
	"IMDelivery/logger"
	chatmsg "IMDelivery/module/chat/message"
	"IMDelivery/module/chat/seq"
	"IMDelivery/module/device"
	"IMDelivery/module/message"
	"IMDelivery/service/bus"
	"IMDelivery/service/chat"
	"IMDelivery/service/dispatcher/kafka"
	"IMDelivery/service/mgo"
	"IMDelivery/service/natsx"
	"IMDelivery/service/rpc"
	"IMDelivery/service/storage"
	redisx "IMDelivery/service/storage/redis"
	"IMDelivery/tools/ids"
	"IMDelivery/tools/security"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func runGateway(ctx context.Context, cfg *config.AppConfig) error {
	log := logger.Named("gateway")

	rdb, err := redisx.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	mcli, db, err := mgo.Connect(ctx, cfg.Mongo, log.Named("mongo"))
	if err != nil {
		return err
	}
	defer func() { _ = mcli.Disconnect(context.Background()) }()
	store := chatmsg.NewMongoStore(db)
	if err := store.EnsureIndexes(ctx); err != nil {
		return err
	}

	pool, err := device.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()
	devices := device.NewPgRegistry(pool)
	if err := devices.EnsureSchema(ctx); err != nil {
		return err
	}

	b, err := newBus(cfg, rdb, log)
	if err != nil {
		return err
	}
	defer b.Close()

	if cfg.Kafka.AutoCreateTopics {
		admin, err := kafka.NewClusterAdmin(cfg.Kafka)
		if err != nil {
			return err
		}
		err = kafka.EnsureTopics(admin, cfg.Kafka, log.Named("kafka"))
		_ = admin.Close()
		if err != nil {
			return err
		}
	}
	producer, err := kafka.NewPublisher(cfg.Kafka, log.Named("kafka"))
	if err != nil {
		return err
	}
	defer producer.Close()
	events := kafka.NewRetryingPublisher(producer, kafka.RetryOptions{
		QueueSize:      cfg.Kafka.RetryQueueSize,
		AttemptTimeout: cfg.Kafka.AttemptTimeout,
		MaxInterval:    cfg.Kafka.RetryMaxBackoff,
	}, log.Named("events"))
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		events.Close(cctx)
	}()

	verifier, err := security.NewVerifier(authOptions(cfg))
	if err != nil {
		return err
	}

	online := storage.NewOnlineStore(rdb, storage.OnlineConfig{
		NodeID:     cfg.Gateway.NodeID,
		SessionTTL: cfg.Presence.SessionTTL,
		KeyPrefix:  cfg.Presence.KeyPrefix,
	})

	svc := message.NewService(store, seq.NewAllocator(rdb), nil, events, log.Named("message"),
		message.WithIDGenerator(ids.NewGenerator(cfg.SnowflakeNode)))
	srv := chat.NewServer(cfg.Gateway, chat.Deps{
		Bus:       b,
		Auth:      verifier,
		Presence:  online,
		Messages:  svc,
		Directory: store,
		Devices:   devices,
		Log:       log,
	})
	svc.SetBroadcaster(srv)

	startHealth(ctx, cfg, map[string]rpc.Check{
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		"mongo":    func(ctx context.Context) error { return mcli.Ping(ctx, nil) },
		"postgres": func(ctx context.Context) error { return pool.Ping(ctx) },
	}, log)

	deregister, err := registerNacos(cfg, "im-gateway", cfg.Gateway.Addr, log)
	if err != nil {
		return err
	}
	defer deregister()

	err = srv.ListenAndServe(ctx)
	log.Info("gateway stopped", zap.Int("pending_events", events.Pending()), zap.Int64("dropped_events", events.Dropped()))
	return err
}

func newBus(cfg *config.AppConfig, rdb redis.UniversalClient, log *zap.Logger) (bus.Bus, error) {
	switch cfg.Bus.Kind {
	case config.BusRedis:
		return bus.NewRedis(rdb, cfg.Bus.Prefix, log.Named("bus")), nil
	case config.BusNATS:
		nc, err := natsx.Connect(cfg.NATS, log.Named("nats"))
		if err != nil {
			return nil, err
		}
		return natsx.NewBus(nc, cfg.Bus.Prefix, log.Named("bus")), nil
	default:
		log.Warn("memory bus only reaches sessions on this node")
		return bus.NewMemory(), nil
	}
}
