package main

import (
	"context"

	"IMDelivery/global/config"
	"IMDelivery/logger"
	chatmsg "IMDelivery/module/chat/message"
	"IMDelivery/module/device"
	"IMDelivery/module/notify"
	"IMDelivery/service/dispatcher/kafka"
	"IMDelivery/service/mgo"
	"IMDelivery/service/rpc"
	"IMDelivery/service/storage"
	redisx "IMDelivery/service/storage/redis"

	"go.uber.org/zap"
)

func runNotifier(ctx context.Context, cfg *config.AppConfig) error {
	log := logger.Named("notifier")
	cfg.Kafka.SetDefaults()

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

	pool, err := device.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()
	devices := device.NewPgRegistry(pool)

	providers, err := newProviders(ctx, cfg, log)
	if err != nil {
		return err
	}

	opts := []notify.Option{notify.WithDeduper(notify.NewRedisDeduper(rdb, cfg.Notify.DedupTTL))}
	if cfg.Notify.SuppressOnline {
		opts = append(opts, notify.WithOnlineChecker(storage.NewOnlineStore(rdb, storage.OnlineConfig{
			SessionTTL: cfg.Presence.SessionTTL,
			KeyPrefix:  cfg.Presence.KeyPrefix,
		})))
	}
	w := notify.NewWorker(cfg.Notify, store, devices, providers, log.Named("worker"), opts...)

	group, err := kafka.NewConsumerGroup(cfg.Kafka)
	if err != nil {
		return err
	}
	defer group.Close()

	startHealth(ctx, cfg, map[string]rpc.Check{
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		"mongo":    func(ctx context.Context) error { return mcli.Ping(ctx, nil) },
		"postgres": func(ctx context.Context) error { return pool.Ping(ctx) },
	}, log)

	log.Info("consuming", zap.String("topic", cfg.Kafka.Topic), zap.String("group", cfg.Kafka.GroupID))
	return kafka.RunConsumerGroup(ctx, group, []string{cfg.Kafka.Topic}, w.ConsumerGroupHandler(), log.Named("kafka"))
}

func newProviders(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) ([]notify.Provider, error) {
	var out []notify.Provider
	if cfg.FCM.CredentialsFile != "" || cfg.FCM.ProjectID != "" {
		fcm, err := notify.NewFCM(ctx, cfg.FCM)
		if err != nil {
			return nil, err
		}
		out = append(out, fcm)
	}
	if cfg.APNS.KeyFile != "" {
		apns, err := notify.NewAPNS(cfg.APNS)
		if err != nil {
			return nil, err
		}
		out = append(out, apns)
	}
	for _, p := range out {
		log.Info("push provider enabled", zap.String("provider", string(p.Name())))
	}
	return out, nil
}
