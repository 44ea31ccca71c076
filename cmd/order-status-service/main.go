// cmd/order-status-service/main.go
package main

import (
	"context"
	"os"
	"time"

	"ordersync/internal/pkg/bootstrap"
	"ordersync/internal/pkg/logger"
	"ordersync/internal/pkg/mq"
	"ordersync/internal/pkg/redis"
	"ordersync/internal/service/orderstatus/application"
	"ordersync/internal/service/orderstatus/domain"
	"ordersync/internal/service/orderstatus/infrastructure"
	"ordersync/internal/service/orderstatus/interfaces"
)

const (
	serviceName    = "order-status-service"
	defaultGroupID = "order-status-reconciler"
)

// main 是应用的组装根：创建并组装所有依赖项，然后启动服务。
func main() {
	reconcilerCfg := application.DefaultConfig()
	cfg, err := bootstrap.LoadConfig(getEnv("CONFIG_FILE", "configs/order-status-service.yaml"), &reconcilerCfg)
	if cfg == nil {
		logger.Init(serviceName, "info", os.Stdout)
		logger.Ctx(context.Background()).Fatal().Err(err).Msg("failed to load config")
	}
	name := cfg.Service.Name
	if name == "" {
		name = serviceName
	}
	logger.Init(name, cfg.Service.LogLevel, os.Stdout)
	log := logger.Ctx(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// 1. 持久化：MySQL 为准，Redis 只做读缓存
	db, err := infrastructure.OpenMySQL(cfg.Infra.MySQL.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect mysql")
	}
	repo := infrastructure.NewGormOrderRepository(db)
	if getEnv("AUTO_MIGRATE", "") == "true" {
		if err := repo.AutoMigrate(); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate orders table")
		}
	}
	var gateway domain.OrderGateway = repo

	var redisClient *redis.Client
	if cfg.Infra.Redis.Addrs != "" {
		redisClient, err = redis.NewClient(cfg.Infra.Redis.Addrs)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Redis unavailable, order cache disabled")
		} else if cached, err := infrastructure.NewCachedOrderGateway(repo, redisClient, cfg.Infra.Redis.CacheTTL); err != nil {
			log.Warn().Err(err).Msg("⚠️ Order cache disabled")
		} else {
			gateway = cached
		}
	}

	// 2. 出站：状态变更事件写 Kafka，同时推给 WebSocket 订阅者
	brokers := cfg.Infra.Kafka.Brokers
	statusWriter := mq.NewKafkaWriter(brokers, cfg.Infra.Kafka.StatusTopic)
	dltWriter := mq.NewKafkaWriter(brokers, cfg.Infra.Kafka.DeadLetterTopic)
	hub := interfaces.NewStatusPushHub()

	svc, err := application.NewReconciliationService(gateway, reconcilerCfg,
		application.WithPublisher(infrastructure.NewStatusEventKafkaAdapter(statusWriter, cfg.Infra.Kafka.StatusTopic)),
		application.WithPublisher(hub),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build reconciliation service")
	}

	// 3. 入站：通知消费者和死信日志
	groupID := cfg.Infra.Kafka.GroupID
	if groupID == "" {
		groupID = defaultGroupID
	}
	consumer := interfaces.NewNotificationConsumerAdapter(
		mq.NewKafkaReader(brokers, cfg.Infra.Kafka.NotificationTopic, groupID),
		svc,
		mq.NewFailureHandler(dltWriter),
	)
	dltConsumer := interfaces.NewDltConsumerAdapter(
		mq.NewKafkaReader(brokers, cfg.Infra.Kafka.DeadLetterTopic, groupID+"-dlt"),
	)

	err = bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: name,
		Port:        cfg.Service.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			interfaces.NewOpsHandler(svc, hub).RegisterRoutes(appCtx.Mux)
		},
		Workers: []bootstrap.Worker{
			consumer.Run,
			dltConsumer.Run,
			func(ctx context.Context) error { return runMaintenance(ctx, svc) },
		},
		OnShutdown: []func(context.Context) error{
			func(context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.Close()
			},
			func(context.Context) error {
				if redisClient == nil {
					return nil
				}
				return redisClient.Close()
			},
			func(context.Context) error { return statusWriter.Close() },
			func(context.Context) error { return dltWriter.Close() },
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("service exited with error")
	}
}

// runMaintenance 定期重放排队的更新并清理过期条目，引擎本身不持有定时器
func runMaintenance(ctx context.Context, svc *application.ReconciliationService) error {
	cfg := svc.Config()
	sweep := time.NewTicker(cfg.SweepInterval)
	drain := time.NewTicker(cfg.DrainInterval)
	defer sweep.Stop()
	defer drain.Stop()

	log := logger.Ctx(ctx)
	log.Info().Dur("sweep_interval", cfg.SweepInterval).Dur("drain_interval", cfg.DrainInterval).Msg("⏱️ Pending queue maintenance started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-drain.C:
			if n := svc.DrainAll(ctx); n > 0 {
				log.Info().Int("orders", n).Msg("🔄 Pending updates drained")
			}
		case <-sweep.C:
			svc.SweepExpired(cfg.MaxPendingAge)
		}
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
