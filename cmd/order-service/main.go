// cmd/order-service/main.go
package main

import (
	"context"
	"fmt"

	"orderflow/internal/pkg/bootstrap"
	"orderflow/internal/pkg/config"
	"orderflow/internal/pkg/event"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/mq"
	"orderflow/internal/pkg/redis"
	"orderflow/internal/service/order/application"
	"orderflow/internal/service/order/domain"
	"orderflow/internal/service/order/domain/port"
	"orderflow/internal/service/order/infrastructure"
	"orderflow/internal/service/order/infrastructure/adapter"
	"orderflow/internal/service/order/infrastructure/rule"
	"orderflow/internal/service/order/interfaces"

	"github.com/rs/zerolog/log"
)

const serviceName = "order-service"

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg, err := config.FromEnvironment(serviceName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init(serviceName, cfg.App.LogLevel, cfg.App.LogPretty)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Order service exited with error")
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()
	var closers []bootstrap.Closer

	// 1. 存储
	repo, closeRepo, err := buildRepository(cfg)
	if err != nil {
		return err
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	// 2. Kafka：broker 不可用时照常启动，发布降级为告警
	kafkaCfg := cfg.Infra.Kafka
	broker := mq.NewBroker(kafkaCfg.Brokers, kafkaCfg.ReconnectInterval)
	if err := broker.Connect(ctx); err != nil {
		log.Warn().Err(err).Strs("brokers", kafkaCfg.Brokers).Msg("Kafka not reachable at startup, continuing in degraded mode")
	}
	publisher := mq.NewKafkaPublisher(broker.Writer(), broker, kafkaCfg.PublishTimeout)
	closers = append(closers, func(context.Context) error { return broker.Close() })

	// 3. 自动确认
	policy, err := rule.NewCELPolicy(cfg.Order.AutoConfirmRule)
	if err != nil {
		return fmt.Errorf("compile auto-confirm rule: %w", err)
	}
	scheduler, closeScheduler, err := buildScheduler(cfg)
	if err != nil {
		return err
	}

	manager := application.NewLifecycleManager(repo, publisher, scheduler, policy, application.ManagerConfig{
		AutoConfirmDelay:   cfg.Order.AutoConfirmDelay,
		PublishTimeout:     kafkaCfg.PublishTimeout,
		MaxConflictRetries: cfg.Order.MaxConflictRetries,
	})
	if err := scheduler.Start(manager.AutoConfirm); err != nil {
		return fmt.Errorf("start auto-advance scheduler: %w", err)
	}
	closers = append(closers, func(context.Context) error {
		scheduler.Stop()
		if closeScheduler != nil {
			return closeScheduler()
		}
		return nil
	})

	// 4. 消费者
	topics := kafkaCfg.Topics
	if len(topics) == 0 {
		topics = []string{event.TopicOrderEvents, event.TopicOrderStatusUpdates}
	}
	consumer := mq.NewConsumer(
		broker.Reader(kafkaCfg.ConsumerGroup, topics...),
		interfaces.NewEventRouter(manager),
		publisher,
		mq.ConsumerConfig{
			Name:            serviceName,
			DeadLetterTopic: kafkaCfg.DeadLetterTopic,
			RetryBackoff:    kafkaCfg.RetryBackoff,
			MaxRetryBackoff: kafkaCfg.MaxRetryBackoff,
		},
	)
	closers = append(closers, func(context.Context) error { return consumer.Close() })
	runners := []bootstrap.Runner{broker.Run, consumer.Run}

	if kafkaCfg.DeadLetterTopic != "" {
		dlt := interfaces.NewDeadLetterLogger(broker.Reader(kafkaCfg.ConsumerGroup+"-dlt", kafkaCfg.DeadLetterTopic), kafkaCfg.DeadLetterTopic)
		runners = append(runners, dlt.Run)
		closers = append(closers, func(context.Context) error { return dlt.Close() })
	}

	handler := interfaces.NewOrderHandler(manager)
	return bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		Config:      cfg,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		Runners: runners,
		Closers: closers,
	})
}

func buildRepository(cfg *config.Config) (domain.OrderRepository, bootstrap.Closer, error) {
	switch cfg.Order.Store {
	case config.StoreMemory:
		log.Warn().Msg("Using in-memory order store, orders are lost on restart")
		return infrastructure.NewMemoryRepository(), nil, nil
	default:
		db, err := infrastructure.OpenMySQL(cfg.Infra.MySQL.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return infrastructure.NewGormRepository(db), func(context.Context) error { return sqlDB.Close() }, nil
	}
}

func buildScheduler(cfg *config.Config) (port.AdvanceScheduler, func() error, error) {
	switch cfg.Order.Scheduler {
	case config.SchedulerRedis:
		rc := cfg.Infra.Redis
		client, err := redis.NewClient(rc.Addr, rc.Password, rc.DB)
		if err != nil {
			return nil, nil, err
		}
		s, err := adapter.NewRedisScheduler(client, cfg.Order.SchedulerPollInterval, cfg.Order.AutoConfirmDelay)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, client.Close, nil
	default:
		return adapter.NewTimerScheduler(cfg.Order.AutoConfirmDelay), nil, nil
	}
}
