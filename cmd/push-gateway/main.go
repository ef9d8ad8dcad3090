package main

import (
	"context"
	"net/http"

	"orderflow/internal/pkg/bootstrap"
	"orderflow/internal/pkg/config"
	"orderflow/internal/pkg/event"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/mq"
	"orderflow/internal/pkg/redis"
	"orderflow/internal/service/push"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const serviceName = "push-gateway"

func main() {
	cfg, err := config.FromEnvironment(serviceName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init(serviceName, cfg.App.LogLevel, cfg.App.LogPretty)

	nodeID := serviceName + "-" + uuid.New().String()[:8]
	closers := []bootstrap.Closer{}

	// 会话登记是可选的：Redis 不可用时本节点照常推送
	var (
		sessions push.SessionRegistry
		presence push.PresenceLookup
	)
	rc := cfg.Infra.Redis
	if client, err := redis.NewClient(rc.Addr, rc.Password, rc.DB); err != nil {
		log.Warn().Err(err).Msg("Redis not reachable, push sessions will not be recorded")
	} else {
		rs := push.NewRedisSessions(client.GetClient(), 0)
		sessions, presence = rs, rs
		closers = append(closers, func(context.Context) error { return client.Close() })
	}
	hub := push.NewHub(nodeID, sessions)

	kafkaCfg := cfg.Infra.Kafka
	broker := mq.NewBroker(kafkaCfg.Brokers, kafkaCfg.ReconnectInterval)
	if err := broker.Connect(context.Background()); err != nil {
		log.Warn().Err(err).Strs("brokers", kafkaCfg.Brokers).Msg("Kafka not reachable at startup, consumer will keep retrying")
	}

	// 每个节点一个独立的消费组，所有节点都能收到全部状态变更
	group := kafkaCfg.ConsumerGroup + "-" + nodeID
	router := event.NewRouter().Handle(event.KindStatusUpdated, hub.HandleStatusUpdated)
	consumer := mq.NewConsumer(broker.Reader(group, event.TopicOrderStatusUpdates), router, nil, mq.ConsumerConfig{
		Name:            nodeID,
		RetryBackoff:    kafkaCfg.RetryBackoff,
		MaxRetryBackoff: kafkaCfg.MaxRetryBackoff,
	})

	closers = append(closers,
		func(context.Context) error { return broker.Close() },
		func(context.Context) error { return consumer.Close() },
		func(context.Context) error { hub.Close(); return nil },
	)

	log.Info().Str("node", nodeID).Msg("Push gateway starting")
	err = bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		Config:      cfg,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.HandleFunc("GET /ws", hub.ServeWS)
			appCtx.Mux.HandleFunc("GET /presence/{userId}", push.PresenceHandler(presence))
		},
		Runners: []bootstrap.Runner{broker.Run, consumer.Run},
		Closers: closers,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Push gateway exited with error")
	}
}
