// cmd/notification-service/main.go
package main

import (
	"context"
	"net/http"

	"orderflow/internal/pkg/bootstrap"
	"orderflow/internal/pkg/config"
	"orderflow/internal/pkg/event"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/mq"
	"orderflow/internal/service/notification"

	"github.com/rs/zerolog/log"
)

const serviceName = "notification-service"

func main() {
	cfg, err := config.FromEnvironment(serviceName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init(serviceName, cfg.App.LogLevel, cfg.App.LogPretty)

	kafkaCfg := cfg.Infra.Kafka
	broker := mq.NewBroker(kafkaCfg.Brokers, kafkaCfg.ReconnectInterval)
	if err := broker.Connect(context.Background()); err != nil {
		log.Warn().Err(err).Strs("brokers", kafkaCfg.Brokers).Msg("Kafka not reachable at startup, consumer will keep retrying")
	}

	topics := kafkaCfg.Topics
	if len(topics) == 0 {
		topics = []string{event.TopicOrderEvents, event.TopicOrderStatusUpdates, event.TopicUserEvents}
	}
	var dlt mq.RawPublisher
	if kafkaCfg.DeadLetterTopic != "" {
		dlt = mq.NewKafkaPublisher(broker.Writer(), broker, kafkaCfg.PublishTimeout)
	}
	consumer := mq.NewConsumer(
		broker.Reader(kafkaCfg.ConsumerGroup, topics...),
		notification.NewNotifier(notification.LogSender{}).Router(),
		dlt,
		mq.ConsumerConfig{
			Name:            serviceName,
			DeadLetterTopic: kafkaCfg.DeadLetterTopic,
			RetryBackoff:    kafkaCfg.RetryBackoff,
			MaxRetryBackoff: kafkaCfg.MaxRetryBackoff,
		},
	)

	err = bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		Config:      cfg,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		},
		Runners: []bootstrap.Runner{broker.Run, consumer.Run},
		Closers: []bootstrap.Closer{
			func(context.Context) error { return broker.Close() },
			func(context.Context) error { return consumer.Close() },
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Notification service exited with error")
	}
}
