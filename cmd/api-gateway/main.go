package main

import (
	"context"

	"orderflow/internal/pkg/bootstrap"
	"orderflow/internal/pkg/config"
	"orderflow/internal/pkg/httpclient"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/mq"
	"orderflow/internal/service/gateway"

	"github.com/rs/zerolog/log"
)

const serviceName = "api-gateway"

func main() {
	cfg, err := config.FromEnvironment(serviceName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init(serviceName, cfg.App.LogLevel, cfg.App.LogPretty)

	kafkaCfg := cfg.Infra.Kafka
	broker := mq.NewBroker(kafkaCfg.Brokers, kafkaCfg.ReconnectInterval)
	if err := broker.Connect(context.Background()); err != nil {
		log.Warn().Err(err).Strs("brokers", kafkaCfg.Brokers).Msg("Kafka not reachable at startup, edge events will be dropped until it is")
	}
	publisher := mq.NewKafkaPublisher(broker.Writer(), broker, kafkaCfg.PublishTimeout)
	client := httpclient.NewClient(cfg.Gateway.RequestTimeout)

	static := gateway.StaticResolver{
		gateway.OrderService:      cfg.Gateway.OrderServiceURL,
		gateway.UserService:       cfg.Gateway.UserServiceURL,
		gateway.RestaurantService: cfg.Gateway.RestaurantServiceURL,
	}

	err = bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		Config:      cfg,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			var resolver gateway.Resolver = static
			if appCtx.Nacos != nil {
				resolver = gateway.NewDiscoveryResolver(appCtx.Nacos, static)
			}
			gateway.NewFacade(client, resolver, publisher).RegisterRoutes(appCtx.Mux)
		},
		Runners: []bootstrap.Runner{broker.Run},
		Closers: []bootstrap.Closer{func(context.Context) error { return broker.Close() }},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("API gateway exited with error")
	}
}
