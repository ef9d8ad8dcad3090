// Package metrics 汇总订单流程的 Prometheus 指标，由 /metrics 端点暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "orderflow"

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Events handed to the broker, by topic and result.",
	}, []string{"topic", "result"})

	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_consumed_total",
		Help:      "Events read from the broker, by topic, kind and result.",
	}, []string{"topic", "kind", "result"})

	HandlerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_handler_retries_total",
		Help:      "Handler failures that caused an in-place redelivery.",
	}, []string{"topic", "kind"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_transitions_total",
		Help:      "Committed order status transitions.",
	}, []string{"from", "to", "source"})

	AutoAdvance = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_auto_advance_total",
		Help:      "Outcomes of deferred pending->confirmed transitions.",
	}, []string{"result"})

	TotalMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_total_mismatch_total",
		Help:      "Orders whose declared total was replaced by the computed one.",
	})

	BrokerUp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broker_connected",
		Help:      "1 when the Kafka broker answered the last probe.",
	})

	PublishLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "publish_duration_seconds",
		Help:      "Time spent writing one event to the broker.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"topic"})

	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_requests_total",
		Help:      "Requests proxied by the gateway, by route and status code.",
	}, []string{"route", "code"})

	PushClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "push_clients",
		Help:      "Websocket clients currently subscribed to status updates.",
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_sent_total",
		Help:      "Customer notifications emitted, by event kind.",
	}, []string{"kind"})
)
