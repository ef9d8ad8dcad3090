// internal/pkg/mq/publisher.go
package mq

import (
	"context"
	"errors"
	"time"

	"orderflow/internal/pkg/event"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/metrics"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MessageWriter 是 *kafka.Writer 中发布方用到的部分。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Availability 由 *Broker 实现。
type Availability interface {
	Available() bool
	MarkDown(err error)
}

// KafkaPublisher 把事件信封写入 Kafka。
type KafkaPublisher struct {
	writer  MessageWriter
	broker  Availability
	timeout time.Duration
	tracer  trace.Tracer
}

// NewKafkaPublisher 创建发布者。timeout 限制单次写入等待 broker 确认的时间。
func NewKafkaPublisher(writer MessageWriter, broker Availability, timeout time.Duration) *KafkaPublisher {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &KafkaPublisher{
		writer:  writer,
		broker:  broker,
		timeout: timeout,
		tracer:  otel.Tracer("orderflow/mq"),
	}
}

// Publish 编码并写入一个事件。返回 nil 表示 broker 已确认。
func (p *KafkaPublisher) Publish(ctx context.Context, env event.Envelope) error {
	value, err := event.Encode(env)
	if err != nil {
		return &PublishError{Kind: PublishFailed, Topic: env.Topic, Key: env.Key, Err: err}
	}

	ctx, span := p.tracer.Start(ctx, "publish "+env.Topic, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", env.Topic),
		attribute.String("messaging.kafka.message_key", env.Key),
		attribute.String("event.kind", string(env.Kind)),
	)

	msg := kafka.Message{
		Topic: env.Topic,
		Key:   []byte(env.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(env.Kind)},
		},
	}
	mqErr := p.write(ctx, msg)
	if mqErr != nil {
		span.RecordError(mqErr)
		span.SetStatus(codes.Error, mqErr.Error())
		logger.Ctx(ctx).Warn().Err(mqErr).
			Str("topic", env.Topic).
			Str("key", env.Key).
			Str("event", string(env.Kind)).
			Msg("Event not published")
		return mqErr
	}

	logger.Ctx(ctx).Debug().
		Str("topic", env.Topic).
		Str("key", env.Key).
		Str("event", string(env.Kind)).
		Uint64("seq", env.Seq).
		Msg("Event published")
	return nil
}

// PublishRaw 原样写入一条消息，用于死信转发。
func (p *KafkaPublisher) PublishRaw(ctx context.Context, msg kafka.Message) error {
	if err := p.write(ctx, msg); err != nil {
		return err
	}
	return nil
}

func (p *KafkaPublisher) write(ctx context.Context, msg kafka.Message) *PublishError {
	if p.broker != nil && !p.broker.Available() {
		metrics.EventsPublished.WithLabelValues(msg.Topic, PublishUnavailable.String()).Inc()
		return &PublishError{Kind: PublishUnavailable, Topic: msg.Topic, Key: string(msg.Key)}
	}

	InjectTraceContext(ctx, &msg.Headers)

	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.writer.WriteMessages(writeCtx, msg)
	metrics.PublishLatency.WithLabelValues(msg.Topic).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.EventsPublished.WithLabelValues(msg.Topic, "ok").Inc()
		return nil
	}

	kind := PublishFailed
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(writeCtx.Err(), context.DeadlineExceeded) {
		kind = PublishTimeout
	}
	metrics.EventsPublished.WithLabelValues(msg.Topic, kind.String()).Inc()
	if p.broker != nil && ctx.Err() == nil {
		p.broker.MarkDown(err)
	}
	return &PublishError{Kind: kind, Topic: msg.Topic, Key: string(msg.Key), Err: err}
}
