// internal/pkg/mq/consumer.go
package mq

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
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

// MessageReader 是 *kafka.Reader 中消费循环用到的部分。
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RawPublisher 用于把毒消息转发到死信主题。
type RawPublisher interface {
	PublishRaw(ctx context.Context, msg kafka.Message) error
}

type ConsumerConfig struct {
	// Name 只用于日志。
	Name string
	// DeadLetterTopic 为空时毒消息只记录日志。
	DeadLetterTopic string
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// QueueSize 是每个分区 worker 的缓冲长度。
	QueueSize int
}

func (c *ConsumerConfig) setDefaults() {
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
}

// Consumer 从消费组读取消息并按事件类型分发。
// 每个分区一个 worker，分区内严格顺序处理，分区之间并发。
// 处理成功才提交 offset；处理失败的消息在原地退避重试，直到成功或进程退出。
type Consumer struct {
	reader MessageReader
	router *event.Router
	dlt    RawPublisher
	cfg    ConsumerConfig
	tracer trace.Tracer
}

func NewConsumer(reader MessageReader, router *event.Router, dlt RawPublisher, cfg ConsumerConfig) *Consumer {
	cfg.setDefaults()
	return &Consumer{
		reader: reader,
		router: router,
		dlt:    dlt,
		cfg:    cfg,
		tracer: otel.Tracer("orderflow/mq"),
	}
}

type partitionKey struct {
	topic     string
	partition int
}

// Run 阻塞直到 ctx 结束或 reader 被关闭。broker 不可用只会产生告警日志。
func (c *Consumer) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Str("consumer", c.cfg.Name).Msg("✅ Kafka consumer started")

	var wg sync.WaitGroup
	workers := make(map[partitionKey]chan kafka.Message)
	defer func() {
		for _, ch := range workers {
			close(ch)
		}
		wg.Wait()
		logger.Ctx(ctx).Info().Str("consumer", c.cfg.Name).Msg("🛑 Kafka consumer stopped")
	}()

	backoff := c.cfg.RetryBackoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			logger.Ctx(ctx).Warn().Err(err).Str("consumer", c.cfg.Name).Dur("backoff", backoff).Msg("Fetch failed, retrying")
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, c.cfg.MaxRetryBackoff)
			continue
		}
		backoff = c.cfg.RetryBackoff

		key := partitionKey{topic: msg.Topic, partition: msg.Partition}
		ch, ok := workers[key]
		if !ok {
			ch = make(chan kafka.Message, c.cfg.QueueSize)
			workers[key] = ch
			wg.Add(1)
			go func() {
				defer wg.Done()
				for m := range ch {
					c.process(ctx, m)
				}
			}()
		}

		select {
		case ch <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// Close 关闭底层 reader，使 Run 返回。
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	if ctx.Err() != nil {
		// 未提交，重启后由 broker 重新投递
		return
	}

	msgCtx := ExtractTraceContext(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "consume "+msg.Topic, trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.source", msg.Topic),
		attribute.Int("messaging.kafka.partition", msg.Partition),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	)

	log := logger.Ctx(msgCtx).With().
		Str("consumer", c.cfg.Name).
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	env, err := event.Decode(msg.Topic, msg.Key, msg.Value)
	if err != nil {
		log.Error().Err(err).Bytes("value", msg.Value).Msg("Poison message skipped")
		span.RecordError(err)
		span.SetStatus(codes.Error, "poison message")
		metrics.EventsConsumed.WithLabelValues(msg.Topic, "unknown", "poison").Inc()
		c.deadLetter(msgCtx, msg, err)
		c.commit(msgCtx, msg)
		return
	}
	span.SetAttributes(attribute.String("event.kind", string(env.Kind)))

	backoff := c.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		handled, err := c.router.Route(msgCtx, env)
		if err == nil {
			result := "ok"
			if !handled {
				result = "ignored"
				log.Debug().Str("event", string(env.Kind)).Msg("No handler for event kind, skipping")
			}
			metrics.EventsConsumed.WithLabelValues(msg.Topic, string(env.Kind), result).Inc()
			c.commit(msgCtx, msg)
			return
		}

		metrics.HandlerRetries.WithLabelValues(msg.Topic, string(env.Kind)).Inc()
		log.Warn().Err(err).
			Str("event", string(env.Kind)).
			Str("key", env.Key).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Handler failed, message will be redelivered")
		span.RecordError(err)

		if !sleepCtx(ctx, backoff) {
			metrics.EventsConsumed.WithLabelValues(msg.Topic, string(env.Kind), "abandoned").Inc()
			return
		}
		backoff = nextBackoff(backoff, c.cfg.MaxRetryBackoff)
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	// 关停过程中已处理完的消息也要提交
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Failed to commit message")
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) {
	if c.dlt == nil || c.cfg.DeadLetterTopic == "" {
		return
	}
	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: HeaderExceptionMessage, Value: []byte(cause.Error())},
	)
	dltMsg := kafka.Message{
		Topic:   c.cfg.DeadLetterTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}
	if err := c.dlt.PublishRaw(context.WithoutCancel(ctx), dltMsg); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("dlt", c.cfg.DeadLetterTopic).Msg("Failed to forward poison message to DLT")
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
