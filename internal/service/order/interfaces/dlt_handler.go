// internal/service/order/interfaces/dlt_handler.go
package interfaces

import (
	"context"
	"errors"
	"io"
	"time"

	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/mq"

	"github.com/segmentio/kafka-go"
)

// DeadLetterLogger 监听死信主题并记录日志
type DeadLetterLogger struct {
	reader mq.MessageReader
	topic  string
}

func NewDeadLetterLogger(reader mq.MessageReader, topic string) *DeadLetterLogger {
	return &DeadLetterLogger{reader: reader, topic: topic}
}

// Run 阻塞直到 ctx 结束或 reader 被关闭。
func (a *DeadLetterLogger) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ DLT consumer started.")
	for {
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("🛑 DLT consumer shutting down.")
				return nil
			}
			logger.Ctx(ctx).Warn().Err(err).Str("topic", a.topic).Msg("DLT fetch failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		logDeadLetter(ctx, msg)

		// DLT中的消息总是直接提交，因为它们已经被“处理”了（即记录日志）
		if err := a.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Int64("offset", msg.Offset).Msg("DLT commit failed")
		}
	}
}

func (a *DeadLetterLogger) Close() error {
	return a.reader.Close()
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	// 使用结构化日志记录，便于后续分析
	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_topic", headers[mq.HeaderOriginalTopic]).
		Str("original_partition", headers[mq.HeaderOriginalPartition]).
		Str("original_offset", headers[mq.HeaderOriginalOffset]).
		Str("exception_message", headers[mq.HeaderExceptionMessage]).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 Dead letter message received")
}
