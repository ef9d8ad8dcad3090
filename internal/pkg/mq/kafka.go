// internal/pkg/mq/kafka.go
package mq

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// 死信消息附带的头部，记录原始位置和失败原因。
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionMessage  = "x-exception-message"
)

// NewKafkaWriter 创建一个不绑定主题的共享 Writer，主题由每条消息自己指定。
// Hash 均衡器保证同一个 Key 总是落在同一分区。
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaReader 创建一个订阅多个主题的消费组 Reader。
// CommitInterval 为 0 表示同步提交，offset 只在 CommitMessages 时推进。
// 新的消费组从最新位置开始读。
func NewKafkaReader(brokers []string, groupID string, topics ...string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		GroupTopics:    topics,
		StartOffset:    kafka.LastOffset,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
	})
}
