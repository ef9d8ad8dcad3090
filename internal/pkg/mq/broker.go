// internal/pkg/mq/broker.go
package mq

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/metrics"

	"github.com/segmentio/kafka-go"
)

// DialFunc 建立一条到 broker 的探测连接。
type DialFunc func(ctx context.Context, network, address string) (io.Closer, error)

func defaultDial(ctx context.Context, network, address string) (io.Closer, error) {
	return kafka.DialContext(ctx, network, address)
}

// Broker 是进程级的 Kafka 连接状态，由所有发布者和消费者共享。
// broker 不可用时进程照常运行，发布方据此快速失败。
type Broker struct {
	addrs    []string
	interval time.Duration
	dial     DialFunc

	connected atomic.Bool

	mu     sync.Mutex
	writer *kafka.Writer
	closed bool
}

type BrokerOption func(*Broker)

// WithDialer 替换探测用的拨号函数，测试里用来模拟 broker 上下线。
func WithDialer(d DialFunc) BrokerOption {
	return func(b *Broker) { b.dial = d }
}

func NewBroker(addrs []string, reconnectInterval time.Duration, opts ...BrokerOption) *Broker {
	if reconnectInterval <= 0 {
		reconnectInterval = 5 * time.Second
	}
	b := &Broker{addrs: addrs, interval: reconnectInterval, dial: defaultDial}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect 探测一次 broker。失败只记录日志并返回错误，调用方可以选择继续启动。
func (b *Broker) Connect(ctx context.Context) error {
	err := b.probe(ctx)
	b.setConnected(ctx, err == nil, err)
	return err
}

// Run 周期性重新探测，直到 ctx 结束。
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := b.probe(ctx)
			if ctx.Err() != nil {
				return nil
			}
			b.setConnected(ctx, err == nil, err)
		}
	}
}

// Available 报告最近一次探测或发布是否成功。
func (b *Broker) Available() bool {
	return b.connected.Load()
}

// MarkDown 由发布方在写入失败时调用，下一轮探测成功后恢复。
func (b *Broker) MarkDown(err error) {
	b.setConnected(context.Background(), false, err)
}

// Writer 返回共享的 Writer，第一次调用时创建。
func (b *Broker) Writer() *kafka.Writer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writer == nil {
		b.writer = NewKafkaWriter(b.addrs)
	}
	return b.writer
}

// Reader 为一个消费组创建 Reader。
func (b *Broker) Reader(groupID string, topics ...string) *kafka.Reader {
	return NewKafkaReader(b.addrs, groupID, topics...)
}

// Close 刷新并关闭共享 Writer，之后 Available 恒为 false。
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.connected.Store(false)
	metrics.BrokerUp.Set(0)
	if b.writer != nil {
		return b.writer.Close()
	}
	return nil
}

func (b *Broker) probe(ctx context.Context) error {
	if len(b.addrs) == 0 {
		return errors.New("no kafka brokers configured")
	}
	var lastErr error
	for _, addr := range b.addrs {
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		conn, err := b.dial(dialCtx, "tcp", addr)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return lastErr
}

func (b *Broker) setConnected(ctx context.Context, up bool, cause error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	was := b.connected.Swap(up)
	if up {
		metrics.BrokerUp.Set(1)
		if !was {
			logger.Ctx(ctx).Info().Strs("brokers", b.addrs).Msg("Kafka broker connected")
		}
		return
	}
	metrics.BrokerUp.Set(0)
	if was {
		logger.Ctx(ctx).Warn().Err(cause).Strs("brokers", b.addrs).Msg("Kafka broker disconnected, running degraded")
	} else if cause != nil {
		logger.Ctx(ctx).Debug().Err(cause).Msg("Kafka broker still unreachable")
	}
}
