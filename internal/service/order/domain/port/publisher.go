package port

import (
	"context"

	"orderflow/internal/pkg/event"
)

// EventPublisher 是事件总线的出站端口。返回 nil 表示 broker 已确认。
type EventPublisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}
