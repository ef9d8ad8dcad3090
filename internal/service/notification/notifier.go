// Package notification 把订单事件转换为面向客户的通知。目前只写结构化日志，代替邮件和短信。
package notification

import (
	"context"
	"fmt"

	"orderflow/internal/pkg/event"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/metrics"
)

// Message 是一条待发送的客户通知。
type Message struct {
	UserID  string
	OrderID string
	Email   string
	Text    string
}

// Sender 投递通知。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender 把通知写进日志。
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	logger.Ctx(ctx).Info().
		Str("user_id", msg.UserID).
		Str("order_id", msg.OrderID).
		Str("email", msg.Email).
		Msg("📨 " + msg.Text)
	return nil
}

type Notifier struct {
	sender Sender
}

func NewNotifier(sender Sender) *Notifier {
	return &Notifier{sender: sender}
}

// Router 返回通知服务订阅的事件路由。
func (n *Notifier) Router() *event.Router {
	return event.NewRouter().
		Handle(event.KindOrderCreated, n.notify).
		Handle(event.KindStatusUpdated, n.notify).
		Handle(event.KindUserRegistered, n.notify)
}

func (n *Notifier) notify(ctx context.Context, env event.Envelope) error {
	text, ok := render(env)
	if !ok {
		return nil
	}
	if err := n.sender.Send(ctx, Message{UserID: env.UserID, OrderID: env.OrderID, Email: env.Email, Text: text}); err != nil {
		return err
	}
	metrics.Notifications.WithLabelValues(string(env.Kind)).Inc()
	return nil
}

var statusText = map[string]string{
	"confirmed":        "has been confirmed",
	"preparing":        "is being prepared",
	"out_for_delivery": "is out for delivery",
	"delivered":        "has been delivered",
	"cancelled":        "has been cancelled",
}

func render(env event.Envelope) (string, bool) {
	switch env.Kind {
	case event.KindOrderCreated:
		return fmt.Sprintf("We received your order %s (total %.2f).", env.OrderID, env.Total), true
	case event.KindStatusUpdated:
		phrase, ok := statusText[env.Status]
		if !ok {
			return "", false
		}
		return fmt.Sprintf("Your order %s %s.", env.OrderID, phrase), true
	case event.KindUserRegistered:
		return "Welcome aboard!", true
	default:
		return "", false
	}
}
