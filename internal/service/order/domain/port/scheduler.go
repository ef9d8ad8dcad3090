package port

import (
	"context"
	"time"
)

// FireFunc 在延迟到期时被调用，返回错误时调度器负责稍后重试。
type FireFunc func(ctx context.Context, orderID string) error

// AdvanceScheduler 安排一次延迟的自动推进。
// 同一个订单已有待执行任务时，重复调度是空操作。
// 调度器不保证精确一次：到期回调自己负责重新检查订单状态。
type AdvanceScheduler interface {
	Schedule(ctx context.Context, orderID string, delay time.Duration) error
	Start(fire FireFunc) error
	Stop()
}
