package adapter

import (
	"context"
	"errors"
	"sync"
	"time"

	"orderflow/internal/pkg/logger"
	"orderflow/internal/service/order/domain/port"
)

var ErrSchedulerStopped = errors.New("scheduler is not running")

// TimerScheduler 是进程内的 port.AdvanceScheduler 实现，每个订单一个定时器。
// 进程重启会丢失未到期的任务，多副本部署请使用 RedisScheduler。
type TimerScheduler struct {
	retryDelay time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	fire    port.FireFunc
	running bool

	// 每次 Start 重新创建，Stop 时取消
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTimerScheduler 创建调度器。retryDelay 是回调失败后重新触发的间隔。
func NewTimerScheduler(retryDelay time.Duration) *TimerScheduler {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &TimerScheduler{
		retryDelay: retryDelay,
		timers:     make(map[string]*time.Timer),
	}
}

// Start 开始接受任务。Stop 之后可以再次 Start。
func (s *TimerScheduler) Start(fire port.FireFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.fire = fire
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.fire = fire
	s.running = true
	return nil
}

// Schedule 在 delay 之后触发一次回调。同一订单已有待触发的定时器时什么也不做。
func (s *TimerScheduler) Schedule(_ context.Context, orderID string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrSchedulerStopped
	}
	if _, ok := s.timers[orderID]; ok {
		return nil
	}
	s.timers[orderID] = time.AfterFunc(delay, func() { s.run(orderID) })
	return nil
}

// Pending 返回尚未触发的任务数。
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *TimerScheduler) run(orderID string) {
	s.mu.Lock()
	fire, running, ctx := s.fire, s.running, s.ctx
	s.mu.Unlock()
	if !running {
		return
	}

	err := fire(ctx, orderID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil && s.running {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", orderID).Dur("retry_in", s.retryDelay).Msg("Auto-advance failed, rescheduling")
		s.timers[orderID] = time.AfterFunc(s.retryDelay, func() { s.run(orderID) })
		return
	}
	delete(s.timers, orderID)
}

// Stop 取消所有未触发的定时器，正在执行的回调会收到已取消的 ctx。
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	if s.cancel != nil {
		s.cancel()
	}
}
