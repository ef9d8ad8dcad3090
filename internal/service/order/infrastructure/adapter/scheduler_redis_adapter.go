package adapter

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/redis"
	"orderflow/internal/service/order/domain/port"

	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

const (
	claimDueScriptName = "claim_due_advances"
	defaultAdvanceKey  = "orderflow:auto-advance"
	claimBatchSize     = 100
	defaultClaimLease  = 30 * time.Second
)

// RedisScheduler 把延迟任务存放在 Redis 有序集合里，分数为到期时间（毫秒）。
// 多个节点共享同一个集合。认领只是把分数推迟一个租期，执行成功后才删除，
// 节点在执行前崩溃时任务会在租期过后被其他节点重新认领。
type RedisScheduler struct {
	client     *redis.Client
	key        string
	interval   time.Duration
	retryDelay time.Duration
	lease      time.Duration
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
	fire port.FireFunc
}

type RedisSchedulerOption func(*RedisScheduler)

func WithAdvanceKey(key string) RedisSchedulerOption {
	return func(s *RedisScheduler) { s.key = key }
}

func WithClock(now func() time.Time) RedisSchedulerOption {
	return func(s *RedisScheduler) { s.now = now }
}

// WithClaimLease 设置认领后的租期，应当长于一次执行的耗时。
func WithClaimLease(lease time.Duration) RedisSchedulerOption {
	return func(s *RedisScheduler) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

func NewRedisScheduler(client *redis.Client, pollInterval, retryDelay time.Duration, opts ...RedisSchedulerOption) (*RedisScheduler, error) {
	if err := client.LoadScriptFromContent(claimDueScriptName, claimDueScript); err != nil {
		return nil, fmt.Errorf("failed to load auto-advance script: %w", err)
	}
	if pollInterval < time.Second {
		pollInterval = time.Second
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	s := &RedisScheduler{
		client:     client,
		key:        defaultAdvanceKey,
		interval:   pollInterval,
		retryDelay: retryDelay,
		lease:      defaultClaimLease,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Schedule 用 ZADD NX 登记任务，已登记的订单保持原来的到期时间。
func (s *RedisScheduler) Schedule(ctx context.Context, orderID string, delay time.Duration) error {
	due := s.now().Add(delay).UnixMilli()
	err := s.client.GetClient().ZAddNX(ctx, s.key, goredis.Z{Score: float64(due), Member: orderID}).Err()
	if err != nil {
		return fmt.Errorf("schedule auto-advance for order %s: %w", orderID, err)
	}
	return nil
}

// Start 启动轮询任务。
func (s *RedisScheduler) Start(fire port.FireFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fire = fire
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if _, err := s.Poll(context.Background()); err != nil {
			logger.Ctx(context.Background()).Warn().Err(err).Msg("Auto-advance poll failed")
		}
	})
	if err != nil {
		return fmt.Errorf("register auto-advance poll: %w", err)
	}
	s.cron.Start()
	return nil
}

func (s *RedisScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Poll 认领所有已到期的任务并逐个执行，返回执行的任务数。
// 执行成功的任务从集合中删除，失败的以 retryDelay 之后的时间重新登记。
func (s *RedisScheduler) Poll(ctx context.Context) (int, error) {
	s.mu.Lock()
	fire := s.fire
	s.mu.Unlock()
	if fire == nil {
		return 0, ErrSchedulerStopped
	}

	due, err := s.claim(ctx)
	if err != nil {
		return 0, err
	}

	rdb := s.client.GetClient()
	for _, orderID := range due {
		if err := fire(ctx, orderID); err != nil {
			retryAt := s.now().Add(s.retryDelay).UnixMilli()
			logger.Ctx(ctx).Warn().Err(err).Str("order_id", orderID).Msg("Auto-advance failed, rescheduling")
			if zerr := rdb.ZAdd(ctx, s.key, goredis.Z{Score: float64(retryAt), Member: orderID}).Err(); zerr != nil {
				// 租期到了之后仍会被重新认领
				logger.Ctx(ctx).Error().Err(zerr).Str("order_id", orderID).Msg("Failed to reschedule auto-advance")
			}
			continue
		}
		if err := rdb.ZRem(ctx, s.key, orderID).Err(); err != nil {
			// 会在租期后重复执行一次，AutoConfirm 对非 pending 订单是空操作
			logger.Ctx(ctx).Warn().Err(err).Str("order_id", orderID).Msg("Failed to ack auto-advance")
		}
	}
	return len(due), nil
}

// claim 原子地取出到期任务，并把它们的分数推迟到租期结束。
func (s *RedisScheduler) claim(ctx context.Context) ([]string, error) {
	now := s.now()
	res, err := s.client.RunScript(ctx, claimDueScriptName, []string{s.key},
		strconv.FormatInt(now.UnixMilli(), 10),
		claimBatchSize,
		strconv.FormatInt(now.Add(s.lease).UnixMilli(), 10),
	)
	if err != nil {
		return nil, fmt.Errorf("claim due auto-advances: %w", err)
	}
	members, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type from claim script: %T", res)
	}
	due := make([]string, 0, len(members))
	for _, m := range members {
		if orderID, ok := m.(string); ok {
			due = append(due, orderID)
		}
	}
	return due, nil
}

var claimDueScript = `
-- KEYS[1]: 延迟任务的有序集合
-- ARGV[1]: 当前时间（毫秒）
-- ARGV[2]: 单次最多认领的数量
-- ARGV[3]: 租期结束时间（毫秒）

local due = redis.call('zrangebyscore', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
for _, member in ipairs(due) do
    redis.call('zadd', KEYS[1], 'XX', ARGV[3], member)
end
return due
`
