// internal/service/order/application/service.go
package application

import (
	"context"
	"errors"
	"time"

	"orderflow/internal/pkg/config"
	"orderflow/internal/pkg/event"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/metrics"
	"orderflow/internal/service/order/domain"
	"orderflow/internal/service/order/domain/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ManagerConfig struct {
	// AutoConfirmDelay 是新订单自动确认前的等待时间。
	AutoConfirmDelay time.Duration
	// PublishTimeout 限制事件发布等待 broker 确认的时间。
	PublishTimeout time.Duration
	// MaxConflictRetries 是条件更新冲突后重新读取并重试的最大次数。
	MaxConflictRetries int
}

// LifecycleManager 负责订单状态机：校验、落库、发布事件，以及自动确认。
// 同一订单的并发变更由存储层的条件更新串行化，进程内不加锁。
type LifecycleManager struct {
	repo      domain.OrderRepository
	publisher port.EventPublisher
	scheduler port.AdvanceScheduler
	policy    port.AutoConfirmPolicy
	cfg       ManagerConfig
	tracer    trace.Tracer
	now       func() time.Time
}

func NewLifecycleManager(repo domain.OrderRepository, publisher port.EventPublisher, scheduler port.AdvanceScheduler, policy port.AutoConfirmPolicy, cfg ManagerConfig) *LifecycleManager {
	if cfg.AutoConfirmDelay < 0 {
		cfg.AutoConfirmDelay = 0
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = time.Second
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = config.DefaultMaxConflictRetries
	}
	return &LifecycleManager{
		repo:      repo,
		publisher: publisher,
		scheduler: scheduler,
		policy:    policy,
		cfg:       cfg,
		tracer:    otel.Tracer("orderflow/order"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create 校验并保存一个 pending 订单，然后发布一条 order_created。
func (m *LifecycleManager) Create(ctx context.Context, req CreateOrderRequest) (*MutationResult, error) {
	ctx, span := m.tracer.Start(ctx, "order.Create")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", req.UserID))

	order, rec, err := domain.NewOrder(req.UserID, req.Items, req.Total, m.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid order")
		return nil, err
	}

	stored, err := m.repo.Insert(ctx, order)
	if err != nil {
		err = liftStoreError("insert", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		logger.Ctx(ctx).Error().Err(err).Str("user_id", req.UserID).Msg("Failed to save order")
		return nil, err
	}
	span.SetAttributes(attribute.String("order_id", stored.ID))

	result := &MutationResult{Order: stored}
	if rec.Mismatch {
		result.TotalMismatch = &rec
		metrics.TotalMismatches.Inc()
		logger.Ctx(ctx).Warn().
			Str("order_id", stored.ID).
			Float64("declared_total", rec.Declared).
			Float64("computed_total", rec.Computed).
			Msg("Declared total does not match items, using computed total")
	}

	logger.Ctx(ctx).Info().
		Str("order_id", stored.ID).
		Str("user_id", stored.UserID).
		Float64("total", stored.Total).
		Msg("Order created")

	result.PublishErr = m.publish(ctx, OrderCreatedEvent(stored))
	return result, nil
}

// ApplyTransition 把订单推进到 req.Target。
// 条件更新冲突时重新读取最新状态再判断，最多 MaxConflictRetries 次。
func (m *LifecycleManager) ApplyTransition(ctx context.Context, req TransitionRequest) (*MutationResult, error) {
	ctx, span := m.tracer.Start(ctx, "order.ApplyTransition")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", req.OrderID),
		attribute.String("target", string(req.Target)),
		attribute.String("source", string(req.Source)),
		attribute.Int64("seq", int64(req.Seq)),
	)

	if _, ok := domain.ParseStatus(string(req.Target)); !ok {
		err := &domain.ValidationError{Field: "status", Reason: "unknown status " + string(req.Target)}
		span.RecordError(err)
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		current, err := m.repo.FindByID(ctx, req.OrderID)
		if err != nil {
			err = liftStoreError("find", err)
			span.RecordError(err)
			return nil, err
		}

		change, stale, err := current.PlanTransition(req.Target, req.Seq, m.now())
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if stale {
			logger.Ctx(ctx).Debug().
				Str("order_id", current.ID).
				Str("status", string(current.Status)).
				Uint64("order_seq", current.Seq).
				Uint64("event_seq", req.Seq).
				Str("target", string(req.Target)).
				Msg("Stale or duplicate status update skipped")
			span.AddEvent("stale update skipped")
			return &MutationResult{Order: current, Skipped: true}, nil
		}

		updated, err := m.repo.UpdateStatus(ctx, current.ID, change)
		if errors.Is(err, domain.ErrConflict) {
			if attempt < m.cfg.MaxConflictRetries {
				span.AddEvent("conflict, retrying")
				continue
			}
			err = &domain.StoreError{Op: "update", Err: err}
		}
		if err != nil {
			err = liftStoreError("update", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "update failed")
			return nil, err
		}

		metrics.Transitions.WithLabelValues(string(change.From), string(change.To), string(req.Source)).Inc()
		logger.Ctx(ctx).Info().
			Str("order_id", updated.ID).
			Str("from", string(change.From)).
			Str("to", string(change.To)).
			Uint64("seq", updated.Seq).
			Str("source", string(req.Source)).
			Msg("Order status changed")

		result := &MutationResult{Order: updated}
		result.PublishErr = m.publish(ctx, StatusUpdatedEvent(updated))
		return result, nil
	}
}

func (m *LifecycleManager) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := m.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, liftStoreError("find", err)
	}
	return o, nil
}

// ListForUser 返回用户的订单，最新的在前。
func (m *LifecycleManager) ListForUser(ctx context.Context, userID string) ([]*domain.Order, error) {
	if userID == "" {
		return nil, &domain.ValidationError{Field: "user_id", Reason: "is required"}
	}
	orders, err := m.repo.FindByUser(ctx, userID)
	if err != nil {
		return nil, liftStoreError("list", err)
	}
	return orders, nil
}

// HandleOrderCreated 是 order_created 的消费入口：按策略为订单安排一次延迟的自动确认。
// 返回错误会让消息重新投递。
func (m *LifecycleManager) HandleOrderCreated(ctx context.Context, env event.Envelope) error {
	ctx, span := m.tracer.Start(ctx, "order.HandleOrderCreated", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("order_id", env.OrderID))

	order, err := m.repo.FindByID(ctx, env.OrderID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Ctx(ctx).Warn().Str("order_id", env.OrderID).Msg("order_created for unknown order, ignoring")
		return nil
	}
	if err != nil {
		return liftStoreError("find", err)
	}
	if order.Status != domain.StatusPending {
		return nil
	}

	if m.policy != nil {
		ok, err := m.policy.ShouldAutoConfirm(ctx, order)
		if err != nil {
			// 规则本身有问题，重试也不会好转
			metrics.AutoAdvance.WithLabelValues("policy_error").Inc()
			logger.Ctx(ctx).Error().Err(err).Str("order_id", order.ID).Msg("Auto-confirm policy failed")
			return nil
		}
		if !ok {
			metrics.AutoAdvance.WithLabelValues("declined").Inc()
			logger.Ctx(ctx).Info().Str("order_id", order.ID).Msg("Auto-confirm declined by policy")
			return nil
		}
	}

	if err := m.scheduler.Schedule(ctx, order.ID, m.cfg.AutoConfirmDelay); err != nil {
		span.RecordError(err)
		return err
	}
	metrics.AutoAdvance.WithLabelValues("scheduled").Inc()
	logger.Ctx(ctx).Debug().Str("order_id", order.ID).Dur("delay", m.cfg.AutoConfirmDelay).Msg("Auto-confirm scheduled")
	return nil
}

// AutoConfirm 由调度器在延迟到期后调用。订单已不是 pending 时静默跳过，
// 只有存储错误会返回给调度器重试。
func (m *LifecycleManager) AutoConfirm(ctx context.Context, orderID string) error {
	order, err := m.repo.FindByID(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		metrics.AutoAdvance.WithLabelValues("gone").Inc()
		return nil
	}
	if err != nil {
		metrics.AutoAdvance.WithLabelValues("error").Inc()
		return liftStoreError("find", err)
	}
	if order.Status != domain.StatusPending {
		metrics.AutoAdvance.WithLabelValues("skipped").Inc()
		logger.Ctx(ctx).Debug().Str("order_id", orderID).Str("status", string(order.Status)).Msg("Auto-confirm skipped")
		return nil
	}

	_, err = m.ApplyTransition(ctx, TransitionRequest{
		OrderID: orderID,
		Target:  domain.StatusConfirmed,
		Source:  SourceScheduler,
	})
	switch {
	case err == nil:
		metrics.AutoAdvance.WithLabelValues("confirmed").Inc()
		return nil
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
		// 读取之后被并发取消或推进了
		metrics.AutoAdvance.WithLabelValues("skipped").Inc()
		return nil
	default:
		metrics.AutoAdvance.WithLabelValues("error").Inc()
		return err
	}
}

// HandleStatusUpdated 应用一条经总线送达的状态变更，重复和过期的投递是空操作。
func (m *LifecycleManager) HandleStatusUpdated(ctx context.Context, env event.Envelope) error {
	target, ok := domain.ParseStatus(env.Status)
	if !ok {
		logger.Ctx(ctx).Warn().Str("order_id", env.OrderID).Str("status", env.Status).Msg("status_updated with unknown status, ignoring")
		return nil
	}

	_, err := m.ApplyTransition(ctx, TransitionRequest{
		OrderID: env.OrderID,
		Target:  target,
		Source:  SourceEvent,
		Seq:     env.Seq,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInvalidTransition):
		logger.Ctx(ctx).Info().Err(err).Str("order_id", env.OrderID).Msg("status_updated rejected")
		return nil
	case errors.Is(err, domain.ErrNotFound):
		logger.Ctx(ctx).Warn().Str("order_id", env.OrderID).Msg("status_updated for unknown order, ignoring")
		return nil
	default:
		return err
	}
}

// publish 在写入成功之后调用。发布与请求的取消解耦，由 PublishTimeout 单独限时，
// 失败只作为告警返回，不回滚已经落库的变更。
func (m *LifecycleManager) publish(ctx context.Context, env event.Envelope) error {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.PublishTimeout)
	defer cancel()
	if err := m.publisher.Publish(pubCtx, env); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("order_id", env.OrderID).
			Str("event", string(env.Kind)).
			Msg("Order change saved but event not published")
		return err
	}
	return nil
}

// liftStoreError 保留领域错误，其他错误包装为 *domain.StoreError。
func liftStoreError(op string, err error) error {
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrStore) || errors.Is(err, domain.ErrValidation) {
		return err
	}
	return &domain.StoreError{Op: op, Err: err}
}
