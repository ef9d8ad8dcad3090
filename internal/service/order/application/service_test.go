package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orderflow/internal/pkg/config"
	"orderflow/internal/pkg/event"
	"orderflow/internal/pkg/mq"
	"orderflow/internal/service/order/application"
	"orderflow/internal/service/order/domain"
	"orderflow/internal/service/order/domain/port"
	"orderflow/internal/service/order/infrastructure"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Envelope
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, env event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, env)
	return p.err
}

func (p *recordingPublisher) published() []event.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Envelope(nil), p.events...)
}

type mockScheduler struct{ mock.Mock }

func (m *mockScheduler) Schedule(ctx context.Context, orderID string, delay time.Duration) error {
	return m.Called(ctx, orderID, delay).Error(0)
}
func (m *mockScheduler) Start(port.FireFunc) error { return nil }
func (m *mockScheduler) Stop()                     {}

type staticPolicy struct {
	allow bool
	err   error
}

func (p staticPolicy) ShouldAutoConfirm(context.Context, *domain.Order) (bool, error) {
	return p.allow, p.err
}

type fixture struct {
	repo      *infrastructure.MemoryRepository
	publisher *recordingPublisher
	scheduler *mockScheduler
	manager   *application.LifecycleManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:      infrastructure.NewMemoryRepository(),
		publisher: &recordingPublisher{},
		scheduler: &mockScheduler{},
	}
	f.manager = application.NewLifecycleManager(f.repo, f.publisher, f.scheduler, staticPolicy{allow: true}, application.ManagerConfig{
		AutoConfirmDelay: 2 * time.Second,
		PublishTimeout:   time.Second,
	})
	return f
}

func (f *fixture) create(t *testing.T) *domain.Order {
	t.Helper()
	res, err := f.manager.Create(context.Background(), application.CreateOrderRequest{
		UserID: "u1",
		Items:  []domain.Item{{Name: "pizza", Price: 12.99, Quantity: 1}},
		Total:  12.99,
	})
	require.NoError(t, err)
	return res.Order
}

// moveTo 沿前向链把订单推进到 target。
func (f *fixture) moveTo(t *testing.T, id string, target domain.Status) {
	t.Helper()
	if target == domain.StatusPending {
		return
	}
	_, err := f.manager.ApplyTransition(context.Background(), application.TransitionRequest{OrderID: id, Target: target, Source: application.SourceAPI})
	require.NoError(t, err)
}

var allStatuses = []domain.Status{
	domain.StatusPending, domain.StatusConfirmed, domain.StatusPreparing,
	domain.StatusOutForDelivery, domain.StatusDelivered, domain.StatusCancelled,
}

func TestCreatePublishesOrderCreated(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)

	assert.Equal(t, domain.StatusPending, o.Status)
	assert.Equal(t, 12.99, o.Total)
	assert.EqualValues(t, 1, o.Seq)

	events := f.publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, event.KindOrderCreated, events[0].Kind)
	assert.Equal(t, event.TopicOrderEvents, events[0].Topic)
	assert.Equal(t, o.ID, events[0].Key)
	assert.Equal(t, "u1", events[0].UserID)
	assert.Equal(t, 12.99, events[0].Total)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Create(context.Background(), application.CreateOrderRequest{UserID: "u1"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.manager.Create(context.Background(), application.CreateOrderRequest{Items: []domain.Item{{Price: 1, Quantity: 1}}})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, f.publisher.published())
}

func TestCreateReconcilesMismatchedTotal(t *testing.T) {
	f := newFixture(t)
	res, err := f.manager.Create(context.Background(), application.CreateOrderRequest{
		UserID: "u1",
		Items:  []domain.Item{{Price: 12.99, Quantity: 1}},
		Total:  9.00,
	})
	require.NoError(t, err)
	assert.Equal(t, 12.99, res.Order.Total)
	require.NotNil(t, res.TotalMismatch)
	assert.Equal(t, 9.00, res.TotalMismatch.Declared)
	assert.Len(t, res.Warnings(), 1)

	stored, err := f.manager.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, 12.99, stored.Total)
}

func TestTransitionMatrix(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				f := newFixture(t)
				o := f.create(t)
				f.moveTo(t, o.ID, from)

				res, err := f.manager.ApplyTransition(context.Background(), application.TransitionRequest{OrderID: o.ID, Target: to, Source: application.SourceAPI})
				if from.CanTransitionTo(to) {
					require.NoError(t, err)
					assert.Equal(t, to, res.Order.Status)
				} else {
					assert.ErrorIs(t, err, domain.ErrInvalidTransition)
				}
			})
		}
	}
}

func TestCancelReachability(t *testing.T) {
	for _, s := range allStatuses {
		assert.Equal(t, !s.IsTerminal(), s.CanTransitionTo(domain.StatusCancelled), s)
	}
}

func TestLifecycleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t)

	res, err := f.manager.ApplyTransition(ctx, application.TransitionRequest{OrderID: o.ID, Target: domain.StatusConfirmed, Source: application.SourceAPI})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, res.Order.Status)

	_, err = f.manager.ApplyTransition(ctx, application.TransitionRequest{OrderID: o.ID, Target: domain.StatusPending, Source: application.SourceAPI})
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatusConfirmed, invalid.From)

	res, err = f.manager.ApplyTransition(ctx, application.TransitionRequest{OrderID: o.ID, Target: domain.StatusCancelled, Source: application.SourceAPI})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, res.Order.Status)

	_, err = f.manager.ApplyTransition(ctx, application.TransitionRequest{OrderID: o.ID, Target: domain.StatusConfirmed, Source: application.SourceAPI})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// 一次创建加两次成功的变更，正好三条事件
	events := f.publisher.published()
	require.Len(t, events, 3)
	assert.Equal(t, event.KindStatusUpdated, events[2].Kind)
	assert.Equal(t, event.TopicOrderStatusUpdates, events[2].Topic)
	assert.Equal(t, "cancelled", events[2].Status)
	assert.EqualValues(t, 3, events[2].Seq)
}

func TestApplyTransitionUnknownOrderAndStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.ApplyTransition(context.Background(), application.TransitionRequest{OrderID: "missing", Target: domain.StatusConfirmed})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	o := f.create(t)
	_, err = f.manager.ApplyTransition(context.Background(), application.TransitionRequest{OrderID: o.ID, Target: "shipped"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDegradedModeKeepsMutations(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = &mq.PublishError{Kind: mq.PublishUnavailable, Topic: event.TopicOrderEvents}

	res, err := f.manager.Create(context.Background(), application.CreateOrderRequest{
		UserID: "u1",
		Items:  []domain.Item{{Price: 5, Quantity: 2}},
		Total:  10,
	})
	require.NoError(t, err)
	assert.ErrorIs(t, res.PublishErr, mq.ErrPublishUnavailable)
	assert.NotEmpty(t, res.Warnings())

	res, err = f.manager.ApplyTransition(context.Background(), application.TransitionRequest{OrderID: res.Order.ID, Target: domain.StatusConfirmed})
	require.NoError(t, err)
	assert.Error(t, res.PublishErr)

	stored, err := f.manager.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, stored.Status)
}

func TestPublishIsDetachedFromRequestCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	var seenErr error
	blocking := publisherFunc(func(ctx context.Context, _ event.Envelope) error {
		seenErr = ctx.Err()
		return nil
	})
	m := application.NewLifecycleManager(f.repo, blocking, f.scheduler, nil, application.ManagerConfig{})
	cancel()

	_, err := m.Create(ctx, application.CreateOrderRequest{UserID: "u1", Items: []domain.Item{{Price: 1, Quantity: 1}}, Total: 1})
	require.NoError(t, err)
	assert.NoError(t, seenErr)
}

type publisherFunc func(ctx context.Context, env event.Envelope) error

func (f publisherFunc) Publish(ctx context.Context, env event.Envelope) error { return f(ctx, env) }

func TestHandleOrderCreatedSchedulesAutoConfirm(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	f.scheduler.On("Schedule", mock.Anything, o.ID, 2*time.Second).Return(nil).Once()

	require.NoError(t, f.manager.HandleOrderCreated(context.Background(), application.OrderCreatedEvent(o)))
	f.scheduler.AssertExpectations(t)
}

func TestHandleOrderCreatedSkipsNonPendingAndUnknown(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	f.moveTo(t, o.ID, domain.StatusCancelled)

	require.NoError(t, f.manager.HandleOrderCreated(context.Background(), application.OrderCreatedEvent(o)))
	require.NoError(t, f.manager.HandleOrderCreated(context.Background(), event.Envelope{Kind: event.KindOrderCreated, OrderID: "missing"}))
	f.scheduler.AssertNotCalled(t, "Schedule", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleOrderCreatedRespectsPolicy(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)

	declined := application.NewLifecycleManager(f.repo, f.publisher, f.scheduler, staticPolicy{allow: false}, application.ManagerConfig{})
	require.NoError(t, declined.HandleOrderCreated(context.Background(), application.OrderCreatedEvent(o)))

	broken := application.NewLifecycleManager(f.repo, f.publisher, f.scheduler, staticPolicy{err: errors.New("bad rule")}, application.ManagerConfig{})
	require.NoError(t, broken.HandleOrderCreated(context.Background(), application.OrderCreatedEvent(o)))

	f.scheduler.AssertNotCalled(t, "Schedule", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleOrderCreatedSchedulerFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	f.scheduler.On("Schedule", mock.Anything, o.ID, mock.Anything).Return(errors.New("redis down")).Once()

	assert.Error(t, f.manager.HandleOrderCreated(context.Background(), application.OrderCreatedEvent(o)))
}

func TestAutoConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	ctx := context.Background()

	require.NoError(t, f.manager.AutoConfirm(ctx, o.ID))
	require.NoError(t, f.manager.AutoConfirm(ctx, o.ID))

	stored, err := f.manager.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, stored.Status)
	assert.EqualValues(t, 2, stored.Seq, "exactly one effective change")

	statusEvents := 0
	for _, e := range f.publisher.published() {
		if e.Kind == event.KindStatusUpdated {
			statusEvents++
		}
	}
	assert.Equal(t, 1, statusEvents)
}

func TestAutoConfirmSkipsCancelledAndMissingOrders(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	f.moveTo(t, o.ID, domain.StatusCancelled)

	require.NoError(t, f.manager.AutoConfirm(context.Background(), o.ID))
	require.NoError(t, f.manager.AutoConfirm(context.Background(), "missing"))

	stored, err := f.manager.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
}

func TestHandleStatusUpdatedConvergesOutOfOrder(t *testing.T) {
	cases := []struct {
		name    string
		updates []event.Envelope
		want    domain.Status
	}{
		{
			name: "forward chain shuffled",
			updates: []event.Envelope{
				{Status: "out_for_delivery", Seq: 4},
				{Status: "confirmed", Seq: 2},
				{Status: "preparing", Seq: 3},
			},
			want: domain.StatusOutForDelivery,
		},
		{
			name: "cancel overtakes confirm",
			updates: []event.Envelope{
				{Status: "cancelled", Seq: 3},
				{Status: "confirmed", Seq: 2},
			},
			want: domain.StatusCancelled,
		},
		{
			name: "late cancel after progress",
			updates: []event.Envelope{
				{Status: "preparing", Seq: 3},
				{Status: "cancelled", Seq: 2},
			},
			want: domain.StatusCancelled,
		},
		{
			name: "earlier delivery beats later cancel",
			updates: []event.Envelope{
				{Status: "cancelled", Seq: 3},
				{Status: "delivered", Seq: 2},
			},
			want: domain.StatusDelivered,
		},
		{
			name: "earlier cancel beats later delivery",
			updates: []event.Envelope{
				{Status: "delivered", Seq: 3},
				{Status: "cancelled", Seq: 2},
			},
			want: domain.StatusCancelled,
		},
		{
			name: "early cancel arrives after whole chain",
			updates: []event.Envelope{
				{Status: "out_for_delivery", Seq: 4},
				{Status: "delivered", Seq: 5},
				{Status: "cancelled", Seq: 2},
			},
			want: domain.StatusCancelled,
		},
		{
			name: "earliest terminal is remembered",
			updates: []event.Envelope{
				{Status: "cancelled", Seq: 4},
				{Status: "cancelled", Seq: 2},
				{Status: "delivered", Seq: 3},
				{Status: "cancelled", Seq: 4},
			},
			want: domain.StatusCancelled,
		},
		{
			name: "duplicate delivery",
			updates: []event.Envelope{
				{Status: "confirmed", Seq: 2},
				{Status: "confirmed", Seq: 2},
			},
			want: domain.StatusConfirmed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			o := f.create(t)
			for _, u := range tc.updates {
				u.Kind = event.KindStatusUpdated
				u.OrderID = o.ID
				require.NoError(t, f.manager.HandleStatusUpdated(context.Background(), u))
			}
			stored, err := f.manager.Get(context.Background(), o.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, stored.Status)
		})
	}
}

func TestTerminalOverrideEchoIsNoop(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	ctx := context.Background()

	require.NoError(t, f.manager.HandleStatusUpdated(ctx, event.Envelope{Kind: event.KindStatusUpdated, OrderID: o.ID, Status: "cancelled", Seq: 3}))
	require.NoError(t, f.manager.HandleStatusUpdated(ctx, event.Envelope{Kind: event.KindStatusUpdated, OrderID: o.ID, Status: "delivered", Seq: 2}))

	stored, err := f.manager.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, stored.Status)
	assert.EqualValues(t, 4, stored.Seq)
	assert.EqualValues(t, 2, stored.TerminalSeq)

	// 两次变更各自的回声都不能再改变结果
	published := f.publisher.published()
	for _, env := range published[1:] {
		require.NoError(t, f.manager.HandleStatusUpdated(ctx, env))
	}
	stored, err = f.manager.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, stored.Status)
	assert.Len(t, f.publisher.published(), len(published))
}

func TestHandleStatusUpdatedIgnoresOwnEcho(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	res, err := f.manager.ApplyTransition(context.Background(), application.TransitionRequest{OrderID: o.ID, Target: domain.StatusConfirmed})
	require.NoError(t, err)

	before := len(f.publisher.published())
	require.NoError(t, f.manager.HandleStatusUpdated(context.Background(), application.StatusUpdatedEvent(res.Order)))
	assert.Len(t, f.publisher.published(), before, "echo must not publish again")
}

func TestHandleStatusUpdatedSwallowsPermanentFailures(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	f.moveTo(t, o.ID, domain.StatusDelivered)
	ctx := context.Background()

	assert.NoError(t, f.manager.HandleStatusUpdated(ctx, event.Envelope{Kind: event.KindStatusUpdated, OrderID: o.ID, Status: "cancelled", Seq: 99}))
	assert.NoError(t, f.manager.HandleStatusUpdated(ctx, event.Envelope{Kind: event.KindStatusUpdated, OrderID: o.ID, Status: "bogus"}))
	assert.NoError(t, f.manager.HandleStatusUpdated(ctx, event.Envelope{Kind: event.KindStatusUpdated, OrderID: "missing", Status: "confirmed"}))
}

// conflictingRepo 让前 n 次条件更新失败，模拟另一个实例抢先写入。
type conflictingRepo struct {
	domain.OrderRepository
	mu        sync.Mutex
	conflicts int
}

func (r *conflictingRepo) UpdateStatus(ctx context.Context, id string, c domain.StatusChange) (*domain.Order, error) {
	r.mu.Lock()
	if r.conflicts > 0 {
		r.conflicts--
		r.mu.Unlock()
		return nil, domain.ErrConflict
	}
	r.mu.Unlock()
	return r.OrderRepository.UpdateStatus(ctx, id, c)
}

func TestApplyTransitionRetriesConflicts(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)

	repo := &conflictingRepo{OrderRepository: f.repo, conflicts: 2}
	m := application.NewLifecycleManager(repo, f.publisher, f.scheduler, nil, application.ManagerConfig{MaxConflictRetries: 3})
	res, err := m.ApplyTransition(context.Background(), application.TransitionRequest{OrderID: o.ID, Target: domain.StatusConfirmed})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, res.Order.Status)

	repo.conflicts = 10
	_, err = m.ApplyTransition(context.Background(), application.TransitionRequest{OrderID: o.ID, Target: domain.StatusPreparing})
	assert.ErrorIs(t, err, domain.ErrStore)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestApplyTransitionDefaultsConflictRetries(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)

	repo := &conflictingRepo{OrderRepository: f.repo, conflicts: config.DefaultMaxConflictRetries - 1}
	m := application.NewLifecycleManager(repo, f.publisher, f.scheduler, nil, application.ManagerConfig{})
	_, err := m.ApplyTransition(context.Background(), application.TransitionRequest{OrderID: o.ID, Target: domain.StatusConfirmed})
	require.NoError(t, err)

	repo.conflicts = config.DefaultMaxConflictRetries
	_, err = m.ApplyTransition(context.Background(), application.TransitionRequest{OrderID: o.ID, Target: domain.StatusPreparing})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestConcurrentCancellationsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.ApplyTransition(context.Background(), application.TransitionRequest{OrderID: o.ID, Target: domain.StatusCancelled})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	}
	assert.Equal(t, 1, wins)
}

func TestListForUserNewestFirst(t *testing.T) {
	f := newFixture(t)
	first := f.create(t)
	time.Sleep(2 * time.Millisecond)
	second := f.create(t)

	orders, err := f.manager.ListForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.ID, orders[0].ID)
	assert.Equal(t, first.ID, orders[1].ID)

	_, err = f.manager.ListForUser(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
