package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"orderflow/internal/pkg/event"
	"orderflow/internal/pkg/mq"
	"orderflow/internal/service/order/application"
	"orderflow/internal/service/order/domain"
	"orderflow/internal/service/order/domain/port"
	"orderflow/internal/service/order/infrastructure"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPublisher struct {
	mu     sync.Mutex
	events []event.Envelope
	err    error
}

func (p *stubPublisher) Publish(_ context.Context, env event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, env)
	return p.err
}

type noopScheduler struct{}

func (noopScheduler) Schedule(context.Context, string, time.Duration) error { return nil }
func (noopScheduler) Start(port.FireFunc) error                             { return nil }
func (noopScheduler) Stop()                                                 {}

func newTestServer(t *testing.T, pub *stubPublisher) *httptest.Server {
	t.Helper()
	manager := application.NewLifecycleManager(infrastructure.NewMemoryRepository(), pub, noopScheduler{}, nil,
		application.ManagerConfig{PublishTimeout: time.Second})
	mux := http.NewServeMux()
	NewOrderHandler(manager).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func createOrder(t *testing.T, srv *httptest.Server, body string) map[string]any {
	t.Helper()
	resp, out := do(t, http.MethodPost, srv.URL+"/orders", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return out["order"].(map[string]any)
}

func TestCreateOrderDefaultsQuantity(t *testing.T) {
	pub := &stubPublisher{}
	srv := newTestServer(t, pub)

	order := createOrder(t, srv, `{"userId":"u-1","items":[{"name":"pizza","price":12.5}],"total":12.5}`)
	assert.Equal(t, "pending", order["status"])
	assert.Equal(t, 12.5, order["total"])
	items := order["items"].([]any)
	assert.EqualValues(t, 1, items[0].(map[string]any)["quantity"])

	require.Len(t, pub.events, 1)
	assert.Equal(t, event.KindOrderCreated, pub.events[0].Kind)
	assert.Equal(t, order["_id"], pub.events[0].OrderID)
}

func TestCreateOrderReportsWarnings(t *testing.T) {
	pub := &stubPublisher{err: &mq.PublishError{Kind: mq.PublishUnavailable, Topic: event.TopicOrderEvents}}
	srv := newTestServer(t, pub)

	resp, out := do(t, http.MethodPost, srv.URL+"/orders",
		`{"userId":"u-1","items":[{"name":"a","price":5,"quantity":2}],"total":99}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 10.0, out["order"].(map[string]any)["total"])
	assert.Len(t, out["warnings"], 2)
}

func TestCreateOrderValidation(t *testing.T) {
	srv := newTestServer(t, &stubPublisher{})

	resp, out := do(t, http.MethodPost, srv.URL+"/orders", `{"userId":"u-1","items":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "items")

	resp, _ = do(t, http.MethodPost, srv.URL+"/orders", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetAndListOrders(t *testing.T) {
	srv := newTestServer(t, &stubPublisher{})
	first := createOrder(t, srv, `{"userId":"u-7","items":[{"name":"a","price":1}],"total":1}`)
	second := createOrder(t, srv, `{"userId":"u-7","items":[{"name":"b","price":2}],"total":2}`)

	resp, out := do(t, http.MethodGet, srv.URL+"/orders/"+first["_id"].(string), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first["_id"], out["_id"])

	resp, err := http.Get(srv.URL + "/orders/user/u-7")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 2)
	ids := []any{list[0]["_id"], list[1]["_id"]}
	assert.ElementsMatch(t, []any{first["_id"], second["_id"]}, ids)

	resp, _ = do(t, http.MethodGet, srv.URL+"/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateStatus(t *testing.T) {
	pub := &stubPublisher{}
	srv := newTestServer(t, pub)
	order := createOrder(t, srv, `{"userId":"u-1","items":[{"name":"a","price":1}],"total":1}`)
	url := srv.URL + "/orders/" + order["_id"].(string) + "/status"

	resp, out := do(t, http.MethodPatch, url, `{"status":"confirmed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := out["order"].(map[string]any)
	assert.Equal(t, "confirmed", updated["status"])
	assert.EqualValues(t, 2, updated["seq"])
	require.Len(t, pub.events, 2)
	assert.Equal(t, event.KindStatusUpdated, pub.events[1].Kind)
	assert.Equal(t, event.TopicOrderStatusUpdates, pub.events[1].Topic)

	resp, _ = do(t, http.MethodPatch, url, `{"status":"pending"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodPatch, url, `{"status":"shipped"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPatch, srv.URL+"/orders/missing/status", `{"status":"cancelled"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Len(t, pub.events, 2)
}

func TestStatusForStoreError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(&domain.StoreError{Op: "find", Err: assert.AnError}))
	assert.Equal(t, http.StatusConflict, statusFor(&domain.InvalidTransitionError{OrderID: "o-1"}))
}

type recordingEvents struct {
	created, updated []string
}

func (r *recordingEvents) HandleOrderCreated(_ context.Context, env event.Envelope) error {
	r.created = append(r.created, env.OrderID)
	return nil
}

func (r *recordingEvents) HandleStatusUpdated(_ context.Context, env event.Envelope) error {
	r.updated = append(r.updated, env.OrderID)
	return nil
}

func TestEventRouterBindsOrderKinds(t *testing.T) {
	rec := &recordingEvents{}
	router := NewEventRouter(rec)
	ctx := context.Background()

	handled, err := router.Route(ctx, event.Envelope{Kind: event.KindOrderCreated, OrderID: "o-1"})
	require.NoError(t, err)
	assert.True(t, handled)

	handled, err = router.Route(ctx, event.Envelope{Kind: event.KindStatusUpdated, OrderID: "o-2", Status: "confirmed"})
	require.NoError(t, err)
	assert.True(t, handled)

	handled, err = router.Route(ctx, event.Envelope{Kind: event.KindOrderPlaced, OrderID: "o-3"})
	require.NoError(t, err)
	assert.False(t, handled)

	assert.Equal(t, []string{"o-1"}, rec.created)
	assert.Equal(t, []string{"o-2"}, rec.updated)
}

type dltReader struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	committed []int64
}

func (r *dltReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *dltReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *dltReader) Close() error { return nil }

func TestDeadLetterLoggerCommitsEverything(t *testing.T) {
	reader := &dltReader{msgs: make(chan kafka.Message, 2)}
	reader.msgs <- kafka.Message{Offset: 3, Value: []byte("garbage"), Headers: []kafka.Header{{Key: mq.HeaderOriginalTopic, Value: []byte("order-events")}}}
	reader.msgs <- kafka.Message{Offset: 4, Value: []byte("{}")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewDeadLetterLogger(reader, "orderflow-dlt").Run(ctx) }()

	assert.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return len(reader.committed) == 2
	}, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
