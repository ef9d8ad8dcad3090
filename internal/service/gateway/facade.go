// Package gateway 是同步 HTTP 边界：把客户端请求转发给下游服务，并在成功后发布边缘事件。
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"orderflow/internal/pkg/event"
	"orderflow/internal/pkg/httpclient"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "api-gateway"

// maxBodyBytes 限制转发的请求体大小。
const maxBodyBytes = 1 << 20

// Publisher 是边缘事件的出站端口，由 *mq.KafkaPublisher 实现。
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// Facade 是网关的 HTTP 处理器集合。
type Facade struct {
	client    *httpclient.Client
	resolver  Resolver
	publisher Publisher
	tracer    trace.Tracer
	now       func() time.Time
}

func NewFacade(client *httpclient.Client, resolver Resolver, publisher Publisher) *Facade {
	return &Facade{
		client:    client,
		resolver:  resolver,
		publisher: publisher,
		tracer:    otel.Tracer(serviceName),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes 在 ServeMux 上注册所有路由。/metrics 由 bootstrap 统一注册。
func (f *Facade) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", f.healthz)
	mux.HandleFunc("GET /readyz", f.readyz)

	mux.HandleFunc("POST /api/orders", f.placeOrder)
	mux.HandleFunc("GET /api/orders/detail/{id}", f.getOrder)
	mux.HandleFunc("GET /api/orders/{userId}", f.listOrders)
	mux.HandleFunc("PATCH /api/orders/{id}/status", f.updateOrderStatus)

	mux.HandleFunc("POST /api/users/register", f.register)
	mux.HandleFunc("POST /api/users/login", f.login)

	mux.HandleFunc("GET /api/restaurants", f.listRestaurants)
	mux.HandleFunc("GET /api/restaurants/{id}", f.getRestaurant)
}

func (f *Facade) healthz(w http.ResponseWriter, r *http.Request) {
	// 对于 livenessProbe，只要能响应，就说明进程存活
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
}

// readyz 检查 order-service 是否可达。
func (f *Facade) readyz(w http.ResponseWriter, r *http.Request) {
	resp, err := f.call(r.Context(), OrderService, http.MethodGet, "/healthz", nil)
	if err != nil || resp.StatusCode != http.StatusOK {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "downstream order-service not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (f *Facade) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := f.start(r, "gateway.PlaceOrder")
	defer span.End()

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	resp, ok := f.forward(ctx, w, "place_order", OrderService, http.MethodPost, "/orders", body)
	if !ok || !success(resp.StatusCode) {
		return
	}

	var req struct {
		UserID string  `json:"userId"`
		Total  float64 `json:"total"`
	}
	_ = json.Unmarshal(body, &req)
	var created struct {
		Order struct {
			ID    string  `json:"_id"`
			Total float64 `json:"total"`
		} `json:"order"`
	}
	if err := json.Unmarshal(resp.Body, &created); err != nil || created.Order.ID == "" {
		logger.Ctx(ctx).Warn().Err(err).Msg("Order placed but response carried no order id, skipping order_placed")
		return
	}
	span.SetAttributes(attribute.String("order_id", created.Order.ID))

	f.publishEdge(ctx, event.Envelope{
		Kind:      event.KindOrderPlaced,
		Topic:     event.TopicOrderEvents,
		Key:       created.Order.ID,
		OrderID:   created.Order.ID,
		UserID:    req.UserID,
		Total:     created.Order.Total,
		Timestamp: f.now(),
	})
}

func (f *Facade) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, span := f.start(r, "gateway.ListOrders")
	defer span.End()
	f.forward(ctx, w, "list_orders", OrderService, http.MethodGet, "/orders/user/"+url.PathEscape(r.PathValue("userId")), nil)
}

func (f *Facade) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := f.start(r, "gateway.GetOrder")
	defer span.End()
	f.forward(ctx, w, "get_order", OrderService, http.MethodGet, "/orders/"+url.PathEscape(r.PathValue("id")), nil)
}

func (f *Facade) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := f.start(r, "gateway.UpdateOrderStatus")
	defer span.End()

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	f.forward(ctx, w, "update_order_status", OrderService, http.MethodPatch, "/orders/"+url.PathEscape(r.PathValue("id"))+"/status", body)
}

func (f *Facade) register(w http.ResponseWriter, r *http.Request) {
	ctx, span := f.start(r, "gateway.Register")
	defer span.End()

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	resp, ok := f.forward(ctx, w, "register", UserService, http.MethodPost, "/users/register", body)
	if !ok || !success(resp.StatusCode) {
		return
	}

	var req struct {
		Email string `json:"email"`
	}
	_ = json.Unmarshal(body, &req)
	var registered struct {
		ID   string `json:"_id"`
		User struct {
			ID string `json:"_id"`
		} `json:"user"`
	}
	_ = json.Unmarshal(resp.Body, &registered)
	userID := registered.User.ID
	if userID == "" {
		userID = registered.ID
	}
	if userID == "" {
		logger.Ctx(ctx).Warn().Msg("User registered but response carried no user id, skipping user-registered")
		return
	}

	f.publishEdge(ctx, event.Envelope{
		Kind:      event.KindUserRegistered,
		Topic:     event.TopicUserEvents,
		Key:       userID,
		UserID:    userID,
		Email:     req.Email,
		Timestamp: f.now(),
	})
}

func (f *Facade) login(w http.ResponseWriter, r *http.Request) {
	ctx, span := f.start(r, "gateway.Login")
	defer span.End()

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	f.forward(ctx, w, "login", UserService, http.MethodPost, "/users/login", body)
}

func (f *Facade) listRestaurants(w http.ResponseWriter, r *http.Request) {
	ctx, span := f.start(r, "gateway.ListRestaurants")
	defer span.End()
	f.forward(ctx, w, "list_restaurants", RestaurantService, http.MethodGet, "/restaurants", nil)
}

func (f *Facade) getRestaurant(w http.ResponseWriter, r *http.Request) {
	ctx, span := f.start(r, "gateway.GetRestaurant")
	defer span.End()
	f.forward(ctx, w, "get_restaurant", RestaurantService, http.MethodGet, "/restaurants/"+url.PathEscape(r.PathValue("id")), nil)
}

func (f *Facade) start(r *http.Request, name string) (context.Context, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return f.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
}

func (f *Facade) call(ctx context.Context, service, method, path string, body []byte) (*httpclient.Response, error) {
	base, err := f.resolver.BaseURL(service)
	if err != nil {
		return nil, err
	}
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}
	return f.client.Do(ctx, method, base+path, body, contentType)
}

// forward 调用下游并把响应原样写回客户端。下游不可达时返回 502，ok 为 false。
func (f *Facade) forward(ctx context.Context, w http.ResponseWriter, route, service, method, path string, body []byte) (*httpclient.Response, bool) {
	resp, err := f.call(ctx, service, method, path, body)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("service", service).Str("route", route).Msg("Downstream call failed")
		metrics.GatewayRequests.WithLabelValues(route, strconv.Itoa(http.StatusBadGateway)).Inc()
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": service + " unavailable"})
		return nil, false
	}
	metrics.GatewayRequests.WithLabelValues(route, strconv.Itoa(resp.StatusCode)).Inc()

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
	return resp, true
}

// publishEdge 发布边缘事件。响应已经写出，失败只记录告警。
func (f *Facade) publishEdge(ctx context.Context, env event.Envelope) {
	if f.publisher == nil {
		return
	}
	if err := f.publisher.Publish(context.WithoutCancel(ctx), env); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("event", string(env.Kind)).
			Str("key", env.Key).
			Msg("Edge event not published")
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable request body"})
		return nil, false
	}
	return body, true
}

func success(code int) bool { return code >= 200 && code < 300 }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
