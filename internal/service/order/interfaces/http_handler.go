package interfaces

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"orderflow/internal/pkg/logger"
	"orderflow/internal/service/order/application"
	"orderflow/internal/service/order/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const serviceName = "order-service"

// OrderHandler 封装了 order 服务的 HTTP 处理器
type OrderHandler struct {
	manager *application.LifecycleManager
}

// NewOrderHandler 创建一个新的 HTTP 处理器实例
func NewOrderHandler(manager *application.LifecycleManager) *OrderHandler {
	return &OrderHandler{manager: manager}
}

// RegisterRoutes 在 ServeMux 上注册所有路由。/metrics 由 bootstrap 统一注册。
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
	})
	mux.HandleFunc("POST /orders", h.createOrder)
	mux.HandleFunc("GET /orders/user/{userId}", h.listUserOrders)
	mux.HandleFunc("GET /orders/{id}", h.getOrder)
	mux.HandleFunc("PATCH /orders/{id}/status", h.updateStatus)
}

type itemPayload struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity *int    `json:"quantity,omitempty"`
}

type createOrderPayload struct {
	UserID string        `json:"userId"`
	Items  []itemPayload `json:"items"`
	Total  float64       `json:"total"`
}

type statusPayload struct {
	Status string `json:"status"`
}

type itemView struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// orderView 是订单的对外 JSON 表示。
type orderView struct {
	ID        string     `json:"_id"`
	UserID    string     `json:"userId"`
	Items     []itemView `json:"items"`
	Total     float64    `json:"total"`
	Status    string     `json:"status"`
	Seq       uint64     `json:"seq"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type mutationView struct {
	Order    orderView `json:"order"`
	Warnings []string  `json:"warnings,omitempty"`
}

type errorView struct {
	Error string `json:"error"`
}

func toOrderView(o *domain.Order) orderView {
	items := make([]itemView, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, itemView{Name: it.Name, Price: it.Price, Quantity: it.Quantity})
	}
	return orderView{
		ID:        o.ID,
		UserID:    o.UserID,
		Items:     items,
		Total:     o.Total,
		Status:    string(o.Status),
		Seq:       o.Seq,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

func (h *OrderHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var payload createOrderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "malformed request body"})
		return
	}

	items := make([]domain.Item, 0, len(payload.Items))
	for _, it := range payload.Items {
		quantity := 1 // 默认数量
		if it.Quantity != nil {
			quantity = *it.Quantity
		}
		items = append(items, domain.Item{Name: it.Name, Price: it.Price, Quantity: quantity})
	}

	res, err := h.manager.Create(ctx, application.CreateOrderRequest{
		UserID: payload.UserID,
		Items:  items,
		Total:  payload.Total,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mutationView{Order: toOrderView(res.Order), Warnings: res.Warnings()})
}

func (h *OrderHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	o, err := h.manager.Get(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}

func (h *OrderHandler) listUserOrders(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	orders, err := h.manager.ListForUser(ctx, r.PathValue("userId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, toOrderView(o))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *OrderHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var payload statusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "malformed request body"})
		return
	}

	res, err := h.manager.ApplyTransition(ctx, application.TransitionRequest{
		OrderID: r.PathValue("id"),
		Target:  domain.Status(payload.Status),
		Source:  application.SourceAPI,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationView{Order: toOrderView(res.Order), Warnings: res.Warnings()})
}

// statusFor 把领域错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeJSON(w, code, errorView{Error: "internal error"})
		return
	}
	writeJSON(w, code, errorView{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
