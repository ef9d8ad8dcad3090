package event

import (
	"context"
	"sync"
)

// Handler 处理一个已解码的事件。返回错误意味着该事件需要重新投递。
type Handler func(ctx context.Context, env Envelope) error

// Router 按事件类型把信封分发给对应的处理器。
type Router struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[Kind]Handler)}
}

// Handle 为某个事件类型注册处理器，后注册的覆盖先注册的。
func (r *Router) Handle(kind Kind, h Handler) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
	return r
}

// Route 调用匹配的处理器。没有处理器时 handled 为 false，且不视为错误。
func (r *Router) Route(ctx context.Context, env Envelope) (handled bool, err error) {
	r.mu.RLock()
	h, ok := r.handlers[env.Kind]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, h(ctx, env)
}

// Kinds 返回已注册的事件类型。
func (r *Router) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
