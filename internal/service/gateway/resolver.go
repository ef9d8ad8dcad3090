package gateway

import (
	"errors"
	"fmt"

	"orderflow/internal/pkg/nacos"

	"github.com/rs/zerolog/log"
)

// 下游服务在注册中心里的名字。
const (
	OrderService      = "order-service"
	UserService       = "user-service"
	RestaurantService = "restaurant-service"
)

// Resolver 返回某个下游服务的 http 基础地址。
type Resolver interface {
	BaseURL(service string) (string, error)
}

// StaticResolver 使用配置里写死的地址。
type StaticResolver map[string]string

func (s StaticResolver) BaseURL(service string) (string, error) {
	u, ok := s[service]
	if !ok || u == "" {
		return "", fmt.Errorf("no base url configured for %s", service)
	}
	return u, nil
}

// Discoverer 由 *nacos.Client 实现，失败时返回 *nacos.DiscoveryError。
type Discoverer interface {
	ResolveBaseURL(serviceName string) (string, error)
}

// DiscoveryResolver 优先从注册中心发现实例，失败时退回静态地址。
type DiscoveryResolver struct {
	discoverer Discoverer
	fallback   StaticResolver
}

func NewDiscoveryResolver(d Discoverer, fallback StaticResolver) *DiscoveryResolver {
	return &DiscoveryResolver{discoverer: d, fallback: fallback}
}

// BaseURL 在服务没有注册实例时安静地使用静态地址；注册中心故障则告警后降级。
// 两条路都走不通时返回的错误仍然保留发现失败的原因。
func (r *DiscoveryResolver) BaseURL(service string) (string, error) {
	u, err := r.discoverer.ResolveBaseURL(service)
	if err == nil {
		return u, nil
	}
	if errors.Is(err, nacos.ErrNoInstance) {
		log.Debug().Str("service", service).Msg("No instance registered, using static address")
	} else {
		log.Warn().Err(err).Str("service", service).Msg("Discovery failed, using static address")
	}

	static, ferr := r.fallback.BaseURL(service)
	if ferr != nil {
		return "", fmt.Errorf("%w (%v)", err, ferr)
	}
	return static, nil
}
