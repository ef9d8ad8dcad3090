// Package nacos 负责服务注册与发现。
package nacos

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"orderflow/internal/pkg/config"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/rs/zerolog/log"
)

const defaultGroup = "DEFAULT_GROUP"

var (
	// ErrNoInstance 表示服务在注册中心里没有健康实例。
	ErrNoInstance = errors.New("no healthy instance")
	// ErrRegistry 表示注册中心本身不可用或返回了错误。
	ErrRegistry = errors.New("naming registry failure")
)

// DiscoveryError 是服务发现失败的原因，按 NoInstance 匹配 ErrNoInstance 或 ErrRegistry。
type DiscoveryError struct {
	Service    string
	NoInstance bool
	Err        error
}

func (e *DiscoveryError) Error() string {
	if e.NoInstance {
		return fmt.Sprintf("discover %s: no healthy instance", e.Service)
	}
	return fmt.Sprintf("discover %s: %v", e.Service, e.Err)
}

func (e *DiscoveryError) Is(target error) bool {
	if e.NoInstance {
		return target == ErrNoInstance
	}
	return target == ErrRegistry
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Naming 是 naming_client.INamingClient 中用到的部分。
type Naming interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
	SelectOneHealthyInstance(param vo.SelectOneHealthInstanceParam) (*model.Instance, error)
	CloseClient()
}

// Client 封装了 Nacos 命名客户端，所有操作都落在配置的分组里。
type Client struct {
	naming Naming
	group  string
}

// NewClient 按配置连接 Nacos。Addrs 格式为 "ip1:port1,ip2:port2"。
func NewClient(cfg config.NacosConfig) (*Client, error) {
	servers, err := serverConfigs(cfg.Addrs)
	if err != nil {
		return nil, err
	}
	if cfg.Namespace == "" {
		log.Warn().Msg("NACOS_NAMESPACE is not set, using public namespace")
	}

	clientConfig := *constant.NewClientConfig(
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
		constant.WithNamespaceId(cfg.Namespace),
	)
	naming, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: servers,
	})
	if err != nil {
		return nil, fmt.Errorf("create nacos naming client: %w", err)
	}

	log.Info().Str("addrs", cfg.Addrs).Str("namespace", cfg.Namespace).Msg("✅ Connected to Nacos")
	return NewClientWithNaming(naming, cfg), nil
}

// NewClientWithNaming 用现成的命名客户端构造 Client。
func NewClientWithNaming(naming Naming, cfg config.NacosConfig) *Client {
	group := cfg.Group
	if group == "" {
		group = defaultGroup
	}
	return &Client{naming: naming, group: group}
}

func serverConfigs(addrs string) ([]constant.ServerConfig, error) {
	var out []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		host, portStr, ok := strings.Cut(addr, ":")
		if !ok || host == "" {
			return nil, fmt.Errorf("invalid nacos address %q", addr)
		}
		port, err := strconv.ParseUint(portStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid port in nacos address %q", addr)
		}
		out = append(out, *constant.NewServerConfig(host, port))
	}
	if len(out) == 0 {
		return nil, errors.New("no nacos address configured")
	}
	return out, nil
}

// Register 把实例注册为临时节点，心跳断开后会自动摘除。
// 返回的 deregister 在关停时调用，且应当早于 HTTP 服务关闭。
func (c *Client) Register(service, ip string, port int) (deregister func(context.Context) error, err error) {
	ok, err := c.naming.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          ip,
		Port:        uint64(port),
		ServiceName: service,
		GroupName:   c.group,
		Weight:      10,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("register %s with nacos: %w", service, err)
	}
	if !ok {
		return nil, fmt.Errorf("nacos rejected registration of %s", service)
	}
	log.Info().Str("service", service).Str("ip", ip).Int("port", port).Str("group", c.group).Msg("✅ Service registered to Nacos")

	return func(context.Context) error {
		if _, err := c.naming.DeregisterInstance(vo.DeregisterInstanceParam{
			Ip:          ip,
			Port:        uint64(port),
			ServiceName: service,
			GroupName:   c.group,
			Ephemeral:   true,
		}); err != nil {
			return fmt.Errorf("deregister %s from nacos: %w", service, err)
		}
		log.Info().Str("service", service).Msg("Service deregistered from Nacos")
		return nil
	}, nil
}

// ResolveBaseURL 挑选一个健康实例，返回其 http 基础地址。
// 失败时返回 *DiscoveryError，可以用 errors.Is 区分 ErrNoInstance 和 ErrRegistry。
func (c *Client) ResolveBaseURL(service string) (string, error) {
	inst, err := c.naming.SelectOneHealthyInstance(vo.SelectOneHealthInstanceParam{
		ServiceName: service,
		GroupName:   c.group,
	})
	if err != nil {
		// SDK 在实例列表为空时返回的是普通错误
		return "", &DiscoveryError{Service: service, NoInstance: strings.Contains(err.Error(), "instance list is empty"), Err: err}
	}
	if inst == nil || inst.Ip == "" || inst.Port == 0 {
		return "", &DiscoveryError{Service: service, NoInstance: true}
	}
	return fmt.Sprintf("http://%s:%d", inst.Ip, inst.Port), nil
}

// Close 关闭底层客户端。
func (c *Client) Close() {
	c.naming.CloseClient()
}
