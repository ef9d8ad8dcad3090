// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"orderflow/internal/pkg/config"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/nacos"
	"orderflow/internal/pkg/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// 测试中替换
var (
	newNaming = nacos.NewClient
	localIP   = outboundIP
)

type AppCtx struct {
	Mux    *http.ServeMux
	Nacos  *nacos.Client // 未配置 Nacos 时为 nil
	Config *config.Config
}

// Runner 是一个随服务启停的后台任务，ctx 结束时应当返回。
type Runner func(ctx context.Context) error

// Closer 在关停时按注册的逆序执行。
type Closer func(ctx context.Context) error

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	Config           *config.Config
	RegisterHandlers func(appCtx AppCtx) // 一个函数，允许每个服务注册自己独特的 HTTP 路由
	Runners          []Runner
	Closers          []Closer
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑，收到 SIGINT/SIGTERM 后返回。
func StartService(info AppInfo) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return Run(ctx, info)
}

// Run 启动服务并阻塞到 ctx 结束或某个 Runner 出错。
func Run(ctx context.Context, info AppInfo) error {
	cfg := info.Config
	if cfg == nil {
		cfg = config.Default(info.ServiceName)
	}

	// 1. Tracer
	shutdownTracer, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}
	closers := []Closer{func(ctx context.Context) error { return shutdownTracer(ctx) }}

	// 2. Nacos（可选）
	var naming *nacos.Client
	if cfg.Infra.Nacos.Enabled() {
		naming, err = newNaming(cfg.Infra.Nacos)
		if err != nil {
			return fmt.Errorf("init nacos client: %w", err)
		}
		closers = append(closers, func(context.Context) error {
			naming.Close()
			return nil
		})
	}
	closers = append(closers, info.Closers...)

	// 3. HTTP
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Nacos: naming, Config: cfg})
	}
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// 业务资源在 HTTP 排空之后才关闭
	closers = append(closers, server.Shutdown)

	// 4. 服务注册：最先注销，避免关停期间还有流量被路由过来
	if naming != nil {
		ip, err := localIP()
		if err != nil {
			return fmt.Errorf("resolve outbound ip: %w", err)
		}
		deregister, err := naming.Register(info.ServiceName, ip, info.Port)
		if err != nil {
			return err
		}
		closers = append(closers, deregister)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("service", info.ServiceName).Int("port", info.Port).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", server.Addr, err)
		}
		return nil
	})
	for _, run := range info.Runners {
		g.Go(func() error { return run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Ctx(ctx).Info().Str("service", info.ServiceName).Msg("Shutting down service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		// 后进先出
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Error during shutdown")
			}
		}
		return nil
	})

	err = g.Wait()
	log.Info().Str("service", info.ServiceName).Msg("Service gracefully shut down")
	return err
}

// outboundIP 返回本机对外通信使用的 IP，用于服务注册。
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
