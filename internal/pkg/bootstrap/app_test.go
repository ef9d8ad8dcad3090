package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"orderflow/internal/pkg/config"
	"orderflow/internal/pkg/nacos"

	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRunServesAndShutsDownInReverseOrder(t *testing.T) {
	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var order []string
	record := func(name string) Closer {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	runnerStopped := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, AppInfo{
			ServiceName: "test-service",
			Port:        port,
			RegisterHandlers: func(app AppCtx) {
				assert.Nil(t, app.Nacos)
				app.Mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusOK)
				})
			},
			Runners: []Runner{func(ctx context.Context) error {
				<-ctx.Done()
				close(runnerStopped)
				return nil
			}},
			Closers: []Closer{record("first"), record("second")},
		})
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	assert.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	<-runnerStopped

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestRunReturnsRunnerError(t *testing.T) {
	boom := errors.New("boom")
	err := Run(context.Background(), AppInfo{
		ServiceName: "test-service",
		Port:        freePort(t),
		Runners:     []Runner{func(context.Context) error { return boom }},
	})
	assert.ErrorIs(t, err, boom)
}

// steps 按发生顺序记录注册中心调用和关停动作。
type steps struct {
	mu  sync.Mutex
	log []string
}

func (s *steps) add(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, step)
}

func (s *steps) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

type fakeNaming struct{ steps *steps }

func (f fakeNaming) RegisterInstance(p vo.RegisterInstanceParam) (bool, error) {
	f.steps.add("register " + p.ServiceName)
	return true, nil
}

func (f fakeNaming) DeregisterInstance(p vo.DeregisterInstanceParam) (bool, error) {
	f.steps.add("deregister " + p.ServiceName)
	return true, nil
}

func (f fakeNaming) SelectOneHealthyInstance(vo.SelectOneHealthInstanceParam) (*model.Instance, error) {
	return nil, nil
}

func (f fakeNaming) CloseClient() { f.steps.add("close naming") }

func TestRunDeregistersBeforeDrainingAndClosing(t *testing.T) {
	rec := &steps{}
	origNaming, origIP := newNaming, localIP
	newNaming = func(cfg config.NacosConfig) (*nacos.Client, error) {
		return nacos.NewClientWithNaming(fakeNaming{steps: rec}, cfg), nil
	}
	localIP = func() (string, error) { return "127.0.0.1", nil }
	t.Cleanup(func() { newNaming, localIP = origNaming, origIP })

	port := freePort(t)
	cfg := config.Default("test-service")
	cfg.Infra.Nacos.Addrs = "127.0.0.1:8848"
	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, AppInfo{
			ServiceName: "test-service",
			Port:        port,
			Config:      cfg,
			RegisterHandlers: func(app AppCtx) {
				assert.NotNil(t, app.Nacos)
				app.Mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusOK)
				})
			},
			Closers: []Closer{func(context.Context) error {
				// 此时 HTTP 应当已经关闭
				resp, err := http.Get(url)
				if err != nil {
					rec.add("close consumer after http")
					return nil
				}
				resp.Body.Close()
				rec.add("close consumer while serving")
				return nil
			}},
		})
	}()

	assert.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, []string{
		"register test-service",
		"deregister test-service",
		"close consumer after http",
		"close naming",
	}, rec.list())
}
