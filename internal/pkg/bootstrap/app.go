// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"ordersync/internal/pkg/logger"
	"ordersync/internal/pkg/nacos"
	"ordersync/internal/pkg/tracing"
)

const shutdownTimeout = 10 * time.Second

type AppCtx struct {
	Mux    *http.ServeMux
	Nacos  *nacos.Client
	Config Config
}

// Worker 是随服务启动的长期任务，ctx 取消时应尽快返回
type Worker func(ctx context.Context) error

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx) // 每个服务注册自己的 HTTP 路由
	Workers          []Worker
	// OnShutdown 在 HTTP 服务关闭后按注册的逆序执行
	OnShutdown []func(ctx context.Context) error
}

// StartService 封装了通用的启动和优雅关停逻辑，阻塞到收到退出信号或某个任务失败。
func StartService(info AppInfo) error {
	cfg := GetCurrentConfig()
	log := logger.Ctx(context.Background())

	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		return errors.Wrap(err, "initialize tracer provider")
	}

	var (
		namingClient *nacos.Client
		ip           string
	)
	if cfg.Infra.Nacos.Enabled {
		serverConfigs, err := nacos.ParseServerConfigs(cfg.Infra.Nacos.ServerAddrs)
		if err != nil {
			return err
		}
		namingClient, err = nacos.NewNacosClientWithConfigs(serverConfigs, nacos.NewClientConfig(cfg.Infra.Nacos.Namespace), cfg.Infra.Nacos.Group)
		if err != nil {
			return err
		}
		if ip, err = GetOutboundIP(); err != nil {
			return errors.Wrap(err, "get outbound IP address")
		}
		if err := namingClient.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Nacos: namingClient, Config: cfg})
	}
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("service", info.ServiceName).Int("port", info.Port).Msg("🚀 HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "listen on %s", server.Addr)
		}
		return nil
	})
	for _, w := range info.Workers {
		w := w
		g.Go(func() error { return w(gctx) })
	}

	// 关停顺序：注销服务、关闭 HTTP、执行业务清理、最后刷出 trace
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("service", info.ServiceName).Msg("🛑 Shutting down service...")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if namingClient != nil {
			if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
				log.Error().Err(err).Msg("Error deregistering from Nacos")
			}
		}
		if nacosConfigClient != nil {
			nacosConfigClient.Close()
		}
		if err := server.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("Error shutting down http server")
		}
		for i := len(info.OnShutdown) - 1; i >= 0; i-- {
			if err := info.OnShutdown[i](sctx); err != nil {
				log.Error().Err(err).Msg("Error during shutdown hook")
			}
		}
		if err := tp.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("Error shutting down tracer provider")
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		log.Error().Err(err).Str("service", info.ServiceName).Msg("❌ Service stopped with error")
		return err
	}
	log.Info().Str("service", info.ServiceName).Msg("✅ Service gracefully shut down.")
	return nil
}

// GetOutboundIP 通过一次 UDP 拨号取得本机对外的地址，不会真正发包
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
