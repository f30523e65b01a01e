// pumpd 是消息泵服务进程：HTTP 监听器接收请求，消息泵将每个请求
// 派发为并发单元任务，收到 SIGINT/SIGTERM 后在配置的时限内优雅排空。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wyfcoding/msgpump/bootstrap"
	"github.com/wyfcoding/msgpump/config"
	"github.com/wyfcoding/msgpump/health"
	"github.com/wyfcoding/msgpump/idgen"
	"github.com/wyfcoding/msgpump/listener"
	"github.com/wyfcoding/msgpump/metrics"
	"github.com/wyfcoding/msgpump/pump"
	"github.com/wyfcoding/msgpump/worker"
)

const serviceName = "pumpd"

var version = "dev"

func main() {
	b := bootstrap.New(serviceName, version)

	var cfg config.Config
	if err := b.Initialize(&cfg); err != nil {
		os.Exit(1)
	}
	logger := b.Logger

	stopTracing := func() {}
	if cfg.Tracing.Enabled {
		stopTracing = b.SetupTracing(cfg.Tracing)
	}
	defer stopTracing()

	if err := idgen.Init(cfg.Server.MachineID); err != nil {
		logger.Error("failed to init id generator", "error", err)
		os.Exit(1)
	}

	m := metrics.NewMetrics(cfg.Server.Name)

	lst := listener.NewHTTPListener(cfg.Listener, logger.Logger)
	if len(cfg.Pump.Prefixes) > 0 {
		lst.Prefixes().Set(cfg.Pump.Prefixes)
	}

	opts := []pump.Option{
		pump.WithLogger(logger.Logger),
		pump.WithMetrics(m),
		pump.WithPreferHostingAddresses(cfg.Pump.PreferHostingAddresses),
		pump.WithStateObserver(func(s listener.ConnState) {
			logger.Info("listener state changed", "state", s.String())
		}),
	}
	if cfg.Listener.Addr != "" {
		opts = append(opts, pump.WithHostingAddresses([]string{cfg.Listener.Addr}))
	}

	var pool *worker.Pool
	if cfg.Pump.Workers > 0 {
		pool = worker.NewPool(
			worker.WithName("dispatch"),
			worker.WithSize(cfg.Pump.Workers),
			worker.WithQueueSize(cfg.Pump.QueueSize),
			worker.WithMetrics(m),
			worker.WithLogger(logger.Logger),
		)
		opts = append(opts, pump.WithExecutor(pool))
	}

	p := pump.New(lst, opts...)

	// 演示应用：确认收到请求即回 200。真实部署替换为业务 Application。
	app := pump.AppFunc(func(ctx context.Context, rc listener.RequestContext) error {
		rc.SetStatus(http.StatusOK)
		return nil
	})

	if err := p.Start(app); err != nil {
		logger.Error("failed to start pump", "error", err)
		os.Exit(1)
	}

	reg := health.NewRegistry()
	reg.Register("pump", health.PumpChecker(p))
	reg.Register("listener", health.ListenerChecker(lst.State))

	g, gctx := errgroup.WithContext(context.Background())
	var aux *http.Server
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux := http.NewServeMux()
		mux.Handle(path, m.Handler())
		mux.HandleFunc("/healthz", reg.Handler())
		aux = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", aux.Addr)
			if err := aux.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-gctx.Done():
		logger.Error("auxiliary server failed", "error", gctx.Err())
	}

	timeout := cfg.Pump.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := p.Stop(stopCtx).Wait(context.Background()); err != nil {
		logger.Warn("pump stopped before drain completed", "error", err)
	}
	p.Dispose()
	if pool != nil {
		pool.Stop()
	}

	if aux != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = aux.Shutdown(shutdownCtx)
	}
	if err := g.Wait(); err != nil {
		logger.Error("auxiliary server exited with error", "error", err)
	}

	logger.Info("pumpd exited")
}
