// Package bootstrap 处理服务进程启动期的通用基础设施初始化：
// 命令行标志、配置加载、日志与链路追踪。
package bootstrap

import (
	"context"
	"flag"

	"github.com/wyfcoding/msgpump/config"
	"github.com/wyfcoding/msgpump/logging"
	"github.com/wyfcoding/msgpump/tracing"
)

// Bootstrapper 处理通用基础设施的初始化。
type Bootstrapper struct {
	ServiceName string
	Version     string
	Logger      *logging.Logger
}

// New 创建一个新的引导器实例。
func New(serviceName, version string) *Bootstrapper {
	return &Bootstrapper{
		ServiceName: serviceName,
		Version:     version,
	}
}

// Initialize 解析命令行标志、加载配置文件，并初始化日志系统。
// 加载结果反序列化到传入的 cfg 结构体中。
func (b *Bootstrapper) Initialize(cfg *config.Config) error {
	var configPath string
	flag.StringVar(&configPath, "config", "configs/config.toml", "path to config file")
	flag.Parse()

	// 临时初始化 Logger，用于记录配置加载过程中的潜在错误。
	logging.InitLogger(b.ServiceName, "bootstrap")
	b.Logger = logging.Default()

	if err := config.Load(configPath, cfg); err != nil {
		b.Logger.Error("failed to load config", "error", err)
		return err
	}

	// 使用加载到的日志配置重建 Logger。
	b.Logger = logging.NewFromConfig(logging.Config{
		Service:    b.ServiceName,
		Module:     "main",
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	config.PrintWithMask(cfg)
	return nil
}

// SetupTracing 初始化 OpenTelemetry 追踪器，返回关闭函数。
func (b *Bootstrapper) SetupTracing(cfg config.TracingConfig) func() {
	shutdown, err := tracing.InitTracer(cfg)
	if err != nil {
		b.Logger.Error("failed to init tracer", "error", err)
		return func() {}
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			b.Logger.Error("failed to shutdown tracer", "error", err)
		}
	}
}
