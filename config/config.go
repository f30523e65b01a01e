// Package config 提供了统一的配置加载与管理能力.
// 生成摘要:
// 1) 配置快照在泵启动时读取一次，泵生命周期内不变。
// 2) 热更新仅作用于日志级别与注册的回调，不触碰运行中的泵。
// 假设:
// 1) 配置文件为 TOML 格式，环境变量以 APP_ 前缀覆盖。
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/wyfcoding/msgpump/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 全局顶级配置结构.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   toml:"server"`
	Pump     PumpConfig     `mapstructure:"pump"     toml:"pump"`
	Listener ListenerConfig `mapstructure:"listener" toml:"listener"`
	Log      LogConfig      `mapstructure:"log"      toml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  toml:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"  toml:"tracing"`
}

// ServerConfig 定义服务运行时的基础环境参数.
type ServerConfig struct {
	Name        string `mapstructure:"name"        toml:"name"        validate:"required"`
	Environment string `mapstructure:"environment" toml:"environment" validate:"oneof=dev test prod"`
	MachineID   int64  `mapstructure:"machine_id"  toml:"machine_id"`
}

// PumpConfig 定义消息泵的调度与停机参数.
type PumpConfig struct {
	Prefixes               []string      `mapstructure:"prefixes"                 toml:"prefixes"`                 // 配置的监听地址前缀，有序.
	PreferHostingAddresses bool          `mapstructure:"prefer_hosting_addresses" toml:"prefer_hosting_addresses"` // 宿主地址是否优先于配置前缀.
	Workers                int           `mapstructure:"workers"                  toml:"workers"`                  // 调度池 worker 数；<= 0 则直接派生 goroutine.
	QueueSize              int           `mapstructure:"queue_size"               toml:"queue_size"`               // 调度池队列长度.
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"         toml:"shutdown_timeout"`         // 优雅停机等待排空的最长时间.
}

// ListenerConfig 定义传输监听器的网络与限额参数.
type ListenerConfig struct {
	Addr              string        `mapstructure:"addr"                toml:"addr"`                // 监听地址，未配置前缀时使用.
	ReadTimeout       time.Duration `mapstructure:"read_timeout"        toml:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" toml:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"       toml:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"        toml:"idle_timeout"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes"    toml:"max_header_bytes"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"      toml:"max_body_bytes"`   // 请求体大小上限，<= 0 不限制.
	MaxConnections    int           `mapstructure:"max_connections"     toml:"max_connections"`  // 并发请求上限，<= 0 不限制.
	AcceptRate        float64       `mapstructure:"accept_rate"         toml:"accept_rate"`      // 每秒接收请求数上限，<= 0 不限制.
	AcceptBurst       int           `mapstructure:"accept_burst"        toml:"accept_burst"`     // 接收突发容量.
	Websocket         WSConfig      `mapstructure:"websocket"           toml:"websocket"`
}

// WSConfig 定义 WebSocket 监听器参数.
type WSConfig struct {
	Path         string        `mapstructure:"path"          toml:"path"`
	ReadLimit    int64         `mapstructure:"read_limit"    toml:"read_limit"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" toml:"write_timeout"`
	SendQueue    int           `mapstructure:"send_queue"    toml:"send_queue"`
}

// LogConfig 定义日志输出、级别与切割策略.
type LogConfig struct {
	Level      string `mapstructure:"level"       toml:"level"`       // 日志级别。
	File       string `mapstructure:"file"        toml:"file"`        // 日志文件路径。
	MaxSize    int    `mapstructure:"max_size"    toml:"max_size"`    // 单个文件最大大小 (MB)。
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"` // 最大备份数。
	MaxAge     int    `mapstructure:"max_age"     toml:"max_age"`     // 最大保留天数。
	Compress   bool   `mapstructure:"compress"    toml:"compress"`    // 是否启用压缩。
}

// MetricsConfig 普罗米修斯监控指标暴露配置.
type MetricsConfig struct {
	Addr    string `mapstructure:"addr"    toml:"addr"`
	Path    string `mapstructure:"path"    toml:"path"`
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
}

// TracingConfig 分布式链路追踪（OpenTelemetry）配置.
type TracingConfig struct {
	ServiceName  string  `mapstructure:"service_name"  toml:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" toml:"otlp_endpoint"`
	SamplerRatio float64 `mapstructure:"sampler_ratio" toml:"sampler_ratio"`
	Enabled      bool    `mapstructure:"enabled"       toml:"enabled"`
}

var vInstance = viper.New()
var onReload []func(*Config)

// RegisterReloadHook 注册配置热更新回调。
func RegisterReloadHook(hook func(*Config)) {
	if hook == nil {
		return
	}
	onReload = append(onReload, hook)
}

// Load 加载并校验配置，随后监听文件变化执行热更新.
func Load(path string, conf any) error {
	vInstance.SetConfigFile(path)
	vInstance.SetConfigType("toml")

	vInstance.SetEnvPrefix("APP")
	vInstance.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vInstance.AutomaticEnv()

	if err := vInstance.ReadInConfig(); err != nil {
		return fmt.Errorf("read config error: %w", err)
	}

	if err := vInstance.Unmarshal(conf); err != nil {
		return fmt.Errorf("unmarshal config error: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(conf); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	vInstance.WatchConfig()
	vInstance.OnConfigChange(func(event fsnotify.Event) {
		slog.Info("detecting config change", "file", event.Name)
		const debounceTimeout = 500 * time.Millisecond
		time.Sleep(debounceTimeout)

		if unmarshalErr := vInstance.Unmarshal(conf); unmarshalErr != nil {
			slog.Error("reload config unmarshal failed", "error", unmarshalErr)

			return
		}

		// 如果配置中有日志级别，自动更新全局日志级别
		if c, ok := conf.(*Config); ok {
			logging.SetLevel(c.Log.Level)
		} else {
			// 尝试使用反射获取 Log.Level
			val := reflect.ValueOf(conf)
			if val.Kind() == reflect.Ptr {
				val = val.Elem()
			}
			logField := val.FieldByName("Log")
			if logField.IsValid() {
				levelField := logField.FieldByName("Level")
				if levelField.IsValid() && levelField.Kind() == reflect.String {
					logging.SetLevel(levelField.String())
				}
			}
		}

		if validateErr := validate.Struct(conf); validateErr != nil {
			slog.Error("reload config validation failed", "error", validateErr)
		} else {
			slog.Info("config hot-reloaded and validated successfully")
		}

		if cfg, ok := conf.(*Config); ok {
			for _, hook := range onReload {
				hook(cfg)
			}
		}
	})

	return nil
}

// PrintWithMask 脱敏打印当前配置.
func PrintWithMask(conf any) {
	data, err := json.Marshal(conf)
	if err != nil {
		slog.Error("failed to marshal config for printing", "error", err)

		return
	}

	var configMap map[string]any
	if unmarshalErr := json.Unmarshal(data, &configMap); unmarshalErr != nil {
		slog.Error("failed to unmarshal config for masking", "error", unmarshalErr)

		return
	}

	mask(configMap)

	maskedJSON, marshalErr := json.MarshalIndent(configMap, "  ", "  ")
	if marshalErr != nil {
		slog.Error("failed to marshal masked config", "error", marshalErr)

		return
	}

	slog.Info("Current effective configuration", "config", string(maskedJSON))
}

func mask(configMap map[string]any) {
	sensitiveKeys := []string{"password", "secret", "dsn", "key", "token"}

	for key, val := range configMap {
		if subMap, ok := val.(map[string]any); ok {
			mask(subMap)

			continue
		}

		if slice, ok := val.([]any); ok {
			for _, item := range slice {
				if itemMap, ok := item.(map[string]any); ok {
					mask(itemMap)
				}
			}

			continue
		}

		for _, sensitiveKey := range sensitiveKeys {
			if strings.Contains(strings.ToLower(key), sensitiveKey) {
				configMap[key] = "******"

				break
			}
		}
	}
}

// GetViper 返回底层的 Viper 实例.
func GetViper() *viper.Viper {
	return vInstance
}
