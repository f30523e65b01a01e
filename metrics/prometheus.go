// Package metrics 封装了基于 Prometheus 的指标采集注册表及消息泵的标准监控指标。
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 封装了内部独立的 Prometheus 注册中心与预定义的标准监控指标。
type Metrics struct {
	registry *prometheus.Registry

	// 预定义的标准指标，减少各模块的样板代码
	PumpInflight         prometheus.Gauge         // 当前在途请求数
	PumpRequestsTotal    *prometheus.CounterVec   // 请求总量 (维度: outcome)
	PumpRequestDuration  *prometheus.HistogramVec // 请求处理耗时分布 (维度: outcome)
	PumpDispatchRejected prometheus.Counter       // 调度失败被丢弃的请求数
}

// NewMetrics 初始化并返回一个新的指标采集器。
// 它会自动注册 Go 运行时指标和进程指标。
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.PumpInflight = m.NewGauge(&prometheus.GaugeOpts{
		Name: "pump_inflight_requests",
		Help: "Number of requests currently being processed by the pump",
	})

	m.PumpRequestsTotal = m.NewCounterVec(prometheus.CounterOpts{
		Name: "pump_requests_total",
		Help: "Total number of requests dispatched by the pump",
	}, []string{"outcome"})

	m.PumpRequestDuration = m.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pump_request_duration_seconds",
		Help:    "Request processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	m.PumpDispatchRejected = m.NewCounter(prometheus.CounterOpts{
		Name: "pump_dispatch_rejected_total",
		Help: "Total number of requests dropped because scheduling failed",
	})

	slog.Info("unified metrics registry initialized", "service", serviceName)
	return m
}

// NewCounter 创建并注册一个新的计数器指标。
func (m *Metrics) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	m.registry.MustRegister(c)
	return c
}

// NewCounterVec 创建并注册一个新的计数器指标。
func (m *Metrics) NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(opts, labelNames)
	m.registry.MustRegister(cv)
	return cv
}

// NewGauge 创建并注册一个新的仪表盘指标。
func (m *Metrics) NewGauge(opts *prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(*opts)
	m.registry.MustRegister(g)
	return g
}

// NewGaugeVec 创建并注册一个新的仪表盘指标。
func (m *Metrics) NewGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	gv := prometheus.NewGaugeVec(opts, labelNames)
	m.registry.MustRegister(gv)
	return gv
}

// NewHistogramVec 创建并注册一个新的直方图指标。
func (m *Metrics) NewHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	hv := prometheus.NewHistogramVec(opts, labelNames)
	m.registry.MustRegister(hv)
	return hv
}

// Handler 返回用于暴露指标的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
