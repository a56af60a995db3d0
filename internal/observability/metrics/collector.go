package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 汇总插件运行时的 Prometheus 指标。
// 同时实现 plugin.Metrics 与 supervisor.Metrics。
type Collector struct {
	registry *prometheus.Registry

	connected       prometheus.Gauge
	pluginRequests  *prometheus.CounterVec
	pluginLatency   *prometheus.HistogramVec
	processExits    *prometheus.CounterVec
	processRestarts *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
}

// NewCollector 在独立的 registry 上注册全部指标。
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugins_connected",
			Help:      "Number of plugins with a live connection",
		}),
		pluginRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_requests_total",
			Help:      "Host to plugin requests by method and outcome",
		}, []string{"method", "outcome"}),
		pluginLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plugin_request_duration_seconds",
			Help:      "Host to plugin request latency",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		processExits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_process_exits_total",
			Help:      "Unexpected plugin process exits",
		}, []string{"plugin_id", "exit_code"}),
		processRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_process_restarts_total",
			Help:      "Automatic plugin process restarts",
		}, []string{"plugin_id"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served by the API",
		}, []string{"handler", "method", "code"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler", "method"}),
	}
}

// ObserveRequest 记录一次插件请求。
func (c *Collector) ObserveRequest(method, outcome string, elapsed time.Duration) {
	c.pluginRequests.WithLabelValues(method, outcome).Inc()
	c.pluginLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// SetConnected 更新在线插件数。
func (c *Collector) SetConnected(n int) {
	c.connected.Set(float64(n))
}

// ProcessExited 记录一次非预期退出。
func (c *Collector) ProcessExited(id string, exitCode int) {
	c.processExits.WithLabelValues(id, strconv.Itoa(exitCode)).Inc()
}

// ProcessRestarted 记录一次自动重启。
func (c *Collector) ProcessRestarted(id string) {
	c.processRestarts.WithLabelValues(id).Inc()
}

// ObserveHTTPRequest 记录 HTTP 请求的次数与耗时。
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler 暴露 Prometheus 抓取端点。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry 返回底层 registry，便于测试或附加自定义指标。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
