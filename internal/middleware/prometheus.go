package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 运行指标
	runsTotal      *prometheus.CounterVec
	runsInProgress prometheus.Gauge
	runDuration    *prometheus.HistogramVec

	// 探索指标
	outcomesTotal          *prometheus.CounterVec
	locationsDetectedTotal prometheus.Counter
	stepsExecutedTotal     prometheus.Counter
	completionsTotal       *prometheus.CounterVec
	deviceFaultsTotal      prometheus.Counter

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// 设备池与 Worker 池指标
	devicePoolSize      prometheus.Gauge
	devicePoolAvailable prometheus.Gauge
	workerQueueSize     prometheus.Gauge

	// 数据库指标
	dbConnectionsOpen  prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge
	dbConnectionsInUse prometheus.Gauge
}

// NewPrometheusMetrics 创建指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "tracedroid"
	}

	pm := &PrometheusMetrics{
		logger: logger,

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		runsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of analysis runs",
			},
			[]string{"status"}, // queued, completed, failed
		),
		runsInProgress: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_progress",
				Help:      "Number of runs currently executing",
			},
		),
		runDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run execution duration in seconds",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"status"},
		),

		outcomesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outcomes_total",
				Help:      "Exploration outcomes per suspicious location",
			},
			[]string{"outcome"}, // crash_confirmed, target_unreachable, path_exhausted, inconclusive
		),
		locationsDetectedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "locations_detected_total",
				Help:      "Total number of suspicious locations detected",
			},
		),
		stepsExecutedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of UI steps executed on devices",
			},
		),
		completionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completions_total",
				Help:      "Path completion requests by result",
			},
			[]string{"status"}, // success, failure
		),
		deviceFaultsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_faults_total",
				Help:      "Total number of device faults during exploration",
			},
		),

		memoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		devicePoolSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "device_pool_size",
				Help:      "Total number of devices in the pool",
			},
		),
		devicePoolAvailable: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "device_pool_available",
				Help:      "Number of devices not currently in use",
			},
		),
		workerQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_size",
				Help:      "Number of runs waiting in the worker queue",
			},
		),

		dbConnectionsOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_open",
				Help:      "Number of open database connections",
			},
		),
		dbConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_idle",
				Help:      "Number of idle database connections",
			},
		),
		dbConnectionsInUse: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_in_use",
				Help:      "Number of database connections in use",
			},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus 抓取端点
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordRunCreated 记录运行创建
func (pm *PrometheusMetrics) RecordRunCreated() {
	pm.runsTotal.WithLabelValues("queued").Inc()
}

// RecordRunStarted 记录运行开始
func (pm *PrometheusMetrics) RecordRunStarted() {
	pm.runsInProgress.Inc()
}

// RecordRunCompleted 记录运行完成
func (pm *PrometheusMetrics) RecordRunCompleted(duration time.Duration) {
	pm.runsTotal.WithLabelValues("completed").Inc()
	pm.runsInProgress.Dec()
	pm.runDuration.WithLabelValues("completed").Observe(duration.Seconds())
}

// RecordRunFailed 记录运行失败
func (pm *PrometheusMetrics) RecordRunFailed(duration time.Duration) {
	pm.runsTotal.WithLabelValues("failed").Inc()
	pm.runsInProgress.Dec()
	pm.runDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

// RecordOutcome 记录单个位置的探索结局
func (pm *PrometheusMetrics) RecordOutcome(outcome string) {
	pm.outcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordLocationsDetected 记录检出的可疑位置数
func (pm *PrometheusMetrics) RecordLocationsDetected(count int) {
	pm.locationsDetectedTotal.Add(float64(count))
}

// RecordStepsExecuted 记录执行的 UI 步骤数
func (pm *PrometheusMetrics) RecordStepsExecuted(count int) {
	pm.stepsExecutedTotal.Add(float64(count))
}

// RecordCompletion 记录一次补全请求
func (pm *PrometheusMetrics) RecordCompletion(success bool) {
	if success {
		pm.completionsTotal.WithLabelValues("success").Inc()
	} else {
		pm.completionsTotal.WithLabelValues("failure").Inc()
	}
}

// RecordDeviceFault 记录一次设备故障
func (pm *PrometheusMetrics) RecordDeviceFault() {
	pm.deviceFaultsTotal.Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateDevicePoolStats 更新设备池统计
func (pm *PrometheusMetrics) UpdateDevicePoolStats(size, available int) {
	pm.devicePoolSize.Set(float64(size))
	pm.devicePoolAvailable.Set(float64(available))
}

// UpdateWorkerQueueSize 更新 Worker 队列长度
func (pm *PrometheusMetrics) UpdateWorkerQueueSize(size int) {
	pm.workerQueueSize.Set(float64(size))
}

// UpdateDBStats 更新数据库连接统计
func (pm *PrometheusMetrics) UpdateDBStats(open, idle, inUse int) {
	pm.dbConnectionsOpen.Set(float64(open))
	pm.dbConnectionsIdle.Set(float64(idle))
	pm.dbConnectionsInUse.Set(float64(inUse))
}
