package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// setupTestMetrics 创建测试用的指标收集器
// namespace 带时间戳，避免多个测试在默认 registry 上重复注册
func setupTestMetrics(t *testing.T) *PrometheusMetrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	namespace := "test_" + strings.ReplaceAll(t.Name(), "/", "_") + "_" + time.Now().Format("20060102150405999999999")
	return NewPrometheusMetrics(logger, namespace)
}

// TestPrometheusMetrics_Initialization 测试指标初始化
func TestPrometheusMetrics_Initialization(t *testing.T) {
	pm := setupTestMetrics(t)

	assert.NotNil(t, pm)
	assert.NotNil(t, pm.httpRequestsTotal)
	assert.NotNil(t, pm.runsTotal)
	assert.NotNil(t, pm.outcomesTotal)
	assert.NotNil(t, pm.completionsTotal)
	assert.NotNil(t, pm.devicePoolSize)
}

// TestHTTPMiddleware 测试 HTTP 请求监控中间件
func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// TestRunLifecycleMetrics 测试运行生命周期指标不 panic 且可重复调用
func TestRunLifecycleMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordRunCreated()
	pm.RecordRunStarted()
	pm.RecordLocationsDetected(5)
	pm.RecordOutcome("crash_confirmed")
	pm.RecordOutcome("path_exhausted")
	pm.RecordStepsExecuted(12)
	pm.RecordCompletion(true)
	pm.RecordCompletion(false)
	pm.RecordDeviceFault()
	pm.RecordRunCompleted(90 * time.Second)

	pm.RecordRunCreated()
	pm.RecordRunStarted()
	pm.RecordRunFailed(10 * time.Second)
}

// TestGaugeUpdates 测试各类 Gauge 更新
func TestGaugeUpdates(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateDevicePoolStats(4, 2)
	pm.UpdateWorkerQueueSize(7)
	pm.UpdateDBStats(10, 5, 5)
	pm.UpdateMemoryStats(MemoryStats{Alloc: 1024, Goroutines: 20, NumGC: 3})
}

// TestMetricsHandler 测试抓取端点输出
func TestMetricsHandler(t *testing.T) {
	pm := setupTestMetrics(t)
	pm.RecordRunCreated()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics/prometheus", pm.Handler())

	req := httptest.NewRequest("GET", "/metrics/prometheus", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "runs_total")
}
