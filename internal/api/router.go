package api

import (
	"net/http"
	"time"

	"github.com/TheMystery123/TraceDroid/internal/api/handlers"
	"github.com/TheMystery123/TraceDroid/internal/config"
	"github.com/TheMystery123/TraceDroid/internal/device"
	"github.com/TheMystery123/TraceDroid/internal/middleware"
	"github.com/TheMystery123/TraceDroid/internal/repository"
	"github.com/TheMystery123/TraceDroid/internal/rules"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRouter 组装 HTTP 路由
func SetupRouter(
	cfg *config.Config,
	logger *logrus.Logger,
	runRepo repository.RunRepository,
	attemptRepo repository.AttemptRepository,
	submitter handlers.RunSubmitter,
	engine *rules.Engine,
	deviceMgr *device.Manager,
	memMonitor *middleware.MemoryMonitor,
	promMetrics *middleware.PrometheusMetrics,
	eventsHandler *handlers.RunEventsHandler,
) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
	}

	// 初始化处理器
	runHandler := handlers.NewRunHandler(runRepo, attemptRepo, submitter, logger)
	ruleHandler := handlers.NewRuleHandler(engine, logger)
	fileHandler := handlers.NewFileHandler(cfg.InboundDir, logger)

	// 运行事件 WebSocket，run_id 为 "all" 时订阅全部运行
	if eventsHandler != nil {
		r.GET("/ws/runs/:run_id", eventsHandler.HandleWebSocket)
	}

	// 内存监控端点
	if memMonitor != nil {
		r.GET("/metrics", memMonitor.MetricsEndpoint())
	}

	// Prometheus 指标端点
	if promMetrics != nil {
		r.GET("/metrics/prometheus", promMetrics.Handler())
	}

	// API v1
	v1 := r.Group("/api")
	{
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"version": "1.0.0",
			})
		})

		// 系统统计
		v1.GET("/stats", runHandler.GetSystemStats)

		// 运行管理
		v1.POST("/runs", runHandler.CreateRun)
		v1.GET("/runs", runHandler.ListRuns)
		v1.GET("/runs/:id", runHandler.GetRun)
		v1.GET("/runs/:id/attempts", runHandler.ListAttempts)
		v1.GET("/runs/:id/summary", runHandler.GetRunSummary)

		// APK 入站上传
		v1.POST("/upload", fileHandler.UploadAPK)

		// 规则目录
		v1.GET("/rules", ruleHandler.ListRules)

		// 设备池状态
		v1.GET("/devices", func(c *gin.Context) {
			c.JSON(http.StatusOK, deviceMgr.Stats())
		})
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		method := c.Request.Method
		path := c.Request.URL.Path

		logger.WithFields(logrus.Fields{
			"status":  statusCode,
			"method":  method,
			"path":    path,
			"latency": latency.Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
