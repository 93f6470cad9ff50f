package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/TheMystery123/TraceDroid/internal/api"
	"github.com/TheMystery123/TraceDroid/internal/api/handlers"
	"github.com/TheMystery123/TraceDroid/internal/config"
	"github.com/TheMystery123/TraceDroid/internal/device"
	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/TheMystery123/TraceDroid/internal/middleware"
	"github.com/TheMystery123/TraceDroid/internal/queue"
	"github.com/TheMystery123/TraceDroid/internal/repository"
	"github.com/TheMystery123/TraceDroid/internal/watcher"
	"github.com/TheMystery123/TraceDroid/internal/worker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to config file")
	flag.Parse()

	fmt.Printf("TraceDroid - crash-directed GUI exploration\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting TraceDroid %s", Version)
	logger.Infof("Config loaded from: %s", *configPath)

	// 数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")

	// 清理因服务重启而中断的运行
	if err := cleanupStuckRuns(db, logger); err != nil {
		logger.WithError(err).Warn("Failed to cleanup stuck runs")
	}

	runRepo := repository.NewRunRepository(db, logger)
	attemptRepo := repository.NewAttemptRepository(db, logger)

	// 设备池：运行独占设备，取不到时最多等 10 分钟
	deviceMgr := device.NewManager(10*time.Minute, logger)
	for _, dc := range cfg.Devices {
		deviceMgr.AddDevice(&device.Device{
			ID:        dc.ID,
			ADBTarget: dc.ADBTarget,
			Timeout:   time.Duration(dc.Timeout) * time.Second,
		})
	}
	if deviceMgr.Count() == 0 {
		logger.Warn("No devices configured, runs will fail at the exploration stage")
	}

	// 运行事件 WebSocket 广播
	eventsHandler := handlers.NewRunEventsHandler(logger)
	eventsHandler.Start()

	// 编排器与 Worker 池
	orchestrator := worker.NewOrchestrator(deviceMgr, runRepo, attemptRepo, cfg, logger)
	orchestrator.SetBroadcaster(eventsHandler)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	pool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, orchestrator, logger)
	pool.Start(rootCtx)
	defer pool.Stop()
	logger.Infof("Worker pool started with %d workers", cfg.Worker.Concurrency)

	// 运行提交路径：RabbitMQ 启用时走队列，否则直接进本地池
	var submitter handlers.RunSubmitter
	if cfg.RabbitMQ.Enabled {
		mqConfig := &queue.RabbitMQConfig{
			Host:     cfg.RabbitMQ.Host,
			Port:     cfg.RabbitMQ.Port,
			User:     cfg.RabbitMQ.User,
			Password: cfg.RabbitMQ.Password,
			VHost:    cfg.RabbitMQ.VHost,
		}
		mq, err := queue.NewRabbitMQ(mqConfig, cfg.RabbitMQ.Queue, cfg.Worker.Concurrency, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		defer mq.Close()
		logger.WithField("queue", cfg.RabbitMQ.Queue).Info("RabbitMQ connected successfully")

		producer := queue.NewProducer(mq, logger)

		consumer := queue.NewConsumer(mq, createRunHandler(pool, logger), cfg.Worker.Concurrency, logger)
		if err := consumer.Start(rootCtx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		defer consumer.Stop()
		logger.Infof("Run consumer started with %d workers", cfg.Worker.Concurrency)

		submitter = &queueSubmitter{producer: producer}
	} else {
		logger.Info("RabbitMQ disabled, submitting runs to local worker pool")
		submitter = &poolSubmitter{pool: pool}
	}

	// 入站目录监控：APK + 配套源码目录齐备后自动创建运行
	if cfg.Watcher.Enabled {
		bundleWatcher, err := watcher.NewBundleWatcher(cfg.InboundDir, createBundleHandler(runRepo, submitter, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create bundle watcher: %v", err)
		}
		defer bundleWatcher.Stop()

		if err := bundleWatcher.Start(rootCtx); err != nil {
			logger.Fatalf("Failed to start bundle watcher: %v", err)
		}
		logger.Infof("Bundle watcher started for directory: %s", cfg.InboundDir)
	}

	// Prometheus 指标与内存监控
	promMetrics := middleware.NewPrometheusMetrics(logger, "tracedroid")

	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second, promMetrics)
	memMonitor.Start()
	defer memMonitor.Stop()
	logger.Info("Memory monitor started")

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if sqlDB, err := db.DB(); err == nil {
					dbStats := sqlDB.Stats()
					promMetrics.UpdateDBStats(dbStats.OpenConnections, dbStats.Idle, dbStats.InUse)
				}
				promMetrics.UpdateDevicePoolStats(deviceMgr.Count(), deviceMgr.AvailableCount())
				promMetrics.UpdateWorkerQueueSize(pool.QueueSize())
			}
		}
	}()

	// HTTP Server
	router := api.SetupRouter(cfg, logger, runRepo, attemptRepo, submitter,
		orchestrator.Engine(), deviceMgr, memMonitor, promMetrics, eventsHandler)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 支持大 APK 上传
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")
	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("Server stopped")
}

// queueSubmitter 经 RabbitMQ 提交运行
type queueSubmitter struct {
	producer *queue.Producer
}

func (s *queueSubmitter) SubmitRun(ctx context.Context, runID, apkPath, sourceDir string) error {
	return s.producer.PublishRun(ctx, &queue.RunMessage{
		RunID:     runID,
		APKName:   filepath.Base(apkPath),
		APKPath:   apkPath,
		SourceDir: sourceDir,
	})
}

// poolSubmitter 直接提交到本地 Worker 池
type poolSubmitter struct {
	pool *worker.Pool
}

func (s *poolSubmitter) SubmitRun(ctx context.Context, runID, apkPath, sourceDir string) error {
	return s.pool.Submit(&worker.RunJob{
		RunID:     runID,
		APKPath:   apkPath,
		SourceDir: sourceDir,
	})
}

// createRunHandler 创建队列消息处理器（从 RabbitMQ 提交到 Worker 池并等待完成）
func createRunHandler(pool *worker.Pool, logger *logrus.Logger) queue.RunHandler {
	return func(ctx context.Context, msg *queue.RunMessage) error {
		logger.WithFields(logrus.Fields{
			"run_id":   msg.RunID,
			"apk_name": msg.APKName,
		}).Info("Received run from RabbitMQ, submitting to worker pool")

		job := &worker.RunJob{
			RunID:     msg.RunID,
			APKPath:   msg.APKPath,
			SourceDir: msg.SourceDir,
		}

		if err := pool.SubmitAndWait(ctx, job); err != nil {
			logger.WithError(err).WithField("run_id", msg.RunID).Error("Run execution failed")
			return err
		}

		logger.WithField("run_id", msg.RunID).Info("Run completed successfully")
		return nil
	}
}

// createBundleHandler 创建入站目录处理器（新分析包 -> 创建运行 -> 提交）
func createBundleHandler(runRepo repository.RunRepository, submitter handlers.RunSubmitter, logger *logrus.Logger) watcher.BundleHandler {
	return func(ctx context.Context, apkPath, sourceDir string) error {
		run := &domain.Run{
			ID:        uuid.New().String(),
			APKPath:   apkPath,
			SourceDir: sourceDir,
			Status:    domain.RunStatusQueued,
			CreatedAt: time.Now(),
		}

		if err := runRepo.Create(ctx, run); err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}

		if err := submitter.SubmitRun(ctx, run.ID, apkPath, sourceDir); err != nil {
			return fmt.Errorf("failed to submit run: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"run_id": run.ID,
			"apk":    filepath.Base(apkPath),
		}).Info("Run created from inbound bundle")

		return nil
	}
}

// cleanupStuckRuns 清理因服务重启而中断的运行
// analyzing/exploring 状态的运行已无对应的执行协程，标记为 failed；
// queued 状态保持不动，重新提交由操作者决定
func cleanupStuckRuns(db *gorm.DB, logger *logrus.Logger) error {
	stuckStatuses := []string{
		string(domain.RunStatusAnalyzing),
		string(domain.RunStatusExploring),
	}

	now := time.Now()
	result := db.Model(&domain.Run{}).
		Where("status IN ?", stuckStatuses).
		Updates(map[string]interface{}{
			"status":        string(domain.RunStatusFailed),
			"error_message": "service restarted while run was in progress",
			"completed_at":  now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update stuck runs: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		logger.WithField("count", result.RowsAffected).Warn("Marked stuck runs as failed due to service restart")
	} else {
		logger.Info("No stuck runs found")
	}

	return nil
}
