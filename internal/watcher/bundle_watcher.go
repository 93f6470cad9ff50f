package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// BundleHandler 分析包处理函数：一个 APK 与其反编译源码目录
type BundleHandler func(ctx context.Context, apkPath, sourceDir string) error

// BundleWatcher 入站目录监控器
// 监控 inbound 目录中新出现的 APK；每个 APK 需要配套的
// 反编译源码目录 <name>_src，两者齐备后才触发处理
type BundleWatcher struct {
	watcher    *fsnotify.Watcher
	watchDir   string
	handler    BundleHandler
	logger     *logrus.Logger
	debounce   time.Duration // 防抖时间
	sourceWait time.Duration // 等待源码目录出现的上限
	mu         sync.Mutex
	processing map[string]bool
	stopChan   chan struct{}
}

// NewBundleWatcher 创建监控器
func NewBundleWatcher(watchDir string, handler BundleHandler, logger *logrus.Logger) (*BundleWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := os.MkdirAll(watchDir, 0o755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	bw := &BundleWatcher{
		watcher:    watcher,
		watchDir:   watchDir,
		handler:    handler,
		logger:     logger,
		debounce:   2 * time.Second,
		sourceWait: 30 * time.Second,
		processing: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}

	logger.WithField("watch_dir", watchDir).Info("Bundle watcher created")

	return bw, nil
}

// SetTimings 调整防抖与源码目录等待时间（测试注入用）
func (bw *BundleWatcher) SetTimings(debounce, sourceWait time.Duration) {
	bw.debounce = debounce
	bw.sourceWait = sourceWait
}

// Start 启动监控
// 已存在的文件不做启动扫描：服务重启不应重复处理历史 APK
func (bw *BundleWatcher) Start(ctx context.Context) error {
	bw.logger.Info("Starting bundle watcher, skipping scan of existing files")
	go bw.eventLoop(ctx)
	return nil
}

// eventLoop 事件循环
func (bw *BundleWatcher) eventLoop(ctx context.Context) {
	var timerMu sync.Mutex
	debounceTimer := make(map[string]*time.Timer)

	for {
		select {
		case <-ctx.Done():
			bw.logger.Info("Bundle watcher context done")
			return
		case <-bw.stopChan:
			bw.logger.Info("Bundle watcher stopped")
			return
		case event, ok := <-bw.watcher.Events:
			if !ok {
				bw.logger.Warn("Watcher events channel closed")
				return
			}

			if event.Op&fsnotify.Create != fsnotify.Create &&
				event.Op&fsnotify.Write != fsnotify.Write {
				continue
			}

			fileName := filepath.Base(event.Name)
			if !strings.HasSuffix(strings.ToLower(fileName), ".apk") {
				continue
			}

			bw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  fileName,
			}).Debug("APK event detected")

			// 防抖：同一文件短时间多次触发只处理一次
			apkPath := event.Name
			timerMu.Lock()
			if timer, exists := debounceTimer[apkPath]; exists {
				timer.Stop()
			}
			debounceTimer[apkPath] = time.AfterFunc(bw.debounce, func() {
				timerMu.Lock()
				delete(debounceTimer, apkPath)
				timerMu.Unlock()
				bw.handleAPK(ctx, apkPath)
			})
			timerMu.Unlock()

		case err, ok := <-bw.watcher.Errors:
			if !ok {
				bw.logger.Warn("Watcher errors channel closed")
				return
			}
			bw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// handleAPK 处理一个新 APK：等写入完成、等源码目录、触发 handler
func (bw *BundleWatcher) handleAPK(ctx context.Context, apkPath string) {
	bw.mu.Lock()
	if bw.processing[apkPath] {
		bw.mu.Unlock()
		bw.logger.WithField("file", apkPath).Debug("APK is already being processed")
		return
	}
	bw.processing[apkPath] = true
	bw.mu.Unlock()
	defer func() {
		bw.mu.Lock()
		delete(bw.processing, apkPath)
		bw.mu.Unlock()
	}()

	if err := bw.waitForFileReady(apkPath); err != nil {
		bw.logger.WithError(err).WithField("file", apkPath).Error("APK not ready")
		return
	}

	sourceDir, err := bw.waitForSourceDir(ctx, apkPath)
	if err != nil {
		bw.logger.WithError(err).WithField("file", apkPath).Error("Source dir not found, skipping bundle")
		return
	}

	bw.logger.WithFields(logrus.Fields{
		"apk":        apkPath,
		"source_dir": sourceDir,
	}).Info("Processing bundle")

	if err := bw.handler(ctx, apkPath, sourceDir); err != nil {
		bw.logger.WithError(err).WithField("apk", apkPath).Error("Failed to process bundle")
		return
	}

	bw.logger.WithField("apk", apkPath).Info("Bundle processed successfully")
}

// SourceDirFor APK 对应的源码目录约定：demo.apk -> demo_src
func SourceDirFor(apkPath string) string {
	base := strings.TrimSuffix(apkPath, filepath.Ext(apkPath))
	return base + "_src"
}

// waitForSourceDir 轮询等待配套源码目录出现
func (bw *BundleWatcher) waitForSourceDir(ctx context.Context, apkPath string) (string, error) {
	sourceDir := SourceDirFor(apkPath)
	deadline := time.Now().Add(bw.sourceWait)

	for {
		if fi, err := os.Stat(sourceDir); err == nil && fi.IsDir() {
			return sourceDir, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("source dir %s did not appear within %s", sourceDir, bw.sourceWait)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// waitForFileReady 等待文件写入完成（大小稳定）
func (bw *BundleWatcher) waitForFileReady(filePath string) error {
	maxAttempts := 10
	for i := 0; i < maxAttempts; i++ {
		file, err := os.OpenFile(filePath, os.O_RDONLY, 0o644)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file does not exist")
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		info1, err := file.Stat()
		if err != nil {
			file.Close()
			return err
		}

		time.Sleep(500 * time.Millisecond)

		info2, err := file.Stat()
		if err != nil {
			file.Close()
			return err
		}
		file.Close()

		if info1.Size() == info2.Size() && info1.Size() > 0 {
			return nil
		}
	}

	return fmt.Errorf("file not ready after %d attempts", maxAttempts)
}

// Stop 停止监控
func (bw *BundleWatcher) Stop() error {
	bw.logger.Info("Stopping bundle watcher")
	close(bw.stopChan)

	if bw.watcher != nil {
		return bw.watcher.Close()
	}
	return nil
}

// WatchDir 监控目录
func (bw *BundleWatcher) WatchDir() string {
	return bw.watchDir
}
