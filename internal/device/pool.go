package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TheMystery123/TraceDroid/internal/uiauto"
	"github.com/sirupsen/logrus"
)

// ErrAcquireTimeout 在超时窗口内没有等到空闲设备
var ErrAcquireTimeout = errors.New("timeout waiting for available device")

// Device 一台受管的 Android 设备
type Device struct {
	ID        string        // 设备标识，如 "device-1"
	ADBTarget string        // ADB 连接目标，如 "emulator-5554"
	Timeout   time.Duration // 单条 adb 命令的超时

	mutex        sync.Mutex // 设备级互斥，持锁即独占
	inUse        bool
	currentRunID string
}

// CreateAutomator 为设备创建 UI 自动化器
func (d *Device) CreateAutomator(logger *logrus.Logger) *uiauto.ADBAutomator {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return uiauto.NewADBAutomator(d.ADBTarget, timeout, logger)
}

// IsInUse 设备是否正被占用
func (d *Device) IsInUse() bool {
	return d.inUse
}

// Manager 设备池
// 一次探索运行独占一台设备，取不到就阻塞轮询直到空闲或超时
type Manager struct {
	devices     []*Device
	mu          sync.Mutex
	waitTimeout time.Duration // 0 表示无限等待
	healthCheck func(ctx context.Context, d *Device) bool
	logger      *logrus.Logger
}

// NewManager 创建设备池
func NewManager(waitTimeout time.Duration, logger *logrus.Logger) *Manager {
	m := &Manager{
		devices:     make([]*Device, 0),
		waitTimeout: waitTimeout,
		logger:      logger,
	}
	m.healthCheck = m.isHealthy
	return m
}

// SetHealthCheck 替换健康检查（测试注入用）
func (m *Manager) SetHealthCheck(fn func(ctx context.Context, d *Device) bool) {
	m.healthCheck = fn
}

// AddDevice 注册设备
func (m *Manager) AddDevice(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices = append(m.devices, d)
	m.logger.WithFields(logrus.Fields{
		"device_id":     d.ID,
		"adb_target":    d.ADBTarget,
		"total_devices": len(m.devices),
	}).Info("Device added to pool")
}

// Acquire 获取空闲设备，阻塞直到可用、超时或 ctx 取消
func (m *Manager) Acquire(ctx context.Context, runID string) (*Device, error) {
	m.logger.WithField("run_id", runID).Info("Acquiring device from pool")

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var timeoutCh <-chan time.Time
	if m.waitTimeout > 0 {
		timeoutCh = time.After(m.waitTimeout)
	}

	for {
		if d := m.tryAcquire(ctx, runID); d != nil {
			m.logger.WithFields(logrus.Fields{
				"run_id":     runID,
				"device_id":  d.ID,
				"adb_target": d.ADBTarget,
			}).Info("Device acquired")
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			return nil, ErrAcquireTimeout
		case <-ticker.C:
		}
	}
}

// tryAcquire 非阻塞尝试锁定一台健康的空闲设备
func (m *Manager) tryAcquire(ctx context.Context, runID string) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		if !d.mutex.TryLock() {
			continue
		}
		if !m.healthCheck(ctx, d) {
			d.mutex.Unlock()
			m.logger.WithFields(logrus.Fields{
				"run_id":    runID,
				"device_id": d.ID,
			}).Warn("Device unhealthy, skipping")
			continue
		}
		d.inUse = true
		d.currentRunID = runID
		return d
	}
	return nil
}

// Release 归还设备
func (m *Manager) Release(d *Device) {
	if d == nil {
		return
	}

	runID := d.currentRunID
	d.currentRunID = ""
	d.inUse = false
	d.mutex.Unlock()

	m.logger.WithFields(logrus.Fields{
		"run_id":    runID,
		"device_id": d.ID,
	}).Info("Device released")
}

// isHealthy 分配前的快速连通性检查
func (m *Manager) isHealthy(ctx context.Context, d *Device) bool {
	automator := d.CreateAutomator(m.logger)

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := automator.Shell(checkCtx, "echo health_check")
	if err != nil {
		m.logger.WithError(err).WithField("device_id", d.ID).Warn("Device health check failed")
		return false
	}
	return true
}

// Count 设备总数
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// AvailableCount 当前空闲设备数
func (m *Manager) AvailableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	available := 0
	for _, d := range m.devices {
		if !d.inUse {
			available++
		}
	}
	return available
}

// Stats 设备池状态（API 展示用）
func (m *Manager) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := make([]map[string]interface{}, 0, len(m.devices))
	inUse := 0
	for _, d := range m.devices {
		if d.inUse {
			inUse++
		}
		devices = append(devices, map[string]interface{}{
			"id":         d.ID,
			"adb_target": d.ADBTarget,
			"in_use":     d.inUse,
			"run_id":     d.currentRunID,
		})
	}

	return map[string]interface{}{
		"total_devices": len(m.devices),
		"in_use":        inUse,
		"available":     len(m.devices) - inUse,
		"devices":       devices,
	}
}
