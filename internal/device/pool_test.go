package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func healthyAlways(context.Context, *Device) bool { return true }

// TestAcquireRelease 测试设备独占与归还
func TestAcquireRelease(t *testing.T) {
	m := NewManager(time.Second, testLogger())
	m.SetHealthCheck(healthyAlways)
	m.AddDevice(&Device{ID: "device-1", ADBTarget: "emulator-5554"})

	d, err := m.Acquire(context.Background(), "run-a")
	require.NoError(t, err)
	assert.Equal(t, "device-1", d.ID)
	assert.True(t, d.IsInUse())
	assert.Equal(t, 0, m.AvailableCount())

	m.Release(d)
	assert.False(t, d.IsInUse())
	assert.Equal(t, 1, m.AvailableCount())
}

// TestAcquireTimeout 测试池空且被占用时超时
func TestAcquireTimeout(t *testing.T) {
	m := NewManager(700*time.Millisecond, testLogger())
	m.SetHealthCheck(healthyAlways)
	m.AddDevice(&Device{ID: "device-1", ADBTarget: "emulator-5554"})

	d, err := m.Acquire(context.Background(), "run-a")
	require.NoError(t, err)
	defer m.Release(d)

	_, err = m.Acquire(context.Background(), "run-b")
	assert.ErrorIs(t, err, ErrAcquireTimeout)
}

// TestAcquireBlocksUntilRelease 测试第二个请求等到设备归还后拿到
func TestAcquireBlocksUntilRelease(t *testing.T) {
	m := NewManager(5*time.Second, testLogger())
	m.SetHealthCheck(healthyAlways)
	m.AddDevice(&Device{ID: "device-1", ADBTarget: "emulator-5554"})

	d, err := m.Acquire(context.Background(), "run-a")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d2, err := m.Acquire(context.Background(), "run-b")
		assert.NoError(t, err)
		m.Release(d2)
	}()

	time.Sleep(100 * time.Millisecond)
	m.Release(d)
	wg.Wait()
}

// TestUnhealthySkipped 测试不健康设备被跳过
func TestUnhealthySkipped(t *testing.T) {
	m := NewManager(time.Second, testLogger())
	m.SetHealthCheck(func(_ context.Context, d *Device) bool {
		return d.ID != "device-bad"
	})
	m.AddDevice(&Device{ID: "device-bad", ADBTarget: "emulator-5554"})
	m.AddDevice(&Device{ID: "device-good", ADBTarget: "emulator-5556"})

	d, err := m.Acquire(context.Background(), "run-a")
	require.NoError(t, err)
	assert.Equal(t, "device-good", d.ID)
	m.Release(d)
}

// TestAcquireContextCancel 测试 ctx 取消终止等待
func TestAcquireContextCancel(t *testing.T) {
	m := NewManager(0, testLogger())
	m.SetHealthCheck(healthyAlways)
	m.AddDevice(&Device{ID: "device-1", ADBTarget: "emulator-5554"})

	d, err := m.Acquire(context.Background(), "run-a")
	require.NoError(t, err)
	defer m.Release(d)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "run-b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestStats 测试池状态统计
func TestStats(t *testing.T) {
	m := NewManager(time.Second, testLogger())
	m.SetHealthCheck(healthyAlways)
	m.AddDevice(&Device{ID: "device-1", ADBTarget: "emulator-5554"})
	m.AddDevice(&Device{ID: "device-2", ADBTarget: "emulator-5556"})

	d, err := m.Acquire(context.Background(), "run-a")
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 2, stats["total_devices"])
	assert.Equal(t, 1, stats["in_use"])
	assert.Equal(t, 1, stats["available"])

	m.Release(d)
}
