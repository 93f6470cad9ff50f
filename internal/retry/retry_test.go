package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func quietConfig(attempts int) *Config {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return &Config{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Strategy:        StrategyFixed,
		Logger:          logger,
	}
}

// TestDo_FirstAttemptSucceeds 测试首次成功不触发等待
func TestDo_FirstAttemptSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), quietConfig(3), func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

// TestDo_TransientFailureRecovers 测试瞬时失败后恢复
// 模拟 LLM 接口前两次超载、第三次正常
func TestDo_TransientFailureRecovers(t *testing.T) {
	calls := 0
	err := Do(context.Background(), quietConfig(5), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("completion endpoint overloaded")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

// TestDo_AttemptsExhausted 测试持续失败耗尽尝试次数
func TestDo_AttemptsExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), quietConfig(3), func(ctx context.Context) error {
		calls++
		return errors.New("adb device offline")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "max attempts")
}

// TestDo_NonRetryableStopsImmediately 测试标记为不可重试的错误直接放弃
// 认证失败重试多少次都一样
func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), quietConfig(5), func(ctx context.Context) error {
		calls++
		return NewNonRetryableError(errors.New("invalid API key"))
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "non-retryable")
}

// TestDo_ContextCanceledDuringWait 测试等待期间取消
func TestDo_ContextCanceledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := quietConfig(10)
	cfg.InitialInterval = time.Second

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func(ctx context.Context) error {
		calls++
		return errors.New("snapshot dump failed")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "canceled")
	assert.Equal(t, 1, calls)
}

// TestDoWithResult_ReturnsValueAfterRetry 测试带返回值的重试
func TestDoWithResult_ReturnsValueAfterRetry(t *testing.T) {
	calls := 0
	text, err := DoWithResult(context.Background(), quietConfig(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("empty model reply")
		}
		return `{"action": "tap"}`, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, `{"action": "tap"}`, text)
	assert.Equal(t, 2, calls)
}

// TestDoWithResult_FailureYieldsZeroValue 测试失败时返回零值
func TestDoWithResult_FailureYieldsZeroValue(t *testing.T) {
	text, err := DoWithResult(context.Background(), quietConfig(2), func(ctx context.Context) (string, error) {
		return "", errors.New("persistent transport failure")
	})

	assert.Error(t, err)
	assert.Equal(t, "", text)
}

// TestIsRetryable 测试失败分类
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"plain transport error", errors.New("connection reset"), true},
		{"marked non-retryable", NewNonRetryableError(errors.New("quota exceeded")), false},
		{"wrapped non-retryable", errors.Join(errors.New("outer"), NewNonRetryableError(errors.New("inner"))), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

// TestIntervalFor 测试间隔计算与上限
func TestIntervalFor(t *testing.T) {
	fixed := &Config{InitialInterval: time.Second, MaxInterval: 5 * time.Second, Strategy: StrategyFixed}
	assert.Equal(t, time.Second, intervalFor(fixed, 1))
	assert.Equal(t, time.Second, intervalFor(fixed, 4))

	exp := &Config{InitialInterval: time.Second, MaxInterval: 5 * time.Second, Strategy: StrategyExponential}
	assert.Equal(t, time.Second, intervalFor(exp, 1))
	assert.Equal(t, 2*time.Second, intervalFor(exp, 2))
	assert.Equal(t, 4*time.Second, intervalFor(exp, 3))
	assert.Equal(t, 5*time.Second, intervalFor(exp, 4))
}
