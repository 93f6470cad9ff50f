package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 重试间隔策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔，适合 LLM 限流类失败
	StrategyExponential Strategy = "exponential" // 指数退避，适合设备暂时不可用
)

// Config 重试配置
// 探索链路上的外部依赖（LLM 接口、adb 操作）都可能瞬时失败，
// 调用方按依赖的特性给出尝试次数与间隔
type Config struct {
	MaxAttempts     int           // 最大尝试次数（含首次），不足 1 时按 1 处理
	InitialInterval time.Duration // 首次失败后的等待
	MaxInterval     time.Duration // 间隔上限，0 表示不限
	Strategy        Strategy      // 间隔策略，默认固定
	Logger          *logrus.Logger
}

// permanentError 标记不值得重试的失败
type permanentError struct {
	error
}

func (e *permanentError) IsRetryable() bool { return false }

// NewNonRetryableError 包装一个不应重试的错误
// 认证失败、配额用尽这类错误重试只会白等
func NewNonRetryableError(err error) error {
	return &permanentError{error: err}
}

// IsRetryable 判断一次失败是否值得再试
// 显式标记优先；上下文取消与超时永远不重试；其余默认重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var marked interface {
		error
		IsRetryable() bool
	}
	if errors.As(err, &marked) {
		return marked.IsRetryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Do 按配置反复执行 fn 直到成功、错误不可重试或尝试耗尽
func Do(ctx context.Context, cfg *Config, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				cfg.Logger.WithField("attempt", attempt).Info("Operation recovered after retry")
			}
			return nil
		}
		lastErr = err

		cfg.Logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     attempts,
			"error":   err.Error(),
		}).Warn("Attempt failed")

		if !IsRetryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt >= attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-time.After(intervalFor(cfg, attempt)):
		}
	}

	return fmt.Errorf("max attempts (%d) reached: %w", attempts, lastErr)
}

// DoWithResult 带返回值版本的 Do
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// intervalFor 第 attempt 次失败后的等待时长
func intervalFor(cfg *Config, attempt int) time.Duration {
	next := cfg.InitialInterval
	if cfg.Strategy == StrategyExponential {
		next = cfg.InitialInterval << (attempt - 1)
	}
	if cfg.MaxInterval > 0 && next > cfg.MaxInterval {
		next = cfg.MaxInterval
	}
	return next
}
