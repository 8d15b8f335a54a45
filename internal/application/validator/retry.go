package validator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
	"github.com/EthanQC/liveroom/internal/metrics"
)

// newExponential 基于 RetryPolicy 构造无抖动的指数退避
func (p RetryPolicy) newExponential() *backoff.ExponentialBackOff {
	base, factor, maxDelay := p.Base, p.Factor, p.Max
	if base <= 0 {
		base = time.Second
	}
	if factor < 1 {
		factor = 2
	}
	if maxDelay < base {
		maxDelay = 8 * time.Second
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMultiplier(factor),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
}

// ExecuteWithRetry 按指数退避执行 op；不可重试的错误立即返回且不消耗预算
func (v *Validator) ExecuteWithRetry(ctx context.Context, name string, op func(ctx context.Context) error, maxRetries int) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	exp := v.cfg.Retry.newExponential()

	attempt := func() error {
		err := op(ctx)
		if err == nil {
			v.resetBudget(name)
			metrics.RetryAttempts.WithLabelValues(name, "ok").Inc()
			return nil
		}
		if !errkind.Retryable(err) {
			metrics.RetryAttempts.WithLabelValues(name, "permanent").Inc()
			return backoff.Permanent(err)
		}
		metrics.RetryAttempts.WithLabelValues(name, "error").Inc()
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)
	return backoff.RetryNotifyWithTimer(attempt, b, func(err error, d time.Duration) {
		v.consumeBudget(name, d)
		v.logger.Warn("operation failed, backing off",
			zap.String("op", name), zap.Duration("next", d), zap.Error(err))
	}, v.newTimer())
}

func (v *Validator) consumeBudget(key string, next time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.budgets[key]
	if !ok {
		b = &entity.RetryBudget{}
		v.budgets[key] = b
	}
	b.Attempts++
	b.ConsecutiveFailures++
	b.NextDelay = next
}

func (v *Validator) resetBudget(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.budgets, key)
}
