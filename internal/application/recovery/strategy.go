package recovery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/errkind"
	"github.com/EthanQC/liveroom/internal/metrics"
)

// Reconnect 一次完整的离开+重新加入
type Reconnect func(ctx context.Context) error

// Outcome 恢复结果
type Outcome struct {
	Strategy  string
	Recovered bool
	Attempts  int
	Err       error
}

// Strategy 连接断开后的升级恢复策略
type Strategy interface {
	Name() string
	Recover(ctx context.Context, sessionID string, reconnect Reconnect) Outcome
}

// Noop 不做任何恢复
type Noop struct{}

func (Noop) Name() string { return "none" }

func (Noop) Recover(context.Context, string, Reconnect) Outcome {
	return Outcome{Strategy: "none"}
}

// BackoffConfig 指数退避恢复参数
type BackoffConfig struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
}

// Backoff 有上限次数的指数退避重连
type Backoff struct {
	cfg      BackoffConfig
	logger   *zap.Logger
	newTimer func() backoff.Timer
}

// NewBackoff 创建退避策略
func NewBackoff(cfg BackoffConfig, logger *zap.Logger) *Backoff {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.Initial <= 0 {
		cfg.Initial = time.Second
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = 16 * time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backoff{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "recovery")),
		newTimer: func() backoff.Timer { return nil },
	}
}

// WithTimer 替换等待计时器，测试用
func (b *Backoff) WithTimer(f func() backoff.Timer) *Backoff {
	b.newTimer = f
	return b
}

func (b *Backoff) Name() string { return "exponential_backoff" }

// Recover 按退避间隔重连，鉴权/取消类错误立即放弃
func (b *Backoff) Recover(ctx context.Context, sessionID string, reconnect Reconnect) Outcome {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(b.cfg.Initial),
		backoff.WithMaxInterval(b.cfg.Max),
		backoff.WithMultiplier(b.cfg.Multiplier),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(b.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	op := func() error {
		attempts++
		err := reconnect(ctx)
		metrics.RetryAttempts.WithLabelValues("recover_session", metrics.Result(err)).Inc()
		if err != nil && !errkind.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.RetryNotifyWithTimer(op, policy, func(err error, d time.Duration) {
		b.logger.Warn("reconnect failed, backing off",
			zap.String("session_id", sessionID), zap.Int("attempt", attempts), zap.Duration("next", d), zap.Error(err))
	}, b.newTimer())

	out := Outcome{Strategy: b.Name(), Recovered: err == nil, Attempts: attempts, Err: err}
	if err == nil {
		b.logger.Info("session recovered", zap.String("session_id", sessionID), zap.Int("attempts", attempts))
	}
	return out
}
