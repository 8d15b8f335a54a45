package validator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
	"github.com/EthanQC/liveroom/internal/metrics"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

var (
	errInvalid  = errors.New("stream invalid")
	errInactive = errors.New("stream inactive")
)

// Config 校验器参数
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	MaxParticipants int
	Retry           RetryPolicy
}

// RetryPolicy 通用指数退避参数
type RetryPolicy struct {
	Base       time.Duration
	Factor     float64
	Max        time.Duration
	MaxRetries int
}

// Option 可选项
type Option func(*Validator)

// WithTimer 替换退避等待用的计时器，测试用
func WithTimer(f func() backoff.Timer) Option {
	return func(v *Validator) { v.newTimer = f }
}

// Validator 会话校验器，按 key 维护熔断器与重试预算
type Validator struct {
	store  out.StreamStore
	cfg    Config
	logger *zap.Logger

	newTimer func() backoff.Timer

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*entity.ValidationResult]
	budgets  map[string]*entity.RetryBudget
}

// New 创建校验器
func New(store out.StreamStore, cfg Config, logger *zap.Logger, opts ...Option) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	v := &Validator{
		store:    store,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "stream_validator")),
		newTimer: func() backoff.Timer { return nil },
		breakers: make(map[string]*gobreaker.CircuitBreaker[*entity.ValidationResult]),
		budgets:  make(map[string]*entity.RetryBudget),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate 读取一次会话并判定是否可用
func (v *Validator) Validate(ctx context.Context, streamID string) *entity.ValidationResult {
	stream, err := v.store.GetStream(ctx, streamID)
	if err != nil {
		if errkind.Is(err, errkind.NotFound) {
			return &entity.ValidationResult{Reason: entity.ReasonStreamNotFound}
		}
		v.logger.Warn("validate stream failed", zap.String("stream_id", streamID), zap.Error(err))
		return &entity.ValidationResult{Reason: entity.ReasonValidationError}
	}

	res := &entity.ValidationResult{Exists: true, IsActive: stream.IsActive, Data: stream}
	switch {
	case !stream.IsActive:
		res.Reason = entity.ReasonStreamInactive
	case len(stream.Participants) == 0:
		res.Reason = entity.ReasonNoParticipants
	default:
		res.Valid = true
	}
	return res
}

// ValidateWithRetry 在熔断器保护下校验；stream_inactive 固定间隔重试，其余结果立即返回
func (v *Validator) ValidateWithRetry(ctx context.Context, streamID string, maxRetries int, baseDelay time.Duration) *entity.ValidationResult {
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var last *entity.ValidationResult
	attempts := 0
	op := func() error {
		attempts++
		last = v.guarded(ctx, streamID)
		switch {
		case last.Valid:
			return nil
		case last.Reason == entity.ReasonStreamInactive:
			return errInactive
		default:
			return backoff.Permanent(errInvalid)
		}
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(baseDelay), uint64(maxRetries-1)),
		ctx,
	)
	_ = backoff.RetryNotifyWithTimer(op, b, func(err error, d time.Duration) {
		metrics.RetryAttempts.WithLabelValues("validate_stream", "retry").Inc()
		v.logger.Debug("stream inactive, retrying",
			zap.String("stream_id", streamID), zap.Int("attempt", attempts), zap.Duration("next", d))
	}, v.newTimer())

	if last == nil {
		last = &entity.ValidationResult{Reason: entity.ReasonValidationError}
	}
	last.Attempts = attempts
	return last
}

// Check 使用默认重试参数校验
func (v *Validator) Check(ctx context.Context, streamID string) *entity.ValidationResult {
	return v.ValidateWithRetry(ctx, streamID, v.cfg.MaxRetries, v.cfg.BaseDelay)
}

// guarded 单次校验经过 key 对应的熔断器，熔断打开时不访问存储
func (v *Validator) guarded(ctx context.Context, streamID string) *entity.ValidationResult {
	cb := v.breaker(streamID)
	res, err := cb.Execute(func() (*entity.ValidationResult, error) {
		r := v.Validate(ctx, streamID)
		if !r.Valid {
			return r, errInvalid
		}
		return r, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		v.recordBudget(streamID, nil, true)
		return &entity.ValidationResult{Reason: entity.ReasonCircuitBreakerOpen}
	}
	v.recordBudget(streamID, res, cb.State() == gobreaker.StateOpen)
	return res
}

func (v *Validator) breaker(key string) *gobreaker.CircuitBreaker[*entity.ValidationResult] {
	v.mu.Lock()
	defer v.mu.Unlock()

	if cb, ok := v.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[*entity.ValidationResult](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     v.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= v.cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			metrics.BreakerTransitions.WithLabelValues(to.String()).Inc()
			v.logger.Info("circuit breaker state changed",
				zap.String("key", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	v.breakers[key] = cb
	return cb
}

func (v *Validator) recordBudget(key string, res *entity.ValidationResult, open bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	b, ok := v.budgets[key]
	if !ok {
		b = &entity.RetryBudget{}
		v.budgets[key] = b
	}
	b.CircuitOpen = open
	if res == nil {
		return
	}
	if res.Valid {
		*b = entity.RetryBudget{}
		return
	}
	b.Attempts++
	b.ConsecutiveFailures++
	b.NextDelay = v.cfg.BaseDelay
}

// Budget 返回 key 当前的重试预算快照
func (v *Validator) Budget(key string) entity.RetryBudget {
	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok := v.budgets[key]; ok {
		return *b
	}
	return entity.RetryBudget{}
}
