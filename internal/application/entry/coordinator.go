package entry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/cycle"
	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
	"github.com/EthanQC/liveroom/internal/metrics"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

var ErrWatchdogTimeout = errors.New("entry request timed out")

// Status 报名结果
type Status string

const (
	StatusEntered        Status = "entered"
	StatusAlreadyEntered Status = "already_entered"
	StatusExpired        Status = "expired"
	StatusRejected       Status = "rejected"
)

// Result 对报名接口返回的解释
type Result struct {
	Status       Status
	TicketNumber int64
	Error        string
}

// Succeeded 首次报名和重复报名都算成功
func (r *Result) Succeeded() bool {
	return r.Status == StatusEntered || r.Status == StatusAlreadyEntered
}

// Terminal 不应再重试
func (r *Result) Terminal() bool {
	return r.Status != StatusRejected || r.Error != entity.EntryErrorInternal
}

// Config 报名参数
type Config struct {
	WatchdogTimeout time.Duration
	CyclePeriod     time.Duration
	EntryCost       int64
	PrizePercent    int64
}

// Coordinator 服务端授时 + 幂等报名
type Coordinator struct {
	authority out.TimeAuthority
	gateway   out.EntryGateway
	clock     clockwork.Clock
	cfg       Config
	logger    *zap.Logger

	mu     sync.RWMutex
	offset time.Duration
	synced bool
}

// NewCoordinator 创建报名协调器
func NewCoordinator(authority out.TimeAuthority, gateway out.EntryGateway, cfg Config, clock clockwork.Clock, logger *zap.Logger) *Coordinator {
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 12 * time.Second
	}
	if cfg.CyclePeriod <= 0 {
		cfg.CyclePeriod = time.Hour
	}
	if cfg.PrizePercent <= 0 {
		cfg.PrizePercent = cycle.DefaultPrizePercent
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		authority: authority,
		gateway:   gateway,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "entry_coordinator")),
	}
}

// CalculateServerTimeOffset 一次往返授时：offset = serverTime - (before + RTT/2)
func (c *Coordinator) CalculateServerTimeOffset(ctx context.Context) (time.Duration, error) {
	before := c.clock.Now()
	serverMs, err := c.authority.GetServerTime(ctx)
	if err != nil {
		return 0, err
	}
	after := c.clock.Now()

	halfRTT := after.Sub(before) / 2
	offset := time.UnixMilli(serverMs).Sub(before.Add(halfRTT))

	c.mu.Lock()
	c.offset = offset
	c.synced = true
	c.mu.Unlock()

	c.logger.Debug("server time synced", zap.Duration("offset", offset), zap.Duration("half_rtt", halfRTT))
	return offset, nil
}

// Offset 当前时钟偏移，未同步时为 0
func (c *Coordinator) Offset() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset, c.synced
}

// ServerNow 本地时间加偏移
func (c *Coordinator) ServerNow() time.Time {
	offset, _ := c.Offset()
	return c.clock.Now().Add(offset)
}

// CalculateTimeLeft 剩余整秒数，不会为负
func (c *Coordinator) CalculateTimeLeft(endTime time.Time) int64 {
	left := endTime.UnixMilli() - c.ServerNow().UnixMilli()
	if left <= 0 {
		return 0
	}
	return left / 1000
}

// CalculatePrizePool 奖池金额
func (c *Coordinator) CalculatePrizePool(entrants, cost int64) int64 {
	return cycle.PrizePool(entrants, cost, c.cfg.PrizePercent)
}

// CurrentCycle 以服务端时间计算当前活动周期
func (c *Coordinator) CurrentCycle() cycle.Cycle {
	return cycle.For(c.ServerNow(), c.cfg.CyclePeriod)
}

// NewIdempotencyKey 每次尝试生成一个新的幂等键
func NewIdempotencyKey() string {
	return uuid.NewString()
}

type gatewayResult struct {
	resp *entity.EntryResponse
	err  error
}

// EnterEvent 提交报名；看门狗超时把挂起的请求转成失败
func (c *Coordinator) EnterEvent(ctx context.Context, eventID, idempotencyKey string) (*Result, error) {
	if eventID == "" || idempotencyKey == "" {
		return nil, errkind.E(errkind.Validation, "entry.enter", errors.New("event id and idempotency key are required"))
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan gatewayResult, 1)
	go func() {
		resp, err := c.gateway.EnterEvent(callCtx, entity.EntryRequest{EventID: eventID, IdempotencyKey: idempotencyKey})
		done <- gatewayResult{resp: resp, err: err}
	}()

	var res gatewayResult
	select {
	case res = <-done:
	case <-c.clock.After(c.cfg.WatchdogTimeout):
		metrics.EntryOutcomes.WithLabelValues("timeout").Inc()
		c.logger.Warn("entry watchdog fired", zap.String("event_id", eventID), zap.Duration("timeout", c.cfg.WatchdogTimeout))
		return nil, errkind.E(errkind.Timeout, "entry.enter", ErrWatchdogTimeout)
	case <-ctx.Done():
		return nil, errkind.E(errkind.Cancelled, "entry.enter", ctx.Err())
	}

	if res.err != nil {
		metrics.EntryOutcomes.WithLabelValues("error").Inc()
		return nil, res.err
	}
	out := interpret(res.resp)
	metrics.EntryOutcomes.WithLabelValues(string(out.Status)).Inc()
	c.logger.Info("entry submitted",
		zap.String("event_id", eventID), zap.String("status", string(out.Status)), zap.Int64("ticket", out.TicketNumber))
	return out, nil
}

func interpret(resp *entity.EntryResponse) *Result {
	switch {
	case resp == nil:
		return &Result{Status: StatusRejected, Error: entity.EntryErrorInternal}
	case resp.IsExpired:
		return &Result{Status: StatusExpired, Error: entity.EntryErrorEventExpired}
	case resp.AlreadyEntered:
		return &Result{Status: StatusAlreadyEntered, TicketNumber: resp.TicketNumber}
	case resp.Success:
		return &Result{Status: StatusEntered, TicketNumber: resp.TicketNumber}
	default:
		e := resp.Error
		if e == "" {
			e = entity.EntryErrorInternal
		}
		return &Result{Status: StatusRejected, Error: e}
	}
}
