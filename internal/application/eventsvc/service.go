package eventsvc

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/cycle"
	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/metrics"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

// Config 活动参数
type Config struct {
	CyclePeriod  time.Duration
	EntryCost    int64
	PrizePercent int64
}

// Service 事务型报名的服务端实现
type Service struct {
	repo   out.EventRepository
	clock  clockwork.Clock
	cfg    Config
	logger *zap.Logger
}

// NewService 创建报名服务
func NewService(repo out.EventRepository, cfg Config, clock clockwork.Clock, logger *zap.Logger) *Service {
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
	return &Service{repo: repo, clock: clock, cfg: cfg, logger: logger.With(zap.String("component", "event_service"))}
}

// Now 服务端时间，授时接口使用
func (s *Service) Now() time.Time { return s.clock.Now() }

// CurrentCycle 当前开放的周期
func (s *Service) CurrentCycle() cycle.Cycle {
	return cycle.For(s.clock.Now(), s.cfg.CyclePeriod)
}

// Enter 报名：过期周期直接返回 isExpired，同一用户重复报名返回原票号
func (s *Service) Enter(ctx context.Context, userID string, req entity.EntryRequest) *entity.EntryResponse {
	if userID == "" || req.EventID == "" || req.IdempotencyKey == "" {
		return &entity.EntryResponse{Error: entity.EntryErrorInvalidRequest}
	}
	c, err := cycle.Parse(req.EventID)
	if err != nil {
		return &entity.EntryResponse{Error: entity.EntryErrorInvalidRequest}
	}

	now := s.clock.Now()
	if !now.Before(c.End) {
		metrics.EntryOutcomes.WithLabelValues("expired").Inc()
		return &entity.EntryResponse{IsExpired: true, Error: entity.EntryErrorEventExpired}
	}
	if now.Before(c.Start) {
		return &entity.EntryResponse{Error: entity.EntryErrorInvalidRequest}
	}

	if err := s.repo.EnsureEvent(ctx, &out.EventRecord{
		ID:        c.ID,
		StartsAt:  c.Start,
		EndsAt:    c.End,
		EntryCost: s.cfg.EntryCost,
	}); err != nil {
		s.logger.Error("ensure event failed", zap.String("event_id", c.ID), zap.Error(err))
		return &entity.EntryResponse{Error: entity.EntryErrorInternal}
	}

	entry, already, err := s.repo.Enter(ctx, out.EnterParams{
		EventID:        c.ID,
		UserID:         userID,
		IdempotencyKey: req.IdempotencyKey,
		Now:            now,
	})
	switch {
	case errors.Is(err, out.ErrInsufficientGold):
		metrics.EntryOutcomes.WithLabelValues("insufficient_gold").Inc()
		return &entity.EntryResponse{Error: entity.EntryErrorInsufficientGold}
	case errors.Is(err, out.ErrEventNotFound):
		return &entity.EntryResponse{Error: entity.EntryErrorInvalidRequest}
	case err != nil:
		s.logger.Error("enter event failed", zap.String("event_id", c.ID), zap.String("user_id", userID), zap.Error(err))
		return &entity.EntryResponse{Error: entity.EntryErrorInternal}
	}

	if already {
		metrics.EntryOutcomes.WithLabelValues("already_entered").Inc()
		return &entity.EntryResponse{Success: true, AlreadyEntered: true, TicketNumber: entry.TicketNumber}
	}
	metrics.EntryOutcomes.WithLabelValues("entered").Inc()
	s.logger.Info("user entered event",
		zap.String("event_id", c.ID), zap.String("user_id", userID), zap.Int64("ticket", entry.TicketNumber))
	return &entity.EntryResponse{Success: true, TicketNumber: entry.TicketNumber}
}

// PrizePool 奖池信息；周期还没人报名时返回空奖池
func (s *Service) PrizePool(ctx context.Context, eventID string) (*entity.PrizePoolInfo, error) {
	c, err := cycle.Parse(eventID)
	if err != nil {
		return nil, err
	}
	info := &entity.PrizePoolInfo{EventID: c.ID, EntryCost: s.cfg.EntryCost, EndsAt: c.End}

	ev, err := s.repo.GetEvent(ctx, c.ID)
	if errors.Is(err, out.ErrEventNotFound) {
		return info, nil
	}
	if err != nil {
		return nil, err
	}
	info.Entrants = ev.EntrantCount
	info.EntryCost = ev.EntryCost
	info.PrizePool = cycle.PrizePool(ev.EntrantCount, ev.EntryCost, s.cfg.PrizePercent)
	return info, nil
}
