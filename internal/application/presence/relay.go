package presence

import (
	"context"

	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

// Relay 把存储层的聚合变化转成状态变更事件发布出去，只在状态或在线标记变化时发布
type Relay struct {
	feed      out.PresenceFeed
	publisher out.PresenceEventPublisher
	logger    *zap.Logger

	last map[string]*entity.AggregatedPresence
}

// NewRelay 创建转发器
func NewRelay(feed out.PresenceFeed, publisher out.PresenceEventPublisher, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		feed:      feed,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "presence_relay")),
		last:      make(map[string]*entity.AggregatedPresence),
	}
}

// Run 阻塞到 ctx 结束或订阅断开
func (r *Relay) Run(ctx context.Context) error {
	sub, err := r.feed.SubscribeAll(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case agg, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			r.handle(ctx, agg)
		}
	}
}

func (r *Relay) handle(ctx context.Context, agg *entity.AggregatedPresence) {
	prev := r.last[agg.UserID]
	r.last[agg.UserID] = agg
	if prev != nil && prev.Status == agg.Status && prev.IsOnline == agg.IsOnline {
		return
	}

	old := entity.PresenceStatusOffline
	if prev != nil {
		old = prev.Status
	}
	event := &entity.PresenceEvent{
		UserID:    agg.UserID,
		OldStatus: old,
		NewStatus: agg.Status,
		IsOnline:  agg.IsOnline,
		DeviceID:  agg.PrimaryDevice,
		Timestamp: agg.UpdatedAt,
	}
	if err := r.publisher.PublishPresenceChange(ctx, event); err != nil {
		r.logger.Warn("relay presence change failed", zap.String("user_id", agg.UserID), zap.Error(err))
	}
}
