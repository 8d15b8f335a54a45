package out

import (
	"context"

	"github.com/EthanQC/liveroom/internal/domain/entity"
)

// MaxInQuery 文档存储 "value in set" 查询的元素上限，调用方负责分批
const MaxInQuery = 10

// PresenceStore 在线状态文档存储
type PresenceStore interface {
	// UpsertDevice 写入本设备的会话记录（带服务端过期）
	UpsertDevice(ctx context.Context, session entity.DeviceSession) error
	// DeleteDevice 删除本设备的会话记录
	DeleteDevice(ctx context.Context, userID, deviceID string) error
	// ListDevices 返回用户最近活跃的至多 limit 台设备
	ListDevices(ctx context.Context, userID string, limit int) ([]entity.DeviceSession, error)
	// SaveAggregate 写入聚合状态并通知订阅方，后写覆盖
	SaveAggregate(ctx context.Context, agg *entity.AggregatedPresence) error
	// GetAggregates 批量读取聚合状态，len(userIDs) <= MaxInQuery
	GetAggregates(ctx context.Context, userIDs []string) (map[string]*entity.AggregatedPresence, error)
	// Subscribe 订阅聚合状态变化，len(userIDs) <= MaxInQuery
	Subscribe(ctx context.Context, userIDs []string) (Subscription, error)
	// Ping 探测存储是否可达
	Ping(ctx context.Context) error
}

// Subscription 可取消的快照订阅
type Subscription interface {
	Updates() <-chan *entity.AggregatedPresence
	Close() error
}

// PresenceEventPublisher 事件发布接口
type PresenceEventPublisher interface {
	// PublishPresenceChange 发布状态变更事件
	PublishPresenceChange(ctx context.Context, event *entity.PresenceEvent) error
}

// PresenceFeed 全量聚合状态变更流，服务端转发用
type PresenceFeed interface {
	SubscribeAll(ctx context.Context) (Subscription, error)
}
