package out

import (
	"context"
	"errors"
	"time"

	"github.com/EthanQC/liveroom/internal/domain/entity"
)

var (
	ErrInsufficientGold = errors.New("insufficient gold")
	ErrEventNotFound    = errors.New("event not found")
)

// EventRecord 活动周期记录
type EventRecord struct {
	ID           string
	StartsAt     time.Time
	EndsAt       time.Time
	EntryCost    int64
	EntrantCount int64
}

// EnterParams 一次报名的参数
type EnterParams struct {
	EventID        string
	UserID         string
	IdempotencyKey string
	Now            time.Time
}

// EventRepository 活动账本仓储，报名在单个事务内完成
type EventRepository interface {
	// EnsureEvent 不存在时创建活动记录
	EnsureEvent(ctx context.Context, ev *EventRecord) error
	// GetEvent 读取活动记录
	GetEvent(ctx context.Context, eventID string) (*EventRecord, error)
	// Enter 扣费、分配票号、写入报名；已报名时返回原记录且 alreadyEntered 为 true。
	// 钱包不存在时按初始金币开户
	Enter(ctx context.Context, p EnterParams) (entry *entity.EventEntry, alreadyEntered bool, err error)
	// Balance 查询钱包余额
	Balance(ctx context.Context, userID string) (int64, error)
}
