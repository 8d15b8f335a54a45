package in

import (
	"context"
	"time"

	"github.com/EthanQC/liveroom/internal/domain/entity"
)

// StreamValidator 会话校验用例
type StreamValidator interface {
	// Validate 单次校验
	Validate(ctx context.Context, streamID string) *entity.ValidationResult
	// ValidateWithRetry 熔断保护下校验，stream_inactive 固定间隔重试
	ValidateWithRetry(ctx context.Context, streamID string, maxRetries int, baseDelay time.Duration) *entity.ValidationResult
	// ValidateJoin 加入前校验
	ValidateJoin(ctx context.Context, streamID, userID string) *entity.OperationCheck
	// ValidateLeave 离开前校验
	ValidateLeave(ctx context.Context, streamID, userID string) *entity.OperationCheck
	// ExecuteWithRetry 指数退避执行任意操作
	ExecuteWithRetry(ctx context.Context, name string, op func(ctx context.Context) error, maxRetries int) error
}

// EventService 报名服务端用例
type EventService interface {
	// Now 服务端当前时间
	Now() time.Time
	// Enter 事务型报名
	Enter(ctx context.Context, userID string, req entity.EntryRequest) *entity.EntryResponse
	// PrizePool 奖池信息
	PrizePool(ctx context.Context, eventID string) (*entity.PrizePoolInfo, error)
}
