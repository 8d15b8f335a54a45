package out

import (
	"context"

	"github.com/EthanQC/liveroom/internal/domain/entity"
)

// TokenIssuer 频道凭证签发接口
type TokenIssuer interface {
	GetToken(ctx context.Context, channel string, uid uint32, role Role) (string, error)
}

// TimeAuthority 服务端授时接口
type TimeAuthority interface {
	// GetServerTime 返回服务端 epoch 毫秒
	GetServerTime(ctx context.Context) (int64, error)
}

// EntryGateway 事务型报名接口
type EntryGateway interface {
	EnterEvent(ctx context.Context, req entity.EntryRequest) (*entity.EntryResponse, error)
}

// MiniPlayerDescriptor 最小化时交给悬浮播放器的描述
type MiniPlayerDescriptor struct {
	SessionID            string
	DisplayName          string
	ParticipantCountText string
	Status               string
}

// MiniPlayer 常驻悬浮播放器
type MiniPlayer interface {
	Show(desc MiniPlayerDescriptor)
	Hide()
}
