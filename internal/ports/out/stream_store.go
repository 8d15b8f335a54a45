package out

import (
	"context"
	"time"

	"github.com/EthanQC/liveroom/internal/domain/entity"
)

// StreamStore 语音房会话文档存储
type StreamStore interface {
	// GetStream 读取会话，不存在时返回 errkind.NotFound
	GetStream(ctx context.Context, streamID string) (*entity.StreamSession, error)
	// SaveStream 整体写入会话
	SaveStream(ctx context.Context, stream *entity.StreamSession) error
	// MarkInactive 局部更新 is_active/ended_at
	MarkInactive(ctx context.Context, streamID string, endedAt time.Time) error
	// DeleteStream 删除会话文档
	DeleteStream(ctx context.Context, streamID string) error
	// AddParticipant 加入参与者并刷新 viewer_count
	AddParticipant(ctx context.Context, streamID, userID string) error
	// RemoveParticipant 移除参与者并刷新 viewer_count
	RemoveParticipant(ctx context.Context, streamID, userID string) error
}
