package validator

import (
	"context"

	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/entity"
)

// ValidateJoin 加入前校验；已在房间内与房间已满属于非错误分支
func (v *Validator) ValidateJoin(ctx context.Context, streamID, userID string) *entity.OperationCheck {
	res := v.Check(ctx, streamID)
	if !res.Valid {
		return &entity.OperationCheck{Result: res}
	}

	stream := res.Data
	switch {
	case stream.HasParticipant(userID):
		v.logger.Debug("already a participant", zap.String("stream_id", streamID), zap.String("user_id", userID))
		return &entity.OperationCheck{FallbackAction: entity.FallbackUpdateLocalState, Result: res}
	case v.cfg.MaxParticipants > 0 && len(stream.Participants) >= v.cfg.MaxParticipants:
		return &entity.OperationCheck{FallbackAction: entity.FallbackShowFullMessage, Result: res}
	}
	return &entity.OperationCheck{Proceed: true, Result: res}
}

// ValidateLeave 离开前校验；不在房间内时只需清理本地状态
func (v *Validator) ValidateLeave(ctx context.Context, streamID, userID string) *entity.OperationCheck {
	res := v.Validate(ctx, streamID)
	if res.Reason == entity.ReasonValidationError {
		return &entity.OperationCheck{Result: res}
	}
	if !res.Exists || !res.Data.HasParticipant(userID) {
		return &entity.OperationCheck{FallbackAction: entity.FallbackClearLocalState, Result: res}
	}
	return &entity.OperationCheck{Proceed: true, Result: res}
}
