package room

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/connection"
	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

// SetAppState 进入后台时听众静音、主播保持；回到前台先确认传输层连通再恢复
func (m *Manager) SetAppState(ctx context.Context, state entity.AppState) (connection.State, error) {
	sess := m.current()
	if sess == nil {
		return connection.StateIdle, nil
	}

	switch state {
	case entity.AppStateBackground:
		if sess.sm.GetState() != connection.StateConnected || sess.params.Role != out.RoleAudience {
			return sess.sm.GetState(), nil
		}
		m.mu.Lock()
		already := sess.muted
		m.mu.Unlock()
		if already {
			return sess.sm.GetState(), nil
		}
		if err := m.deps.Transport.MuteLocalAudio(true); err != nil {
			return sess.sm.GetState(), err
		}
		m.mu.Lock()
		sess.muted, sess.bgMuted = true, true
		m.mu.Unlock()
		m.logger.Debug("muted audience while backgrounded", zap.String("channel", sess.params.Channel))

	case entity.AppStateForeground:
		m.mu.Lock()
		unmute := sess.bgMuted
		m.mu.Unlock()
		if unmute {
			if err := m.deps.Transport.MuteLocalAudio(false); err != nil {
				m.logger.Warn("unmute after foreground failed", zap.Error(err))
			} else {
				m.mu.Lock()
				sess.muted, sess.bgMuted = false, false
				m.mu.Unlock()
			}
		}
		if sess.sm.GetState() == connection.StateConnected && m.deps.Transport.ConnectionState() != out.ConnStateConnected {
			m.handleDrop(sess, out.ReasonInterrupted)
		}
	}
	return sess.sm.GetState(), nil
}

// SetMuted 调用方手动静音
func (m *Manager) SetMuted(muted bool) error {
	sess := m.current()
	if sess == nil || !sess.sm.IsActive() {
		return ErrNotJoined
	}
	if err := m.deps.Transport.MuteLocalAudio(muted); err != nil {
		return err
	}
	m.mu.Lock()
	sess.muted = muted
	sess.bgMuted = false
	m.mu.Unlock()
	return nil
}

// Minimize 收起界面但保留传输会话，交给悬浮播放器展示
func (m *Manager) Minimize(displayName string) error {
	sess := m.current()
	if sess == nil || !sess.sm.IsActive() {
		return ErrNotJoined
	}
	if displayName == "" {
		displayName = sess.params.DisplayName
	}
	m.mu.Lock()
	m.minimized = true
	sess.params.DisplayName = displayName
	m.mu.Unlock()
	m.refreshMiniPlayer()
	return nil
}

// Restore 从悬浮播放器回到完整界面
func (m *Manager) Restore() {
	m.mu.Lock()
	was := m.minimized
	m.minimized = false
	m.mu.Unlock()
	if was && m.deps.MiniPlayer != nil {
		m.deps.MiniPlayer.Hide()
	}
}

func (m *Manager) refreshMiniPlayer() {
	if m.deps.MiniPlayer == nil {
		return
	}
	m.mu.Lock()
	minimized, sess := m.minimized, m.sess
	var name string
	if sess != nil {
		name = sess.params.DisplayName
	}
	m.mu.Unlock()
	if !minimized || sess == nil {
		return
	}
	info := sess.sm.GetInfo()
	m.deps.MiniPlayer.Show(out.MiniPlayerDescriptor{
		SessionID:            info.SessionID,
		DisplayName:          name,
		ParticipantCountText: participantText(info.Participants),
		Status:               string(info.State),
	})
}

func participantText(n int) string {
	if n == 1 {
		return "1 listener"
	}
	return fmt.Sprintf("%d listeners", n)
}

// Leave 拆除传输会话；主播离开时尽力把会话标记为结束，失败则删除文档
func (m *Manager) Leave(ctx context.Context) error {
	sess := m.current()
	if sess == nil {
		return nil
	}

	check := m.deps.Validator.ValidateLeave(ctx, sess.params.Channel, sess.params.UserID)
	if check.FallbackAction == entity.FallbackClearLocalState {
		m.logger.Debug("not a participant remotely, clearing local state", zap.String("channel", sess.params.Channel))
	}

	m.resetBackground()

	var leaveErr error
	if sess.sm.IsActive() {
		leaveErr = m.deps.Transport.Leave(ctx)
	}
	_, _ = sess.sm.Fire(connection.EventLeave, 0)

	if sess.params.Role == out.RoleHost && m.deps.Streams != nil {
		m.endStream(ctx, sess.params.Channel)
	}

	m.Restore()
	m.mu.Lock()
	if m.sess == sess {
		m.sess = nil
	}
	m.mu.Unlock()
	return leaveErr
}

func (m *Manager) endStream(ctx context.Context, streamID string) {
	err := m.deps.Streams.MarkInactive(ctx, streamID, m.deps.Clock.Now())
	if err == nil {
		return
	}
	m.logger.Warn("mark stream inactive failed, deleting", zap.String("stream_id", streamID), zap.Error(err))
	if err := m.deps.Streams.DeleteStream(ctx, streamID); err != nil {
		m.logger.Warn("delete stream failed", zap.String("stream_id", streamID), zap.Error(err))
	}
}
