package room

import (
	"context"

	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/connection"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

// OnJoinSuccess 传输层回调
func (m *Manager) OnJoinSuccess(channel string, uid uint32) {
	m.logger.Debug("transport join success", zap.String("channel", channel), zap.Uint32("uid", uid))
}

// OnUserJoined 远端用户加入
func (m *Manager) OnUserJoined(uid uint32) {
	if sess := m.current(); sess != nil {
		n := sess.sm.AddParticipants(1)
		m.refreshMiniPlayer()
		m.logger.Debug("remote user joined", zap.Uint32("uid", uid), zap.Int("participants", n))
	}
}

// OnUserOffline 远端用户离开
func (m *Manager) OnUserOffline(uid uint32) {
	if sess := m.current(); sess != nil {
		n := sess.sm.AddParticipants(-1)
		m.refreshMiniPlayer()
		m.logger.Debug("remote user offline", zap.Uint32("uid", uid), zap.Int("participants", n))
	}
}

// OnError 鉴权类错误码触发被动续期
func (m *Manager) OnError(code int) {
	switch code {
	case out.CodeTokenExpired, out.CodeInvalidToken:
		m.renewToken("error")
	default:
		m.logger.Warn("transport error", zap.Int("code", code))
	}
}

// OnConnectionStateChanged 传输层状态变化驱动本地状态机
func (m *Manager) OnConnectionStateChanged(state out.ConnState, reason out.Reason) {
	sess := m.current()
	if sess == nil {
		return
	}

	switch reason {
	case out.ReasonTokenWillExpire:
		m.renewToken("will_expire")
		return
	case out.ReasonTokenExpired, out.ReasonInvalidToken:
		m.renewToken("expired")
	}

	current := sess.sm.GetState()
	switch state {
	case out.ConnStateReconnecting:
		if current == connection.StateConnected {
			_, _ = sess.sm.Fire(connection.EventConnectionLost, int(reason))
		}
	case out.ConnStateConnected:
		if current == connection.StateReconnecting && !m.recovering.Load() {
			_, _ = sess.sm.Fire(connection.EventConnectionRestored, 0)
		}
	case out.ConnStateFailed:
		if reason == out.ReasonBannedByServer || reason == out.ReasonRejectedByServer {
			_, _ = sess.sm.Fire(connection.EventFatal, int(reason))
			return
		}
		m.handleDrop(sess, reason)
	case out.ConnStateDisconnected:
		if reason == out.ReasonLeaveChannel {
			return
		}
		m.handleDrop(sess, reason)
	}
}

// handleDrop 掉线：首次自动离开+重进一次，之后交给恢复策略，自身从不循环
func (m *Manager) handleDrop(sess *session, reason out.Reason) {
	state := sess.sm.GetState()
	if state != connection.StateConnected && state != connection.StateReconnecting {
		return
	}
	if !m.recovering.CompareAndSwap(false, true) {
		return
	}
	if state == connection.StateConnected {
		_, _ = sess.sm.Fire(connection.EventConnectionLost, int(reason))
	}

	m.mu.Lock()
	auto := !sess.autoUsed
	sess.autoUsed = true
	m.mu.Unlock()

	m.logger.Warn("connection dropped",
		zap.String("channel", sess.params.Channel), zap.Int("reason", int(reason)), zap.Bool("auto_reconnect", auto))

	m.goBackground(func(ctx context.Context) {
		defer m.recovering.Store(false)

		if auto {
			select {
			case <-ctx.Done():
				return
			case <-m.deps.Clock.After(m.cfg.ReconnectDelay):
			}
			err := m.rejoin(ctx, sess)
			if err == nil {
				_, _ = sess.sm.Fire(connection.EventJoinSucceeded, 0)
				m.refreshMiniPlayer()
				return
			}
			m.logger.Warn("automatic reconnect failed", zap.String("channel", sess.params.Channel), zap.Error(err))
		}

		outcome := m.deps.Recovery.Recover(ctx, sess.params.Channel, func(ctx context.Context) error {
			return m.rejoin(ctx, sess)
		})
		if outcome.Recovered {
			_, _ = sess.sm.Fire(connection.EventJoinSucceeded, 0)
			m.refreshMiniPlayer()
			return
		}
		code := out.CodeFailed
		if outcome.Err != nil {
			code = codeOf(outcome.Err)
		}
		_, _ = sess.sm.Fire(connection.EventJoinFailed, code)
		m.refreshMiniPlayer()
		m.logger.Warn("session not recovered",
			zap.String("channel", sess.params.Channel), zap.String("strategy", outcome.Strategy), zap.Int("attempts", outcome.Attempts))
	})
}

// renewToken 续期期间对外状态保持 Connected，renewing 标记防止并发续期
func (m *Manager) renewToken(trigger string) {
	sess := m.current()
	if sess == nil || !sess.sm.IsActive() {
		return
	}
	if !m.renewing.CompareAndSwap(false, true) {
		return
	}
	m.goBackground(func(ctx context.Context) {
		defer m.renewing.Store(false)
		token, err := m.freshToken(ctx, sess)
		if err != nil {
			m.logger.Warn("fetch renewal token failed", zap.String("trigger", trigger), zap.Error(err))
			return
		}
		if err := m.deps.Transport.RenewToken(ctx, token); err != nil {
			m.logger.Warn("renew token failed", zap.String("trigger", trigger), zap.Error(err))
			return
		}
		m.mu.Lock()
		sess.params.Token = token
		m.mu.Unlock()
		m.logger.Info("token renewed", zap.String("channel", sess.params.Channel), zap.String("trigger", trigger))
	})
}

var _ out.TransportEventHandler = (*Manager)(nil)
