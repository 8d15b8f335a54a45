package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/errkind"
	"github.com/EthanQC/liveroom/internal/ports/out"
	"github.com/EthanQC/liveroom/internal/rtcwire"
)

const (
	// 写超时
	writeWait = 10 * time.Second
	// 服务端 ping 的最长间隔
	pongWait = 60 * time.Second
	// 最大帧大小
	maxMessageSize = 64 * 1024
)

var ErrNotInitialized = errors.New("transport not initialized")

// WSTransport 基于 WebSocket 的实时音频传输层客户端
type WSTransport struct {
	endpoint string
	dialer   *websocket.Dialer
	logger   *zap.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	appID        string
	conn         *websocket.Conn
	state        out.ConnState
	handler      out.TransportEventHandler
	muted        bool
	channel      string
	uid          uint32
	pendingJoin  chan int
	pendingRenew chan int
}

// NewWSTransport endpoint 形如 ws://127.0.0.1:8090/ws/rtc
func NewWSTransport(endpoint string, logger *zap.Logger) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransport{
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger.With(zap.String("component", "ws_transport")),
		state:    out.ConnStateDisconnected,
	}
}

var _ out.Transport = (*WSTransport)(nil)

func (t *WSTransport) Initialize(appID string) error {
	if appID == "" {
		return errkind.E(errkind.Validation, "rtc.initialize", errors.New("app id is required"))
	}
	t.mu.Lock()
	t.appID = appID
	t.mu.Unlock()
	return nil
}

func (t *WSTransport) SetEventHandler(h out.TransportEventHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *WSTransport) ConnectionState() out.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Join 建连并加入频道，返回服务端结果码
func (t *WSTransport) Join(ctx context.Context, channel string, uid uint32, role out.Role, token string) int {
	t.mu.Lock()
	if t.appID == "" {
		t.mu.Unlock()
		return out.CodeNotReady
	}
	appID := t.appID
	t.mu.Unlock()

	conn, err := t.ensureConn(ctx, appID)
	if err != nil {
		t.logger.Warn("dial failed", zap.String("endpoint", t.endpoint), zap.Error(err))
		if ctx.Err() != nil {
			return out.CodeTimedOut
		}
		return out.CodeFailed
	}

	wait := make(chan int, 1)
	t.mu.Lock()
	t.pendingJoin = wait
	t.channel, t.uid = channel, uid
	t.state = out.ConnStateConnecting
	muted := t.muted
	t.mu.Unlock()

	frame := rtcwire.MustEncode(rtcwire.TypeJoin, rtcwire.Join{Channel: channel, UID: uid, Role: int(role), Token: token})
	if err := t.write(conn, frame); err != nil {
		t.clearPendingJoin(wait)
		return out.CodeFailed
	}

	var code int
	select {
	case code = <-wait:
	case <-ctx.Done():
		t.clearPendingJoin(wait)
		return out.CodeTimedOut
	}

	t.mu.Lock()
	if code == out.CodeOK {
		t.state = out.ConnStateConnected
	} else {
		t.state = out.ConnStateFailed
	}
	t.mu.Unlock()

	if code == out.CodeOK && muted {
		_ = t.write(conn, rtcwire.MustEncode(rtcwire.TypeMute, rtcwire.Mute{Muted: true}))
	}
	return code
}

// Leave 离开频道并关闭连接
func (t *WSTransport) Leave(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	handler := t.handler
	t.conn = nil
	t.state = out.ConnStateDisconnected
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = t.write(conn, rtcwire.MustEncode(rtcwire.TypeLeave, nil))
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave"), time.Now().Add(writeWait))
	t.writeMu.Unlock()
	err := conn.Close()

	if handler != nil {
		handler.OnConnectionStateChanged(out.ConnStateDisconnected, out.ReasonLeaveChannel)
	}
	return err
}

// RenewToken 发送新凭证并等待服务端确认
func (t *WSTransport) RenewToken(ctx context.Context, token string) error {
	wait := make(chan int, 1)
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return errkind.E(errkind.Unavailable, "rtc.renew", errors.New("not connected"))
	}
	t.pendingRenew = wait
	t.mu.Unlock()

	if err := t.write(conn, rtcwire.MustEncode(rtcwire.TypeRenew, rtcwire.Renew{Token: token})); err != nil {
		return errkind.E(errkind.Unavailable, "rtc.renew", err)
	}
	select {
	case code := <-wait:
		switch code {
		case out.CodeOK:
			return nil
		case out.CodeInvalidToken, out.CodeTokenExpired:
			return errkind.E(errkind.PermissionDenied, "rtc.renew", fmt.Errorf("renew rejected with code %d", code))
		default:
			return errkind.E(errkind.Unavailable, "rtc.renew", fmt.Errorf("renew failed with code %d", code))
		}
	case <-ctx.Done():
		return errkind.E(errkind.Of(ctx.Err()), "rtc.renew", ctx.Err())
	}
}

func (t *WSTransport) MuteLocalAudio(muted bool) error {
	t.mu.Lock()
	t.muted = muted
	conn := t.conn
	joined := t.state == out.ConnStateConnected
	t.mu.Unlock()

	if conn == nil || !joined {
		return nil
	}
	if err := t.write(conn, rtcwire.MustEncode(rtcwire.TypeMute, rtcwire.Mute{Muted: muted})); err != nil {
		return errkind.E(errkind.Unavailable, "rtc.mute", err)
	}
	return nil
}

func (t *WSTransport) ensureConn(ctx context.Context, appID string) (*websocket.Conn, error) {
	t.mu.Lock()
	if t.conn != nil {
		conn := t.conn
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("app_id", appID)
	u.RawQuery = q.Encode()

	conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	go t.readLoop(conn)
	return conn, nil
}

func (t *WSTransport) write(conn *websocket.Conn, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *WSTransport) clearPendingJoin(wait chan int) {
	t.mu.Lock()
	if t.pendingJoin == wait {
		t.pendingJoin = nil
	}
	t.mu.Unlock()
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.onDrop(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := rtcwire.Decode(data)
		if err != nil {
			t.logger.Debug("skip malformed frame", zap.Error(err))
			continue
		}
		t.dispatch(frame)
	}
}

func (t *WSTransport) dispatch(f rtcwire.Frame) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()

	switch f.Type {
	case rtcwire.TypeJoinResult:
		var r rtcwire.Result
		if err := f.Unmarshal(&r); err != nil {
			return
		}
		t.mu.Lock()
		wait := t.pendingJoin
		t.pendingJoin = nil
		channel, uid := t.channel, t.uid
		t.mu.Unlock()
		if wait != nil {
			wait <- r.Code
		}
		if r.Code == out.CodeOK && h != nil {
			h.OnJoinSuccess(channel, uid)
		}
	case rtcwire.TypeRenewResult:
		var r rtcwire.Result
		if err := f.Unmarshal(&r); err != nil {
			return
		}
		t.mu.Lock()
		wait := t.pendingRenew
		t.pendingRenew = nil
		t.mu.Unlock()
		if wait != nil {
			wait <- r.Code
		}
	case rtcwire.TypeUserJoined, rtcwire.TypeUserOffline:
		var u rtcwire.User
		if err := f.Unmarshal(&u); err != nil || h == nil {
			return
		}
		if f.Type == rtcwire.TypeUserJoined {
			h.OnUserJoined(u.UID)
		} else {
			h.OnUserOffline(u.UID)
		}
	case rtcwire.TypeConnectionState:
		var s rtcwire.ConnectionState
		if err := f.Unmarshal(&s); err != nil {
			return
		}
		t.mu.Lock()
		t.state = out.ConnState(s.State)
		t.mu.Unlock()
		if h != nil {
			h.OnConnectionStateChanged(out.ConnState(s.State), out.Reason(s.Reason))
		}
	case rtcwire.TypeError:
		var r rtcwire.Result
		if err := f.Unmarshal(&r); err != nil || h == nil {
			return
		}
		h.OnError(r.Code)
	}
}

// onDrop 连接异常断开时上报 disconnected/interrupted，主动 Leave 不上报
func (t *WSTransport) onDrop(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state = out.ConnStateDisconnected
	join, renew := t.pendingJoin, t.pendingRenew
	t.pendingJoin, t.pendingRenew = nil, nil
	h := t.handler
	t.mu.Unlock()

	_ = conn.Close()
	if join != nil {
		join <- out.CodeFailed
	}
	if renew != nil {
		renew <- out.CodeFailed
	}
	t.logger.Warn("transport connection dropped", zap.Error(err))
	if h != nil {
		h.OnConnectionStateChanged(out.ConnStateDisconnected, out.ReasonInterrupted)
	}
}
