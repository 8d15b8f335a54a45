package ws

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/errkind"
	"github.com/EthanQC/liveroom/internal/metrics"
	"github.com/EthanQC/liveroom/internal/ports/out"
	"github.com/EthanQC/liveroom/internal/rtcwire"
	"github.com/EthanQC/liveroom/pkg/jwt"
)

const (
	// 写超时
	writeWait = 10 * time.Second
	// Pong等待时间
	pongWait = 60 * time.Second
	// Ping周期（必须小于pongWait）
	pingPeriod = 30 * time.Second
	// 最大消息大小
	maxMessageSize = 64 * 1024
	// 发送缓冲
	sendBuffer = 64
)

// HubConfig 频道中枢参数
type HubConfig struct {
	// RenewBefore 凭证到期前多久提醒续期
	RenewBefore time.Duration
	// MaxMembers 单频道人数上限，0 不限
	MaxMembers int
}

// RTCHub 频道中枢：校验凭证、维护频道成员、广播上下线
type RTCHub struct {
	tokens  jwt.Manager
	streams out.StreamStore
	clock   clockwork.Clock
	cfg     HubConfig
	logger  *zap.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	channels map[string]map[uint32]*rtcPeer
	peers    map[*rtcPeer]struct{}
}

// NewRTCHub streams 可为 nil，此时不维护会话参与者
func NewRTCHub(tokens jwt.Manager, streams out.StreamStore, cfg HubConfig, clock clockwork.Clock, logger *zap.Logger) *RTCHub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RTCHub{
		tokens:  tokens,
		streams: streams,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "rtc_hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		channels: make(map[string]map[uint32]*rtcPeer),
		peers:    make(map[*rtcPeer]struct{}),
	}
}

// ServeHTTP 升级连接，app_id 必填
func (h *RTCHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("app_id") == "" {
		http.Error(w, "app_id is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	p := &rtcPeer{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()

	go p.writePump()
	go p.readPump()
}

// Members 频道内的 uid，升序
func (h *RTCHub) Members(channel string) []uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	uids := make([]uint32, 0, len(h.channels[channel]))
	for uid := range h.channels[channel] {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// Close 断开所有连接
func (h *RTCHub) Close() {
	h.mu.Lock()
	peers := make([]*rtcPeer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

// tokenCode 凭证校验失败对应的传输层错误码
func tokenCode(err error) int {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return out.CodeTokenExpired
	}
	return out.CodeInvalidToken
}

func (h *RTCHub) verify(token, channel string, uid uint32) (*jwt.ChannelClaims, int) {
	claims, err := h.tokens.Parse(token)
	if err != nil {
		return nil, tokenCode(err)
	}
	if claims.Channel != channel || claims.UID != uid {
		return nil, out.CodeInvalidToken
	}
	return claims, out.CodeOK
}

func (h *RTCHub) join(p *rtcPeer, j rtcwire.Join) {
	if j.Channel == "" || j.UID == 0 {
		p.reply(rtcwire.TypeJoinResult, rtcwire.Result{Code: out.CodeInvalidArg})
		return
	}
	claims, code := h.verify(j.Token, j.Channel, j.UID)
	if code != out.CodeOK {
		p.reply(rtcwire.TypeJoinResult, rtcwire.Result{Code: code})
		return
	}
	if p.joined() {
		h.leave(p)
	}

	h.mu.Lock()
	members := h.channels[j.Channel]
	if members == nil {
		members = make(map[uint32]*rtcPeer)
		h.channels[j.Channel] = members
	}
	if prev, ok := members[j.UID]; ok && prev != p {
		h.mu.Unlock()
		p.reply(rtcwire.TypeJoinResult, rtcwire.Result{Code: out.CodeJoinRejected})
		return
	}
	if h.cfg.MaxMembers > 0 && len(members) >= h.cfg.MaxMembers {
		h.mu.Unlock()
		p.reply(rtcwire.TypeJoinResult, rtcwire.Result{Code: out.CodeChannelFull})
		return
	}
	others := make([]*rtcPeer, 0, len(members))
	for _, m := range members {
		others = append(others, m)
	}
	members[j.UID] = p
	p.mu.Lock()
	p.channel, p.uid, p.userID = j.Channel, j.UID, claims.UserID()
	p.mu.Unlock()
	h.mu.Unlock()

	metrics.HubMembers.Inc()
	p.schedule(claims.ExpiresAt.Time)

	p.reply(rtcwire.TypeJoinResult, rtcwire.Result{Code: out.CodeOK})
	p.reply(rtcwire.TypeConnectionState, rtcwire.ConnectionState{State: int(out.ConnStateConnected), Reason: int(out.ReasonJoinSuccess)})
	for _, o := range others {
		p.reply(rtcwire.TypeUserJoined, rtcwire.User{UID: o.id()})
		o.reply(rtcwire.TypeUserJoined, rtcwire.User{UID: j.UID})
	}

	h.logger.Info("peer joined channel",
		zap.String("channel", j.Channel), zap.Uint32("uid", j.UID), zap.String("user_id", claims.UserID()))
	h.updateStream(j.Channel, claims.UserID(), true)
}

func (h *RTCHub) renew(p *rtcPeer, r rtcwire.Renew) {
	channel, uid := p.membership()
	if channel == "" {
		p.reply(rtcwire.TypeRenewResult, rtcwire.Result{Code: out.CodeNotReady})
		return
	}
	claims, code := h.verify(r.Token, channel, uid)
	if code != out.CodeOK {
		p.reply(rtcwire.TypeRenewResult, rtcwire.Result{Code: code})
		return
	}
	p.schedule(claims.ExpiresAt.Time)
	p.reply(rtcwire.TypeRenewResult, rtcwire.Result{Code: out.CodeOK})
}

// leave 从频道移除并广播下线
func (h *RTCHub) leave(p *rtcPeer) {
	p.stopTimers()
	p.mu.Lock()
	channel, uid, userID := p.channel, p.uid, p.userID
	p.channel, p.uid, p.userID = "", 0, ""
	p.mu.Unlock()
	if channel == "" {
		return
	}

	h.mu.Lock()
	members := h.channels[channel]
	var others []*rtcPeer
	if members[uid] == p {
		delete(members, uid)
		for _, m := range members {
			others = append(others, m)
		}
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	h.mu.Unlock()

	metrics.HubMembers.Dec()
	for _, o := range others {
		o.reply(rtcwire.TypeUserOffline, rtcwire.User{UID: uid})
	}
	h.logger.Info("peer left channel", zap.String("channel", channel), zap.Uint32("uid", uid))
	h.updateStream(channel, userID, false)
}

// expire 凭证到期：移出频道，连接保留以便续期后重新加入
func (h *RTCHub) expire(p *rtcPeer) {
	channel, uid := p.membership()
	if channel == "" {
		return
	}
	h.logger.Info("channel token expired", zap.String("channel", channel), zap.Uint32("uid", uid))
	h.leave(p)
	p.reply(rtcwire.TypeConnectionState, rtcwire.ConnectionState{State: int(out.ConnStateDisconnected), Reason: int(out.ReasonTokenExpired)})
}

func (h *RTCHub) updateStream(channel, userID string, joined bool) {
	if h.streams == nil || userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if joined {
		err = h.streams.AddParticipant(ctx, channel, userID)
	} else {
		err = h.streams.RemoveParticipant(ctx, channel, userID)
	}
	switch {
	case err == nil:
	case errkind.Is(err, errkind.NotFound):
		h.logger.Debug("no stream session for channel", zap.String("channel", channel))
	default:
		h.logger.Warn("update stream participants failed", zap.String("channel", channel), zap.Error(err))
	}
}

func (h *RTCHub) forget(p *rtcPeer) {
	h.leave(p)
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
}

// rtcPeer 一条频道连接
type rtcPeer struct {
	hub    *RTCHub
	conn   *websocket.Conn
	send   chan []byte

	sendMu sync.Mutex
	closed bool

	mu         sync.Mutex
	channel    string
	uid        uint32
	userID     string
	muted      bool
	warnTimer  clockwork.Timer
	expiryTime clockwork.Timer
}

func (p *rtcPeer) id() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uid
}

func (p *rtcPeer) membership() (string, uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel, p.uid
}

func (p *rtcPeer) joined() bool {
	channel, _ := p.membership()
	return channel != ""
}

// schedule 在到期前 RenewBefore 提醒续期，到期后移出频道
func (p *rtcPeer) schedule(expiresAt time.Time) {
	p.stopTimers()
	h := p.hub
	left := expiresAt.Sub(h.clock.Now())
	warnIn := left - h.cfg.RenewBefore
	if warnIn < 0 {
		warnIn = 0
	}

	warn := h.clock.AfterFunc(warnIn, func() {
		p.reply(rtcwire.TypeConnectionState, rtcwire.ConnectionState{
			State: int(out.ConnStateConnected), Reason: int(out.ReasonTokenWillExpire),
		})
	})
	expiry := h.clock.AfterFunc(left, func() { h.expire(p) })

	p.mu.Lock()
	p.warnTimer, p.expiryTime = warn, expiry
	p.mu.Unlock()
}

func (p *rtcPeer) stopTimers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.warnTimer != nil {
		p.warnTimer.Stop()
		p.warnTimer = nil
	}
	if p.expiryTime != nil {
		p.expiryTime.Stop()
		p.expiryTime = nil
	}
}

func (p *rtcPeer) reply(t rtcwire.FrameType, payload interface{}) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.send <- rtcwire.MustEncode(t, payload):
	default:
		p.hub.logger.Warn("send buffer full, dropping frame", zap.String("type", string(t)))
	}
}

func (p *rtcPeer) close() {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}

func (p *rtcPeer) readPump() {
	defer func() {
		p.hub.forget(p)
		p.close()
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				p.hub.logger.Warn("rtc socket error", zap.Error(err))
			}
			return
		}
		p.handle(data)
	}
}

func (p *rtcPeer) handle(data []byte) {
	f, err := rtcwire.Decode(data)
	if err != nil {
		p.reply(rtcwire.TypeError, rtcwire.Result{Code: out.CodeInvalidArg})
		return
	}

	switch f.Type {
	case rtcwire.TypeJoin:
		var j rtcwire.Join
		if err := f.Unmarshal(&j); err != nil {
			p.reply(rtcwire.TypeJoinResult, rtcwire.Result{Code: out.CodeInvalidArg})
			return
		}
		p.hub.join(p, j)
	case rtcwire.TypeRenew:
		var r rtcwire.Renew
		if err := f.Unmarshal(&r); err != nil {
			p.reply(rtcwire.TypeRenewResult, rtcwire.Result{Code: out.CodeInvalidArg})
			return
		}
		p.hub.renew(p, r)
	case rtcwire.TypeMute:
		var m rtcwire.Mute
		if err := f.Unmarshal(&m); err != nil {
			return
		}
		p.mu.Lock()
		p.muted = m.Muted
		p.mu.Unlock()
	case rtcwire.TypeLeave:
		p.hub.leave(p)
	default:
		p.reply(rtcwire.TypeError, rtcwire.Result{Code: out.CodeInvalidArg})
	}
}

func (p *rtcPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
