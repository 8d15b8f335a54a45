package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/application/recovery"
	"github.com/EthanQC/liveroom/internal/domain/connection"
	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
	"github.com/EthanQC/liveroom/internal/domain/identity"
	"github.com/EthanQC/liveroom/internal/metrics"
	"github.com/EthanQC/liveroom/internal/ports/in"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

var (
	ErrNotJoined     = errors.New("not joined to any session")
	ErrAlreadyJoined = errors.New("already joined to a session")
	ErrStreamFull    = errors.New("stream at capacity")
)

// Config 连接管理参数
type Config struct {
	AppID          string
	ReconnectDelay time.Duration
	TokenRetries   int
}

// Deps 协作方
type Deps struct {
	Transport  out.Transport
	Tokens     out.TokenIssuer
	Validator  in.StreamValidator
	Streams    out.StreamStore
	MiniPlayer out.MiniPlayer
	Recovery   recovery.Strategy
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

// JoinParams 加入参数，Token 为空时向签发方申请
type JoinParams struct {
	Channel     string
	UserID      string
	Role        out.Role
	Token       string
	DisplayName string
}

// JoinOutcome 加入结果
type JoinOutcome struct {
	Info           connection.Info
	FallbackAction entity.FallbackAction
}

// session 一次加入对应的本地状态
type session struct {
	params  JoinParams
	uid     uint32
	sm      *connection.StateMachine
	muted   bool
	bgMuted bool
	// autoUsed 自动重连机会只用一次，之后交给恢复策略
	autoUsed bool
}

// Manager 单会话连接管理：校验 → 申请凭证 → 传输层加入 → 事件驱动状态机
type Manager struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	sess      *session
	joining   bool
	minimized bool
	listeners []func(connection.Change)

	renewing   atomic.Bool
	recovering atomic.Bool
	bg         sync.WaitGroup
	bgCtx      context.Context
	bgCancel   context.CancelFunc
}

// NewManager 创建连接管理器并初始化传输层
func NewManager(deps Deps, cfg Config) (*Manager, error) {
	if deps.Transport == nil || deps.Tokens == nil || deps.Validator == nil {
		return nil, errors.New("room: transport, tokens and validator are required")
	}
	if deps.Recovery == nil {
		deps.Recovery = recovery.Noop{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.TokenRetries <= 0 {
		cfg.TokenRetries = 3
	}

	if err := deps.Transport.Initialize(cfg.AppID); err != nil {
		return nil, fmt.Errorf("initialize transport: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		deps:     deps,
		cfg:      cfg,
		logger:   deps.Logger.With(zap.String("component", "connection_manager")),
		bgCtx:    ctx,
		bgCancel: cancel,
	}
	deps.Transport.SetEventHandler(m)
	return m, nil
}

// OnChange 注册状态变更监听，对之后所有会话生效
func (m *Manager) OnChange(fn func(connection.Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
	if m.sess != nil {
		m.sess.sm.OnChange(fn)
	}
}

// Join 加入会话；传输层返回 0 进入 Connected，非 0 进入 Failed 并保留错误码
func (m *Manager) Join(ctx context.Context, p JoinParams) (*JoinOutcome, error) {
	if p.Channel == "" || p.UserID == "" {
		return nil, errkind.E(errkind.Validation, "room.join", errors.New("channel and user id are required"))
	}
	if p.Role != out.RoleHost && p.Role != out.RoleAudience {
		p.Role = out.RoleAudience
	}

	// 校验和申请凭证期间占住会话位，并发 Join 直接拒绝
	m.mu.Lock()
	if m.joining || (m.sess != nil && m.sess.sm.IsActive()) {
		m.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	m.joining = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.joining = false
		m.mu.Unlock()
	}()

	check := m.deps.Validator.ValidateJoin(ctx, p.Channel, p.UserID)
	switch {
	case check.FallbackAction == entity.FallbackShowFullMessage:
		return &JoinOutcome{FallbackAction: check.FallbackAction}, errkind.E(errkind.Conflict, "room.join", ErrStreamFull)
	case !check.Proceed && check.FallbackAction != entity.FallbackUpdateLocalState:
		return &JoinOutcome{}, validationError(check.Result)
	}

	sess := m.newSession(p)
	if _, err := sess.sm.Fire(connection.EventJoin, 0); err != nil {
		return nil, err
	}

	token, err := m.token(ctx, sess)
	if err != nil {
		_, _ = sess.sm.Fire(connection.EventJoinFailed, out.CodeInvalidToken)
		return &JoinOutcome{Info: sess.sm.GetInfo()}, err
	}
	sess.params.Token = token

	code := m.deps.Transport.Join(ctx, p.Channel, sess.uid, p.Role, token)
	if code != out.CodeOK {
		_, _ = sess.sm.Fire(connection.EventJoinFailed, code)
		m.logger.Warn("transport join failed", zap.String("channel", p.Channel), zap.Int("code", code))
		return &JoinOutcome{Info: sess.sm.GetInfo()}, codeError("room.join", code)
	}
	if _, err := sess.sm.Fire(connection.EventJoinSucceeded, 0); err != nil {
		return nil, err
	}

	m.logger.Info("joined session",
		zap.String("channel", p.Channel), zap.String("role", p.Role.String()), zap.Uint32("uid", sess.uid))
	return &JoinOutcome{Info: sess.sm.GetInfo(), FallbackAction: check.FallbackAction}, nil
}

// Reconnect 调用方显式重连，只允许从 Failed/Disconnected 发起
func (m *Manager) Reconnect(ctx context.Context) (*JoinOutcome, error) {
	sess := m.current()
	if sess == nil {
		return nil, ErrNotJoined
	}
	if _, err := sess.sm.Fire(connection.EventReconnect, 0); err != nil {
		return nil, err
	}
	m.mu.Lock()
	sess.autoUsed = false
	m.mu.Unlock()
	if err := m.rejoin(ctx, sess); err != nil {
		_, _ = sess.sm.Fire(connection.EventJoinFailed, codeOf(err))
		return &JoinOutcome{Info: sess.sm.GetInfo()}, err
	}
	_, _ = sess.sm.Fire(connection.EventJoinSucceeded, 0)
	return &JoinOutcome{Info: sess.sm.GetInfo()}, nil
}

func (m *Manager) newSession(p JoinParams) *session {
	sm := connection.NewStateMachine(p.Channel, m.deps.Clock.Now)
	sm.OnChange(func(c connection.Change) {
		metrics.ConnectionTransitions.WithLabelValues(string(c.From), string(c.To)).Inc()
		m.logger.Debug("connection state changed",
			zap.String("channel", p.Channel), zap.String("from", string(c.From)), zap.String("to", string(c.To)),
			zap.String("event", string(c.Event)), zap.Int("code", c.Code))
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fn := range m.listeners {
		sm.OnChange(fn)
	}
	sess := &session{params: p, uid: identity.NumericID(p.UserID), sm: sm}
	m.sess = sess
	return sess
}

func (m *Manager) current() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// token 优先使用调用方提供的凭证，否则带退避地向签发方申请
func (m *Manager) token(ctx context.Context, sess *session) (string, error) {
	if sess.params.Token != "" {
		return sess.params.Token, nil
	}
	return m.freshToken(ctx, sess)
}

func (m *Manager) freshToken(ctx context.Context, sess *session) (string, error) {
	var token string
	err := m.deps.Validator.ExecuteWithRetry(ctx, "get_token", func(ctx context.Context) error {
		t, err := m.deps.Tokens.GetToken(ctx, sess.params.Channel, sess.uid, sess.params.Role)
		if err != nil {
			return err
		}
		token = t
		return nil
	}, m.cfg.TokenRetries)
	return token, err
}

// rejoin 离开后用新凭证重新加入传输层
func (m *Manager) rejoin(ctx context.Context, sess *session) error {
	if err := m.deps.Transport.Leave(ctx); err != nil {
		m.logger.Debug("leave before rejoin failed", zap.Error(err))
	}
	token, err := m.freshToken(ctx, sess)
	if err != nil {
		return err
	}
	m.mu.Lock()
	sess.params.Token = token
	m.mu.Unlock()
	if code := m.deps.Transport.Join(ctx, sess.params.Channel, sess.uid, sess.params.Role, token); code != out.CodeOK {
		return codeError("room.rejoin", code)
	}
	return nil
}

// Info 当前会话快照
func (m *Manager) Info() (connection.Info, bool) {
	sess := m.current()
	if sess == nil {
		return connection.Info{State: connection.StateIdle}, false
	}
	return sess.sm.GetInfo(), true
}

// Renewing 是否正在续期凭证
func (m *Manager) Renewing() bool { return m.renewing.Load() }

// Wait 等待后台续期与重连结束
func (m *Manager) Wait() { m.bg.Wait() }

// Close 取消后台任务
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.bgCancel
	m.mu.Unlock()
	cancel()
	m.bg.Wait()
}

// resetBackground 取消进行中的续期与重连，之后的后台任务使用新的 ctx
func (m *Manager) resetBackground() {
	m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.bgCtx, m.bgCancel = ctx, cancel
	m.mu.Unlock()
}

func (m *Manager) goBackground(fn func(ctx context.Context)) {
	m.mu.Lock()
	ctx := m.bgCtx
	m.mu.Unlock()
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		fn(ctx)
	}()
}

func validationError(res *entity.ValidationResult) error {
	if res == nil {
		return errkind.E(errkind.Unknown, "room.validate", nil)
	}
	err := errors.New(string(res.Reason))
	switch res.Reason {
	case entity.ReasonStreamNotFound:
		return errkind.E(errkind.NotFound, "room.validate", err)
	case entity.ReasonCircuitBreakerOpen, entity.ReasonValidationError:
		return errkind.E(errkind.Unavailable, "room.validate", err)
	default:
		return errkind.E(errkind.Conflict, "room.validate", err)
	}
}

// CodeError 携带传输层错误码的错误
type CodeError struct {
	Op   string
	Code int
}

func (e *CodeError) Error() string { return fmt.Sprintf("%s: transport code %d", e.Op, e.Code) }

func codeError(op string, code int) error {
	var kind errkind.Kind
	switch code {
	case out.CodeInvalidToken, out.CodeJoinRejected, out.CodeRefused:
		kind = errkind.PermissionDenied
	case out.CodeChannelFull:
		kind = errkind.Conflict
	case out.CodeInvalidArg:
		kind = errkind.Validation
	case out.CodeTimedOut:
		kind = errkind.Timeout
	default:
		kind = errkind.Unavailable
	}
	return errkind.E(kind, op, &CodeError{Op: op, Code: code})
}

func codeOf(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return out.CodeFailed
}
