package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
	domain "github.com/EthanQC/liveroom/internal/domain/presence"
	"github.com/EthanQC/liveroom/internal/metrics"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

var (
	ErrAlreadyInitialized = errors.New("presence registry already initialized")
	ErrNotInitialized     = errors.New("presence registry not initialized")
)

// Config 心跳参数
type Config struct {
	HeartbeatInterval       time.Duration
	ConnectionCheckInterval time.Duration
	OfflineThreshold        time.Duration
	MaxDevices              int
	WriteTimeout            time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.ConnectionCheckInterval <= 0 {
		c.ConnectionCheckInterval = 5 * time.Second
	}
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = 3 * c.HeartbeatInterval
	}
	if c.MaxDevices <= 0 {
		c.MaxDevices = 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Device 本设备的静态信息
type Device struct {
	DeviceID   string
	DeviceType entity.DeviceType
	AppVersion string
	Platform   string
}

// LocalState 本设备视角下的在线状态
type LocalState struct {
	UserID    string
	DeviceID  string
	Status    entity.PresenceStatus
	AppState  entity.AppState
	IsOnline  bool
	Reachable bool
	Aggregate *entity.AggregatedPresence
}

// Registry 多设备在线状态注册器：本设备心跳 + 聚合重算 + 订阅
type Registry struct {
	store     out.PresenceStore
	publisher out.PresenceEventPublisher
	watcher   *Watcher
	clock     clockwork.Clock
	cfg       Config
	logger    *zap.Logger

	// writeMu 串行化心跳、状态切换与清理时的写入
	writeMu sync.Mutex

	mu        sync.Mutex
	started   bool
	userID    string
	device    Device
	status    entity.PresenceStatus
	appState  entity.AppState
	reachable bool
	isOnline  bool
	lastAgg   *entity.AggregatedPresence
	watches   []*Watch
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

// NewRegistry 创建注册器；publisher 可以为 nil
func NewRegistry(store out.PresenceStore, publisher out.PresenceEventPublisher, cfg Config, clock clockwork.Clock, logger *zap.Logger) *Registry {
	cfg.applyDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:     store,
		publisher: publisher,
		watcher:   NewWatcher(store, logger),
		clock:     clock,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "presence_registry")),
	}
}

// Initialize 注册本设备，启动心跳与连通性检查两个定时器
func (r *Registry) Initialize(ctx context.Context, userID string, device Device) error {
	if userID == "" || device.DeviceID == "" {
		return errkind.E(errkind.Validation, "presence.initialize", errors.New("user id and device id are required"))
	}

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyInitialized
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	r.started = true
	r.userID = userID
	r.device = device
	r.status = entity.PresenceStatusOnline
	r.appState = entity.AppStateForeground
	r.reachable = true
	r.cancel = cancel
	r.loopDone = make(chan struct{})
	r.mu.Unlock()

	// 首个心跳同步写入，失败只会让设备进入探测模式
	r.beat(ctx, "initialize")

	heartbeat := r.clock.NewTicker(r.cfg.HeartbeatInterval)
	check := r.clock.NewTicker(r.cfg.ConnectionCheckInterval)
	go r.loop(loopCtx, heartbeat, check)

	r.logger.Info("presence registry initialized",
		zap.String("user_id", userID),
		zap.String("device_id", device.DeviceID),
		zap.Duration("heartbeat", r.cfg.HeartbeatInterval),
		zap.Duration("threshold", r.cfg.OfflineThreshold))
	return nil
}

func (r *Registry) loop(ctx context.Context, heartbeat, check clockwork.Ticker) {
	defer close(r.loopDone)
	defer heartbeat.Stop()
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.Chan():
			if r.Reachable() {
				r.beat(ctx, "heartbeat")
			}
		case <-check.Chan():
			if !r.Reachable() {
				r.beat(ctx, "probe")
			}
		}
	}
}

// beat 写入本设备心跳并重算聚合；失败时标记不可达，不向上抛错
func (r *Registry) beat(ctx context.Context, trigger string) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	session := r.sessionLocked()
	r.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	err := r.store.UpsertDevice(wctx, session)
	metrics.HeartbeatWrites.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		r.mu.Lock()
		wasReachable := r.reachable
		r.reachable = false
		r.isOnline = false
		r.mu.Unlock()
		if wasReachable {
			r.logger.Warn("heartbeat write failed, probing connection",
				zap.String("user_id", session.UserID), zap.String("trigger", trigger), zap.Error(err))
		}
		return
	}

	r.mu.Lock()
	recovered := !r.reachable
	r.reachable = true
	r.mu.Unlock()
	if recovered {
		r.logger.Info("presence store reachable again, resuming heartbeat", zap.String("user_id", session.UserID))
	}

	r.recompute(wctx, session.UserID, session.DeviceID, trigger)
}

// recompute 读取用户全部设备，重算聚合后写回；不做 CAS，后写覆盖
func (r *Registry) recompute(ctx context.Context, userID, deviceID, trigger string) {
	devices, err := r.store.ListDevices(ctx, userID, r.cfg.MaxDevices)
	if err != nil {
		r.logger.Warn("list devices failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	agg := domain.Aggregate(userID, devices, r.clock.Now(), r.cfg.OfflineThreshold)
	metrics.AggregateRecomputes.WithLabelValues(trigger).Inc()

	if err := r.store.SaveAggregate(ctx, agg); err != nil {
		r.logger.Warn("save aggregate failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	r.mu.Lock()
	prev := r.lastAgg
	r.lastAgg = agg
	if r.started {
		r.isOnline = agg.IsOnline
	}
	r.mu.Unlock()

	if prev == nil || domain.Changed(prev, agg) {
		r.publish(ctx, prev, agg, deviceID)
	}
}

func (r *Registry) publish(ctx context.Context, prev, next *entity.AggregatedPresence, deviceID string) {
	if r.publisher == nil {
		return
	}
	old := entity.PresenceStatusOffline
	if prev != nil {
		old = prev.Status
	}
	event := &entity.PresenceEvent{
		UserID:    next.UserID,
		OldStatus: old,
		NewStatus: next.Status,
		IsOnline:  next.IsOnline,
		DeviceID:  deviceID,
		Timestamp: r.clock.Now(),
	}
	if err := r.publisher.PublishPresenceChange(ctx, event); err != nil {
		r.logger.Warn("publish presence change failed", zap.String("user_id", next.UserID), zap.Error(err))
	}
}

func (r *Registry) sessionLocked() entity.DeviceSession {
	return entity.DeviceSession{
		UserID:     r.userID,
		DeviceID:   r.device.DeviceID,
		DeviceType: r.device.DeviceType,
		LastSeen:   r.clock.Now(),
		Status:     r.status,
		AppVersion: r.device.AppVersion,
		Platform:   r.device.Platform,
	}
}

// SetAppState 前台→online，后台→away，其余→offline，立即写一次心跳；terminated 触发清理
func (r *Registry) SetAppState(ctx context.Context, state entity.AppState) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	r.appState = state
	r.status = entity.StatusForAppState(state)
	r.mu.Unlock()

	if state == entity.AppStateTerminated {
		return r.Cleanup(ctx)
	}
	if r.Reachable() {
		r.beat(ctx, "app_state")
	}
	return nil
}

// SetStatus 手动设置本设备状态（busy/idle 等）
func (r *Registry) SetStatus(ctx context.Context, status entity.PresenceStatus) error {
	if !status.Valid() {
		return errkind.E(errkind.Validation, "presence.set_status", errors.New("unknown status "+string(status)))
	}
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	r.status = status
	r.mu.Unlock()

	if r.Reachable() {
		r.beat(ctx, "status")
	}
	return nil
}

// OnUserPresence 订阅单个用户，Cleanup 时自动取消
func (r *Registry) OnUserPresence(ctx context.Context, userID string) (*Watch, error) {
	return r.OnMultipleUsersPresence(ctx, []string{userID})
}

// OnMultipleUsersPresence 订阅多个用户，Cleanup 时自动取消
func (r *Registry) OnMultipleUsersPresence(ctx context.Context, userIDs []string) (*Watch, error) {
	w, err := r.watcher.OnMultipleUsersPresence(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		_ = w.Close()
		return nil, ErrNotInitialized
	}
	r.watches = append(r.watches, w)
	r.mu.Unlock()

	go func() {
		<-w.Done()
		r.forgetWatch(w)
	}()
	return w, nil
}

// forgetWatch 调用方自行关闭的订阅不再由 Cleanup 持有
func (r *Registry) forgetWatch(w *Watch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.watches {
		if cur == w {
			r.watches = append(r.watches[:i], r.watches[i+1:]...)
			return
		}
	}
}

// Cleanup 按顺序：停定时器 → 取消订阅 → 删除本设备 → 最后一次重算 → 清空本地状态
func (r *Registry) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	cancel, loopDone := r.cancel, r.loopDone
	watches := r.watches
	r.watches = nil
	userID, deviceID := r.userID, r.device.DeviceID
	r.mu.Unlock()

	cancel()
	<-loopDone

	for _, w := range watches {
		_ = w.Close()
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	wctx, done := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer done()

	var errs []error
	if err := r.store.DeleteDevice(wctx, userID, deviceID); err != nil {
		r.logger.Warn("delete device session failed", zap.String("user_id", userID), zap.Error(err))
		errs = append(errs, err)
	} else {
		r.recompute(wctx, userID, deviceID, "cleanup")
	}

	r.mu.Lock()
	r.started = false
	r.userID = ""
	r.device = Device{}
	r.status = ""
	r.appState = ""
	r.reachable = false
	r.isOnline = false
	r.lastAgg = nil
	r.cancel = nil
	r.mu.Unlock()

	r.logger.Info("presence registry cleaned up", zap.String("user_id", userID), zap.String("device_id", deviceID))
	return errors.Join(errs...)
}

// Reachable 当前是否认为存储可达
func (r *Registry) Reachable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reachable
}

// Snapshot 返回本地状态快照
func (r *Registry) Snapshot() LocalState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return LocalState{
		UserID:    r.userID,
		DeviceID:  r.device.DeviceID,
		Status:    r.status,
		AppState:  r.appState,
		IsOnline:  r.isOnline,
		Reachable: r.reachable,
		Aggregate: r.lastAgg,
	}
}
