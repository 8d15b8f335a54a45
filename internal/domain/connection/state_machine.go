package connection

import (
	"errors"
	"sync"
	"time"
)

// State 本地连接状态
type State string

const (
	StateIdle         State = "idle"         // 空闲
	StateConnecting   State = "connecting"   // 连接中
	StateConnected    State = "connected"    // 已连接
	StateReconnecting State = "reconnecting" // 重连中
	StateDisconnected State = "disconnected" // 已断开
	StateFailed       State = "failed"       // 失败
)

// Event 状态机事件
type Event string

const (
	EventJoin               Event = "join"                // 发起加入
	EventJoinSucceeded      Event = "join_succeeded"      // 传输层返回 0
	EventJoinFailed         Event = "join_failed"         // 传输层返回非 0
	EventConnectionLost     Event = "connection_lost"     // 传输层报告掉线
	EventConnectionRestored Event = "connection_restored" // 传输层自行恢复
	EventFatal              Event = "fatal"               // 不可恢复错误
	EventLeave              Event = "leave"               // 主动离开
	EventReconnect          Event = "reconnect"           // 调用方显式重连
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Change 一次状态变更
type Change struct {
	From  State
	To    State
	Event Event
	Code  int
	At    time.Time
}

type stateEvent struct {
	state State
	event Event
}

var transitions = map[stateEvent]State{
	{StateIdle, EventJoin}:                       StateConnecting,
	{StateConnecting, EventJoinSucceeded}:        StateConnected,
	{StateConnecting, EventJoinFailed}:           StateFailed,
	{StateConnecting, EventFatal}:                StateFailed,
	{StateConnecting, EventLeave}:                StateDisconnected,
	{StateConnected, EventConnectionLost}:        StateReconnecting,
	{StateConnected, EventFatal}:                 StateFailed,
	{StateConnected, EventLeave}:                 StateDisconnected,
	{StateReconnecting, EventConnectionRestored}: StateConnected,
	{StateReconnecting, EventJoinSucceeded}:      StateConnected,
	{StateReconnecting, EventJoinFailed}:         StateFailed,
	{StateReconnecting, EventFatal}:              StateFailed,
	{StateReconnecting, EventLeave}:              StateDisconnected,
	{StateFailed, EventReconnect}:                StateConnecting,
	{StateFailed, EventLeave}:                    StateDisconnected,
	{StateDisconnected, EventReconnect}:          StateConnecting,
}

// StateMachine 单个会话的连接状态机，只存在于内存
type StateMachine struct {
	sessionID    string
	state        State
	failureCode  int
	participants int
	connectedAt  time.Time
	updatedAt    time.Time
	now          func() time.Time
	listeners    []func(Change)
	mu           sync.RWMutex
}

// NewStateMachine 创建状态机，now 为 nil 时使用 time.Now
func NewStateMachine(sessionID string, now func() time.Time) *StateMachine {
	if now == nil {
		now = time.Now
	}
	return &StateMachine{
		sessionID: sessionID,
		state:     StateIdle,
		now:       now,
		updatedAt: now(),
	}
}

// OnChange 注册状态变更监听，监听器在锁外同步调用
func (sm *StateMachine) OnChange(fn func(Change)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

// Fire 执行状态转换，code 仅在进入 Failed 时保留
func (sm *StateMachine) Fire(event Event, code int) (Change, error) {
	sm.mu.Lock()
	next, ok := transitions[stateEvent{sm.state, event}]
	if !ok {
		from := sm.state
		sm.mu.Unlock()
		return Change{From: from, To: from, Event: event}, ErrInvalidTransition
	}

	now := sm.now()
	change := Change{From: sm.state, To: next, Event: event, Code: code, At: now}
	sm.state = next
	sm.updatedAt = now

	switch next {
	case StateConnected:
		sm.failureCode = 0
		if sm.participants < 1 {
			sm.participants = 1
		}
		if change.From != StateReconnecting {
			sm.connectedAt = now
		}
	case StateFailed:
		sm.failureCode = code
	case StateConnecting:
		sm.failureCode = 0
	case StateDisconnected:
		sm.participants = 0
	}

	listeners := append([]func(Change){}, sm.listeners...)
	sm.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
	return change, nil
}

// Can 当前状态下事件是否合法
func (sm *StateMachine) Can(event Event) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := transitions[stateEvent{sm.state, event}]
	return ok
}

// GetState 获取当前状态
func (sm *StateMachine) GetState() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// FailureCode 进入 Failed 时携带的数字码
func (sm *StateMachine) FailureCode() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.failureCode
}

// SetParticipants 更新本地参与人数，已连接时不低于 1
func (sm *StateMachine) SetParticipants(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n < 1 && (sm.state == StateConnected || sm.state == StateReconnecting) {
		n = 1
	}
	sm.participants = n
}

// AddParticipants 参与人数增减
func (sm *StateMachine) AddParticipants(delta int) int {
	sm.mu.Lock()
	n := sm.participants + delta
	sm.mu.Unlock()
	sm.SetParticipants(n)
	return sm.Participants()
}

// Participants 当前参与人数
func (sm *StateMachine) Participants() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.participants
}

// IsActive 是否持有传输会话
func (sm *StateMachine) IsActive() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state == StateConnecting || sm.state == StateConnected || sm.state == StateReconnecting
}

// GetInfo 获取状态快照
func (sm *StateMachine) GetInfo() Info {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return Info{
		SessionID:    sm.sessionID,
		State:        sm.state,
		FailureCode:  sm.failureCode,
		Participants: sm.participants,
		ConnectedAt:  sm.connectedAt,
		UpdatedAt:    sm.updatedAt,
	}
}

// Info 状态快照
type Info struct {
	SessionID    string
	State        State
	FailureCode  int
	Participants int
	ConnectedAt  time.Time
	UpdatedAt    time.Time
}
