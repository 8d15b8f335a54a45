package out

import "context"

// Role 频道角色
type Role int

const (
	RoleHost     Role = 1
	RoleAudience Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleAudience:
		return "audience"
	}
	return "unknown"
}

// ParseRole 解析角色字符串
func ParseRole(s string) (Role, bool) {
	switch s {
	case "host", "1":
		return RoleHost, true
	case "audience", "2":
		return RoleAudience, true
	}
	return 0, false
}

// ConnState 传输层连接状态码
type ConnState int

const (
	ConnStateDisconnected ConnState = 1
	ConnStateConnecting   ConnState = 2
	ConnStateConnected    ConnState = 3
	ConnStateReconnecting ConnState = 4
	ConnStateFailed       ConnState = 5
)

// Reason 传输层状态变化原因码
type Reason int

const (
	ReasonConnecting       Reason = 0
	ReasonJoinSuccess      Reason = 1
	ReasonInterrupted      Reason = 2
	ReasonBannedByServer   Reason = 3
	ReasonJoinFailed       Reason = 4
	ReasonLeaveChannel     Reason = 5
	ReasonInvalidAppID     Reason = 6
	ReasonInvalidChannel   Reason = 7
	ReasonInvalidToken     Reason = 8
	ReasonTokenExpired     Reason = 9
	ReasonRejectedByServer Reason = 10
	ReasonTokenWillExpire  Reason = 12
	ReasonKeepAliveTimeout Reason = 14
)

// 传输层错误码
const (
	CodeOK           = 0
	CodeFailed       = 1
	CodeInvalidArg   = 2
	CodeNotReady     = 3
	CodeRefused      = 5
	CodeTimedOut     = 10
	CodeJoinRejected = 17
	CodeTokenExpired = 109
	CodeInvalidToken = 110
	CodeChannelFull  = 120
)

// Transport 实时音频 SDK 适配器
type Transport interface {
	Initialize(appID string) error
	// Join 返回结果码，0 表示成功
	Join(ctx context.Context, channel string, uid uint32, role Role, token string) int
	Leave(ctx context.Context) error
	RenewToken(ctx context.Context, token string) error
	MuteLocalAudio(muted bool) error
	ConnectionState() ConnState
	SetEventHandler(h TransportEventHandler)
}

// TransportEventHandler 传输层回调
type TransportEventHandler interface {
	OnJoinSuccess(channel string, uid uint32)
	OnConnectionStateChanged(state ConnState, reason Reason)
	OnUserJoined(uid uint32)
	OnUserOffline(uid uint32)
	OnError(code int)
}
