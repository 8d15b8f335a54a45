// Package rtcwire 频道 WebSocket 帧格式，客户端传输层与服务端频道中枢共用
package rtcwire

import (
	"encoding/json"
	"time"
)

// FrameType 帧类型
type FrameType string

const (
	// 客户端帧
	TypeJoin  FrameType = "join"
	TypeLeave FrameType = "leave"
	TypeRenew FrameType = "renew"
	TypeMute  FrameType = "mute"

	// 服务端帧
	TypeJoinResult      FrameType = "join_result"
	TypeRenewResult     FrameType = "renew_result"
	TypeUserJoined      FrameType = "user_joined"
	TypeUserOffline     FrameType = "user_offline"
	TypeConnectionState FrameType = "connection_state"
	TypeError           FrameType = "error"
)

// Frame 信封
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
}

type Join struct {
	Channel string `json:"channel"`
	UID     uint32 `json:"uid"`
	Role    int    `json:"role"`
	Token   string `json:"token"`
}

type Renew struct {
	Token string `json:"token"`
}

type Mute struct {
	Muted bool `json:"muted"`
}

// Result join_result / renew_result / error 共用
type Result struct {
	Code int `json:"code"`
}

type User struct {
	UID uint32 `json:"uid"`
}

type ConnectionState struct {
	State  int `json:"state"`
	Reason int `json:"reason"`
}

// Encode 打包一帧
func Encode(t FrameType, payload interface{}) ([]byte, error) {
	f := Frame{Type: t, Ts: time.Now().UnixMilli()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Data = data
	}
	return json.Marshal(f)
}

// MustEncode 载荷为本包类型时不会失败
func MustEncode(t FrameType, payload interface{}) []byte {
	b, err := Encode(t, payload)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode 解析信封
func Decode(b []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(b, &f)
	return f, err
}

// Unmarshal 解析载荷
func (f Frame) Unmarshal(v interface{}) error {
	if len(f.Data) == 0 {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}
