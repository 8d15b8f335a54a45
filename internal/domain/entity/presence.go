package entity

import "time"

// PresenceStatus 状态枚举
type PresenceStatus string

const (
	PresenceStatusOnline  PresenceStatus = "online"
	PresenceStatusAway    PresenceStatus = "away"
	PresenceStatusOffline PresenceStatus = "offline"
	PresenceStatusBusy    PresenceStatus = "busy"
	PresenceStatusIdle    PresenceStatus = "idle"
)

// Valid 是否为合法状态
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceStatusOnline, PresenceStatusAway, PresenceStatusOffline, PresenceStatusBusy, PresenceStatusIdle:
		return true
	}
	return false
}

// AppState 客户端前后台状态
type AppState string

const (
	AppStateForeground AppState = "foreground"
	AppStateBackground AppState = "background"
	AppStateInactive   AppState = "inactive"
	AppStateTerminated AppState = "terminated"
)

// StatusForAppState 前台→online，后台→away，其余→offline
func StatusForAppState(s AppState) PresenceStatus {
	switch s {
	case AppStateForeground:
		return PresenceStatusOnline
	case AppStateBackground:
		return PresenceStatusAway
	default:
		return PresenceStatusOffline
	}
}

// DeviceType 设备类型
type DeviceType string

const (
	DeviceTypeIOS     DeviceType = "ios"
	DeviceTypeAndroid DeviceType = "android"
	DeviceTypeWeb     DeviceType = "web"
	DeviceTypeDesktop DeviceType = "desktop"
)

// DeviceSession 单个设备的心跳记录，只由该设备自己写入
type DeviceSession struct {
	UserID     string         `json:"user_id"`
	DeviceID   string         `json:"device_id"`
	DeviceType DeviceType     `json:"device_type"`
	LastSeen   time.Time      `json:"last_seen"`
	Status     PresenceStatus `json:"status"`
	AppVersion string         `json:"app_version,omitempty"`
	Platform   string         `json:"platform,omitempty"`
}

// AggregatedPresence 用户所有设备的聚合在线状态，读时重算，后写覆盖
type AggregatedPresence struct {
	UserID        string                   `json:"user_id"`
	Status        PresenceStatus           `json:"status"`
	LastSeen      time.Time                `json:"last_seen"`
	IsOnline      bool                     `json:"is_online"`
	Devices       map[string]DeviceSession `json:"devices"`
	TotalDevices  int                      `json:"total_devices"`
	PrimaryDevice string                   `json:"primary_device,omitempty"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// Offline 没有任何设备记录时的默认聚合
func Offline(userID string) *AggregatedPresence {
	return &AggregatedPresence{
		UserID:  userID,
		Status:  PresenceStatusOffline,
		Devices: map[string]DeviceSession{},
	}
}

// PresenceEvent 状态变更事件
type PresenceEvent struct {
	UserID    string         `json:"user_id"`
	OldStatus PresenceStatus `json:"old_status"`
	NewStatus PresenceStatus `json:"new_status"`
	IsOnline  bool           `json:"is_online"`
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
}
