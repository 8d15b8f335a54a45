package presence

import (
	"time"

	"github.com/EthanQC/liveroom/internal/domain/entity"
)

// IsFresh 设备状态为 online 且 lastSeen 在阈值内
func IsFresh(d entity.DeviceSession, now time.Time, threshold time.Duration) bool {
	return d.Status == entity.PresenceStatusOnline && now.Sub(d.LastSeen) < threshold
}

// Aggregate 从用户当前可见的全部设备会话重算聚合状态
//
// isOnline 当且仅当存在 fresh 设备；此时 primaryDevice 取最近的 fresh 设备。
// 没有 fresh 设备时，status 取 lastSeen 最新那台设备的状态，过期的 online 记为 offline。
func Aggregate(userID string, devices []entity.DeviceSession, now time.Time, threshold time.Duration) *entity.AggregatedPresence {
	agg := entity.Offline(userID)
	agg.UpdatedAt = now
	if len(devices) == 0 {
		return agg
	}

	var latest, latestFresh *entity.DeviceSession
	for i := range devices {
		d := &devices[i]
		agg.Devices[d.DeviceID] = *d

		if latest == nil || d.LastSeen.After(latest.LastSeen) {
			latest = d
		}
		if IsFresh(*d, now, threshold) && (latestFresh == nil || d.LastSeen.After(latestFresh.LastSeen)) {
			latestFresh = d
		}
	}

	agg.TotalDevices = len(agg.Devices)
	agg.LastSeen = latest.LastSeen

	if latestFresh != nil {
		agg.IsOnline = true
		agg.Status = entity.PresenceStatusOnline
		agg.PrimaryDevice = latestFresh.DeviceID
		return agg
	}

	agg.PrimaryDevice = latest.DeviceID
	agg.Status = latest.Status
	if agg.Status == entity.PresenceStatusOnline || !agg.Status.Valid() {
		agg.Status = entity.PresenceStatusOffline
	}
	return agg
}

// Changed 判断两次聚合之间对外可见的状态是否发生变化
func Changed(prev, next *entity.AggregatedPresence) bool {
	if prev == nil || next == nil {
		return prev != next
	}
	return prev.IsOnline != next.IsOnline ||
		prev.Status != next.Status ||
		prev.PrimaryDevice != next.PrimaryDevice ||
		prev.TotalDevices != next.TotalDevices
}
