package redis

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
)

const (
	// 会话 Hash Key 前缀
	streamKeyPrefix = "liveroom:stream:"
	// 参与者集合后缀
	participantsSuffix = ":participants"
)

// 参与者与状态的原子更新脚本，会话不存在时返回 -1
var (
	addParticipantScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
redis.call("SADD", KEYS[2], ARGV[1])
local n = redis.call("SCARD", KEYS[2])
redis.call("HSET", KEYS[1], "viewer_count", n, "last_activity", ARGV[2])
return n
`)
	removeParticipantScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
redis.call("SREM", KEYS[2], ARGV[1])
local n = redis.call("SCARD", KEYS[2])
redis.call("HSET", KEYS[1], "viewer_count", n, "last_activity", ARGV[2])
return n
`)
	markInactiveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
redis.call("HSET", KEYS[1], "is_active", "0", "ended_at", ARGV[1])
return 1
`)
)

// StreamStoreRedis 语音房会话存储
type StreamStoreRedis struct {
	client *redis.Client
	now    func() time.Time
}

// NewStreamStoreRedis 创建会话存储
func NewStreamStoreRedis(client *redis.Client) *StreamStoreRedis {
	return &StreamStoreRedis{client: client, now: time.Now}
}

func streamKey(id string) string       { return streamKeyPrefix + id }
func participantsKey(id string) string { return streamKeyPrefix + id + participantsSuffix }

func (r *StreamStoreRedis) GetStream(ctx context.Context, streamID string) (*entity.StreamSession, error) {
	pipe := r.client.Pipeline()
	hash := pipe.HGetAll(ctx, streamKey(streamID))
	members := pipe.SMembers(ctx, participantsKey(streamID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, mapErr("stream.get", err)
	}

	fields := hash.Val()
	if len(fields) == 0 {
		return nil, errkind.E(errkind.NotFound, "stream.get", nil)
	}
	participants := members.Val()
	sort.Strings(participants)

	s := &entity.StreamSession{
		ID:           streamID,
		HostID:       fields["host_id"],
		Title:        fields["title"],
		Participants: participants,
		IsActive:     fields["is_active"] == "1",
		StartedAt:    parseMillis(fields["started_at"]),
		LastActivity: parseMillis(fields["last_activity"]),
		EndedAt:      parseMillis(fields["ended_at"]),
	}
	s.ViewerCount, _ = strconv.Atoi(fields["viewer_count"])
	return s, nil
}

func (r *StreamStoreRedis) SaveStream(ctx context.Context, s *entity.StreamSession) error {
	if s == nil || s.ID == "" {
		return errkind.E(errkind.Validation, "stream.save", nil)
	}
	active := "0"
	if s.IsActive {
		active = "1"
	}
	fields := map[string]interface{}{
		"host_id":       s.HostID,
		"title":         s.Title,
		"is_active":     active,
		"viewer_count":  len(s.Participants),
		"started_at":    formatMillis(s.StartedAt),
		"last_activity": formatMillis(s.LastActivity),
		"ended_at":      formatMillis(s.EndedAt),
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, streamKey(s.ID), participantsKey(s.ID))
		pipe.HSet(ctx, streamKey(s.ID), fields)
		if len(s.Participants) > 0 {
			members := make([]interface{}, len(s.Participants))
			for i, p := range s.Participants {
				members[i] = p
			}
			pipe.SAdd(ctx, participantsKey(s.ID), members...)
		}
		return nil
	})
	return mapErr("stream.save", err)
}

// MarkInactive 只在会话存在时更新
func (r *StreamStoreRedis) MarkInactive(ctx context.Context, streamID string, endedAt time.Time) error {
	n, err := markInactiveScript.Run(ctx, r.client, []string{streamKey(streamID)}, formatMillis(endedAt)).Int()
	if err != nil {
		return mapErr("stream.mark_inactive", err)
	}
	if n < 0 {
		return errkind.E(errkind.NotFound, "stream.mark_inactive", nil)
	}
	return nil
}

func (r *StreamStoreRedis) DeleteStream(ctx context.Context, streamID string) error {
	return mapErr("stream.delete", r.client.Del(ctx, streamKey(streamID), participantsKey(streamID)).Err())
}

func (r *StreamStoreRedis) AddParticipant(ctx context.Context, streamID, userID string) error {
	return r.runParticipant(ctx, addParticipantScript, "stream.add_participant", streamID, userID)
}

func (r *StreamStoreRedis) RemoveParticipant(ctx context.Context, streamID, userID string) error {
	return r.runParticipant(ctx, removeParticipantScript, "stream.remove_participant", streamID, userID)
}

func (r *StreamStoreRedis) runParticipant(ctx context.Context, script *redis.Script, op, streamID, userID string) error {
	keys := []string{streamKey(streamID), participantsKey(streamID)}
	n, err := script.Run(ctx, r.client, keys, userID, formatMillis(r.now())).Int()
	if err != nil {
		return mapErr(op, err)
	}
	if n < 0 {
		return errkind.E(errkind.NotFound, op, nil)
	}
	return nil
}

func formatMillis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
