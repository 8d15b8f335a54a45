package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

const (
	// 单设备会话 Key 前缀，带 TTL 自动过期
	deviceKeyPrefix = "liveroom:presence:device:"
	// 用户设备索引 ZSET，score 为 lastSeen 毫秒
	deviceIndexPrefix = "liveroom:presence:devices:"
	// 聚合状态 Key 前缀
	aggregateKeyPrefix = "liveroom:presence:agg:"
	// 聚合状态变更通知频道前缀
	presenceChannelPrefix = "liveroom:presence:chan:"
)

// PresenceStoreRedis Redis 在线状态存储
type PresenceStoreRedis struct {
	client       *redis.Client
	deviceTTL    time.Duration
	aggregateTTL time.Duration
	clock        clockwork.Clock
	logger       *zap.Logger
}

// NewPresenceStoreRedis deviceTTL 为服务端过期时间，客户端异常退出时设备记录自行失效
func NewPresenceStoreRedis(client *redis.Client, deviceTTL, aggregateTTL time.Duration, clock clockwork.Clock, logger *zap.Logger) *PresenceStoreRedis {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceStoreRedis{
		client:       client,
		deviceTTL:    deviceTTL,
		aggregateTTL: aggregateTTL,
		clock:        clock,
		logger:       logger,
	}
}

func deviceKey(userID, deviceID string) string {
	return fmt.Sprintf("%s%s:%s", deviceKeyPrefix, userID, deviceID)
}

func deviceIndexKey(userID string) string { return deviceIndexPrefix + userID }
func aggregateKey(userID string) string   { return aggregateKeyPrefix + userID }
func presenceChannel(userID string) string {
	return presenceChannelPrefix + userID
}

func (r *PresenceStoreRedis) UpsertDevice(ctx context.Context, s entity.DeviceSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errkind.E(errkind.Validation, "presence.upsert_device", err)
	}

	idx := deviceIndexKey(s.UserID)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, deviceKey(s.UserID, s.DeviceID), data, r.deviceTTL)
	pipe.ZAdd(ctx, idx, redis.Z{Score: float64(s.LastSeen.UnixMilli()), Member: s.DeviceID})
	pipe.Expire(ctx, idx, r.deviceTTL)
	_, err = pipe.Exec(ctx)
	return mapErr("presence.upsert_device", err)
}

func (r *PresenceStoreRedis) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, deviceKey(userID, deviceID))
	pipe.ZRem(ctx, deviceIndexKey(userID), deviceID)
	_, err := pipe.Exec(ctx)
	return mapErr("presence.delete_device", err)
}

// ListDevices 先裁掉索引里超过 TTL 的设备，再取最近的 limit 台
func (r *PresenceStoreRedis) ListDevices(ctx context.Context, userID string, limit int) ([]entity.DeviceSession, error) {
	if limit <= 0 {
		limit = out.MaxInQuery
	}
	idx := deviceIndexKey(userID)
	cutoff := r.clock.Now().Add(-r.deviceTTL).UnixMilli()

	if err := r.client.ZRemRangeByScore(ctx, idx, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, mapErr("presence.list_devices", err)
	}
	ids, err := r.client.ZRevRange(ctx, idx, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, mapErr("presence.list_devices", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = deviceKey(userID, id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, mapErr("presence.list_devices", err)
	}

	devices := make([]entity.DeviceSession, 0, len(vals))
	var expired []interface{}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var d entity.DeviceSession
		if err := json.Unmarshal([]byte(s), &d); err != nil {
			r.logger.Warn("skip corrupt device session", zap.String("user_id", userID), zap.String("device_id", ids[i]))
			continue
		}
		devices = append(devices, d)
	}
	if len(expired) > 0 {
		_ = r.client.ZRem(ctx, idx, expired...).Err()
	}
	return devices, nil
}

// SaveAggregate 写入聚合并发布到用户频道
func (r *PresenceStoreRedis) SaveAggregate(ctx context.Context, agg *entity.AggregatedPresence) error {
	data, err := json.Marshal(agg)
	if err != nil {
		return errkind.E(errkind.Validation, "presence.save_aggregate", err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, aggregateKey(agg.UserID), data, r.aggregateTTL)
	pipe.Publish(ctx, presenceChannel(agg.UserID), data)
	_, err = pipe.Exec(ctx)
	return mapErr("presence.save_aggregate", err)
}

func (r *PresenceStoreRedis) GetAggregates(ctx context.Context, userIDs []string) (map[string]*entity.AggregatedPresence, error) {
	if len(userIDs) > out.MaxInQuery {
		return nil, errkind.E(errkind.Validation, "presence.get_aggregates",
			fmt.Errorf("at most %d ids per query, got %d", out.MaxInQuery, len(userIDs)))
	}
	result := make(map[string]*entity.AggregatedPresence, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = aggregateKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, mapErr("presence.get_aggregates", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var agg entity.AggregatedPresence
		if err := json.Unmarshal([]byte(s), &agg); err != nil {
			continue
		}
		result[userIDs[i]] = &agg
	}
	return result, nil
}

// Subscribe 订阅 ≤MaxInQuery 个用户的聚合变化，返回前确认订阅已生效
func (r *PresenceStoreRedis) Subscribe(ctx context.Context, userIDs []string) (out.Subscription, error) {
	if len(userIDs) == 0 || len(userIDs) > out.MaxInQuery {
		return nil, errkind.E(errkind.Validation, "presence.subscribe",
			fmt.Errorf("subscribe takes 1..%d ids, got %d", out.MaxInQuery, len(userIDs)))
	}
	channels := make([]string, len(userIDs))
	for i, id := range userIDs {
		channels[i] = presenceChannel(id)
	}

	ps := r.client.Subscribe(ctx, channels...)
	for range channels {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, mapErr("presence.subscribe", err)
		}
	}

	return r.newSubscription(ps), nil
}

// SubscribeAll 按频道前缀订阅所有用户的聚合变化
func (r *PresenceStoreRedis) SubscribeAll(ctx context.Context) (out.Subscription, error) {
	ps := r.client.PSubscribe(ctx, presenceChannelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, mapErr("presence.subscribe_all", err)
	}
	return r.newSubscription(ps), nil
}

func (r *PresenceStoreRedis) newSubscription(ps *redis.PubSub) *redisSubscription {
	sub := &redisSubscription{
		ps:      ps,
		updates: make(chan *entity.AggregatedPresence, 16),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  r.logger,
	}
	go sub.run()
	return sub
}

func (r *PresenceStoreRedis) Ping(ctx context.Context) error {
	return mapErr("presence.ping", r.client.Ping(ctx).Err())
}

type redisSubscription struct {
	ps      *redis.PubSub
	updates chan *entity.AggregatedPresence
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	logger  *zap.Logger
}

func (s *redisSubscription) Updates() <-chan *entity.AggregatedPresence { return s.updates }

func (s *redisSubscription) run() {
	defer close(s.stopped)
	defer close(s.updates)

	ch := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var agg entity.AggregatedPresence
			if err := json.Unmarshal([]byte(msg.Payload), &agg); err != nil {
				s.logger.Warn("skip corrupt presence message", zap.String("channel", msg.Channel))
				continue
			}
			select {
			case s.updates <- &agg:
			case <-s.done:
				return
			}
		}
	}
}

// Close 退订，返回后不会再推送
func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		<-s.stopped
	})
	return err
}
