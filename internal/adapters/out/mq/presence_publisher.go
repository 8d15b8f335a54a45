package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

// DefaultPresenceTopic 在线状态变更 Topic
const DefaultPresenceTopic = "liveroom.presence.changed"

// NewSyncProducer 创建同步生产者，同一用户的事件落在同一分区
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 10 * time.Second
	config.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

// PresencePublisherKafka Kafka在线状态事件发布器
type PresencePublisherKafka struct {
	producer sarama.SyncProducer
	topic    string
}

// NewPresencePublisherKafka 创建发布器
func NewPresencePublisherKafka(producer sarama.SyncProducer, topic string) *PresencePublisherKafka {
	if topic == "" {
		topic = DefaultPresenceTopic
	}
	return &PresencePublisherKafka{producer: producer, topic: topic}
}

var _ out.PresenceEventPublisher = (*PresencePublisherKafka)(nil)

func (p *PresencePublisherKafka) PublishPresenceChange(ctx context.Context, event *entity.PresenceEvent) error {
	if err := ctx.Err(); err != nil {
		return errkind.E(errkind.Cancelled, "presence.publish", err)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal presence event failed: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.UserID), // 按用户分区
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte("presence_changed")},
			{Key: []byte("timestamp"), Value: []byte(event.Timestamp.UTC().Format(time.RFC3339))},
		},
	}

	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return errkind.E(errkind.Unavailable, "presence.publish", err)
	}
	return nil
}

func (p *PresencePublisherKafka) Close() error {
	return p.producer.Close()
}
