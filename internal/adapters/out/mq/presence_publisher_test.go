package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
)

func TestPublishPresenceChange(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	pub := NewPresencePublisherKafka(producer, "")

	event := &entity.PresenceEvent{
		UserID:    "u1",
		OldStatus: entity.PresenceStatusOffline,
		NewStatus: entity.PresenceStatusOnline,
		IsOnline:  true,
		DeviceID:  "d1",
		Timestamp: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
	}

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got entity.PresenceEvent
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.UserID != "u1" || got.NewStatus != entity.PresenceStatusOnline {
			return errors.New("unexpected payload")
		}
		return nil
	})
	require.NoError(t, pub.PublishPresenceChange(context.Background(), event))

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	err := pub.PublishPresenceChange(context.Background(), event)
	assert.True(t, errkind.Is(err, errkind.Unavailable))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errkind.Is(pub.PublishPresenceChange(ctx, event), errkind.Cancelled))

	require.NoError(t, pub.Close())
}
