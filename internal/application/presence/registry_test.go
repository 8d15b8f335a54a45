package presence

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		HeartbeatInterval:       15 * time.Second,
		ConnectionCheckInterval: 5 * time.Second,
		OfflineThreshold:        45 * time.Second,
		MaxDevices:              10,
		WriteTimeout:            time.Second,
	}
}

func newTestRegistry(store *memStore, pub *recordingPublisher, clock clockwork.Clock) *Registry {
	if pub == nil {
		return NewRegistry(store, nil, testConfig(), clock, zap.NewNop())
	}
	return NewRegistry(store, pub, testConfig(), clock, zap.NewNop())
}

func TestRegistry_InitializeWritesAndAggregates(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	clock := clockwork.NewFakeClockAt(t0)
	r := newTestRegistry(store, pub, clock)

	require.NoError(t, r.Initialize(context.Background(), "u1", Device{DeviceID: "A", DeviceType: entity.DeviceTypeIOS}))
	defer r.Cleanup(context.Background())

	assert.ErrorIs(t, r.Initialize(context.Background(), "u1", Device{DeviceID: "A"}), ErrAlreadyInitialized)

	agg := store.Aggregate("u1")
	require.NotNil(t, agg)
	assert.True(t, agg.IsOnline)
	assert.Equal(t, "A", agg.PrimaryDevice)

	snap := r.Snapshot()
	assert.True(t, snap.IsOnline)
	assert.True(t, snap.Reachable)

	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, entity.PresenceStatusOffline, events[0].OldStatus)
	assert.Equal(t, entity.PresenceStatusOnline, events[0].NewStatus)

	clock.Advance(15 * time.Second)
	assert.Eventually(t, func() bool { return store.Upserts() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_InitializeValidation(t *testing.T) {
	r := newTestRegistry(newMemStore(), nil, clockwork.NewFakeClockAt(t0))
	err := r.Initialize(context.Background(), "", Device{DeviceID: "A"})
	assert.True(t, errkind.Is(err, errkind.Validation))

	assert.ErrorIs(t, r.SetAppState(context.Background(), entity.AppStateBackground), ErrNotInitialized)
}

func TestRegistry_FailedHeartbeatProbesUntilRecovered(t *testing.T) {
	store := newMemStore()
	clock := clockwork.NewFakeClockAt(t0)
	r := newTestRegistry(store, nil, clock)
	require.NoError(t, r.Initialize(context.Background(), "u1", Device{DeviceID: "A"}))
	defer r.Cleanup(context.Background())

	store.SetDown(true)
	clock.Advance(15 * time.Second)
	assert.Eventually(t, func() bool { return !r.Snapshot().Reachable }, time.Second, 5*time.Millisecond)
	assert.False(t, r.Snapshot().IsOnline)

	store.SetDown(false)
	clock.Advance(5 * time.Second)
	assert.Eventually(t, func() bool { return r.Snapshot().Reachable }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return r.Snapshot().IsOnline }, time.Second, 5*time.Millisecond)
}

func TestRegistry_AppStateMapping(t *testing.T) {
	store := newMemStore()
	clock := clockwork.NewFakeClockAt(t0)
	r := newTestRegistry(store, nil, clock)
	ctx := context.Background()
	require.NoError(t, r.Initialize(ctx, "u1", Device{DeviceID: "A"}))
	defer r.Cleanup(ctx)

	require.NoError(t, r.SetAppState(ctx, entity.AppStateBackground))
	assert.Equal(t, entity.PresenceStatusAway, r.Snapshot().Status)
	agg := store.Aggregate("u1")
	assert.False(t, agg.IsOnline)
	assert.Equal(t, entity.PresenceStatusAway, agg.Status)

	require.NoError(t, r.SetAppState(ctx, entity.AppStateForeground))
	assert.True(t, store.Aggregate("u1").IsOnline)

	require.NoError(t, r.SetStatus(ctx, entity.PresenceStatusBusy))
	assert.Equal(t, entity.PresenceStatusBusy, store.Aggregate("u1").Devices["A"].Status)
	assert.Error(t, r.SetStatus(ctx, entity.PresenceStatus("invisible")))
}

func TestRegistry_MultiDeviceCleanup(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	clock := clockwork.NewFakeClockAt(t0)
	ctx := context.Background()

	phone := newTestRegistry(store, pub, clock)
	desktop := newTestRegistry(store, pub, clock)
	require.NoError(t, phone.Initialize(ctx, "u1", Device{DeviceID: "phone"}))
	require.NoError(t, desktop.Initialize(ctx, "u1", Device{DeviceID: "desktop"}))
	defer desktop.Cleanup(ctx)
	require.NoError(t, desktop.SetAppState(ctx, entity.AppStateBackground))

	assert.True(t, store.Aggregate("u1").IsOnline)
	assert.Equal(t, "phone", store.Aggregate("u1").PrimaryDevice)

	watch, err := phone.OnUserPresence(ctx, "u2")
	require.NoError(t, err)
	<-watch.Updates()
	require.Equal(t, 1, store.OpenSubs())

	require.NoError(t, phone.Cleanup(ctx))

	assert.Equal(t, 0, store.OpenSubs())
	assert.Equal(t, []string{"desktop"}, store.DeviceIDs("u1"))
	agg := store.Aggregate("u1")
	assert.False(t, agg.IsOnline)
	assert.Equal(t, entity.PresenceStatusAway, agg.Status)
	assert.Equal(t, 1, agg.TotalDevices)

	snap := phone.Snapshot()
	assert.Empty(t, snap.UserID)
	assert.Nil(t, snap.Aggregate)

	// 清理后的 phone 不会再写入
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"desktop"}, store.DeviceIDs("u1"))

	require.NoError(t, phone.Cleanup(ctx))
}

func TestRegistry_TerminatedTriggersCleanup(t *testing.T) {
	store := newMemStore()
	r := newTestRegistry(store, nil, clockwork.NewFakeClockAt(t0))
	ctx := context.Background()
	require.NoError(t, r.Initialize(ctx, "u1", Device{DeviceID: "A"}))

	require.NoError(t, r.SetAppState(ctx, entity.AppStateTerminated))
	assert.Empty(t, store.DeviceIDs("u1"))
	assert.Equal(t, entity.PresenceStatusOffline, store.Aggregate("u1").Status)
}

func TestRegistry_WithoutPublisher(t *testing.T) {
	store := newMemStore()
	clock := clockwork.NewFakeClockAt(t0)
	r := newTestRegistry(store, nil, clock)
	assert.Nil(t, r.publisher)

	ctx := context.Background()
	require.NoError(t, r.Initialize(ctx, "u1", Device{DeviceID: "A"}))
	require.NoError(t, r.SetAppState(ctx, entity.AppStateBackground))
	assert.Equal(t, entity.PresenceStatusAway, store.Aggregate("u1").Status)
	require.NoError(t, r.Cleanup(ctx))
}

func TestRegistry_ClosedWatchIsForgotten(t *testing.T) {
	store := newMemStore()
	r := newTestRegistry(store, nil, clockwork.NewFakeClockAt(t0))
	ctx := context.Background()
	require.NoError(t, r.Initialize(ctx, "u1", Device{DeviceID: "A"}))
	defer r.Cleanup(ctx)

	openWatches := func() int {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.watches)
	}

	kept, err := r.OnUserPresence(ctx, "u2")
	require.NoError(t, err)
	closed, err := r.OnUserPresence(ctx, "u3")
	require.NoError(t, err)
	require.Equal(t, 2, openWatches())

	require.NoError(t, closed.Close())
	require.Eventually(t, func() bool { return openWatches() == 1 }, time.Second, 5*time.Millisecond)

	r.mu.Lock()
	assert.Same(t, kept, r.watches[0])
	r.mu.Unlock()
}
