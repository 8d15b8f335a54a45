package eventsvc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/cycle"
	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

type memRepo struct {
	mu      sync.Mutex
	events  map[string]*out.EventRecord
	entries map[string]*entity.EventEntry // eventID/userID
	gold    map[string]int64
	start   int64
}

func newMemRepo(start int64) *memRepo {
	return &memRepo{events: map[string]*out.EventRecord{}, entries: map[string]*entity.EventEntry{}, gold: map[string]int64{}, start: start}
}

func (m *memRepo) EnsureEvent(_ context.Context, ev *out.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; !ok {
		cp := *ev
		m.events[ev.ID] = &cp
	}
	return nil
}

func (m *memRepo) GetEvent(_ context.Context, id string) (*out.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, out.ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *memRepo) Enter(_ context.Context, p out.EnterParams) (*entity.EventEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[p.EventID]
	if !ok {
		return nil, false, out.ErrEventNotFound
	}
	key := p.EventID + "/" + p.UserID
	if e, ok := m.entries[key]; ok {
		return e, true, nil
	}
	if _, ok := m.gold[p.UserID]; !ok {
		m.gold[p.UserID] = m.start
	}
	if m.gold[p.UserID] < ev.EntryCost {
		return nil, false, out.ErrInsufficientGold
	}
	m.gold[p.UserID] -= ev.EntryCost
	ev.EntrantCount++
	e := &entity.EventEntry{EventID: p.EventID, UserID: p.UserID, TicketNumber: ev.EntrantCount, EntryTime: p.Now, GoldPaid: ev.EntryCost, IdempotencyKey: p.IdempotencyKey}
	m.entries[key] = e
	return e, false, nil
}

func (m *memRepo) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gold[userID], nil
}

func newTestService(repo *memRepo, clock clockwork.Clock) *Service {
	return NewService(repo, Config{CyclePeriod: time.Hour, EntryCost: 100, PrizePercent: 70}, clock, zap.NewNop())
}

func TestEnter(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC))
	repo := newMemRepo(150)
	svc := newTestService(repo, clock)
	ctx := context.Background()
	id := svc.CurrentCycle().ID

	first := svc.Enter(ctx, "u1", entity.EntryRequest{EventID: id, IdempotencyKey: "k1"})
	assert.True(t, first.Success)
	assert.Equal(t, int64(1), first.TicketNumber)

	// 新的幂等键、同一用户：仍然只有一条记录
	again := svc.Enter(ctx, "u1", entity.EntryRequest{EventID: id, IdempotencyKey: "k2"})
	assert.True(t, again.AlreadyEntered)
	assert.Equal(t, int64(1), again.TicketNumber)
	bal, _ := repo.Balance(ctx, "u1")
	assert.Equal(t, int64(50), bal)

	second := svc.Enter(ctx, "u2", entity.EntryRequest{EventID: id, IdempotencyKey: "k3"})
	assert.Equal(t, int64(2), second.TicketNumber)

	pool, err := svc.PrizePool(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pool.Entrants)
	assert.Equal(t, int64(140), pool.PrizePool)
}

func TestEnter_Failures(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC))
	repo := newMemRepo(50)
	svc := newTestService(repo, clock)
	ctx := context.Background()

	broke := svc.Enter(ctx, "u1", entity.EntryRequest{EventID: svc.CurrentCycle().ID, IdempotencyKey: "k"})
	assert.False(t, broke.Success)
	assert.Equal(t, entity.EntryErrorInsufficientGold, broke.Error)

	past := cycle.For(clock.Now().Add(-2*time.Hour), time.Hour)
	expired := svc.Enter(ctx, "u1", entity.EntryRequest{EventID: past.ID, IdempotencyKey: "k"})
	assert.True(t, expired.IsExpired)

	future := svc.CurrentCycle().Next()
	early := svc.Enter(ctx, "u1", entity.EntryRequest{EventID: future.ID, IdempotencyKey: "k"})
	assert.Equal(t, entity.EntryErrorInvalidRequest, early.Error)

	bad := svc.Enter(ctx, "u1", entity.EntryRequest{EventID: "garbage", IdempotencyKey: "k"})
	assert.Equal(t, entity.EntryErrorInvalidRequest, bad.Error)
	assert.Equal(t, entity.EntryErrorInvalidRequest, svc.Enter(ctx, "", entity.EntryRequest{EventID: past.ID, IdempotencyKey: "k"}).Error)
}

func TestPrizePool_NoEntrants(t *testing.T) {
	svc := newTestService(newMemRepo(0), clockwork.NewFakeClock())
	info, err := svc.PrizePool(context.Background(), svc.CurrentCycle().ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.PrizePool)

	_, err = svc.PrizePool(context.Background(), "nope")
	assert.ErrorIs(t, err, cycle.ErrInvalidCycleID)
}
