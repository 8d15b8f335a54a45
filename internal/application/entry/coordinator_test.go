package entry

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
)

type fakeAuthority struct {
	clock   *clockwork.FakeClock
	rtt     time.Duration
	skew    time.Duration
	callErr error
}

func (f *fakeAuthority) GetServerTime(context.Context) (int64, error) {
	if f.callErr != nil {
		return 0, f.callErr
	}
	start := f.clock.Now()
	f.clock.Advance(f.rtt)
	// 服务端在往返中点取时
	return start.Add(f.rtt / 2).Add(f.skew).UnixMilli(), nil
}

type ledgerGateway struct {
	mu      sync.Mutex
	byKey   map[string]int64
	next    int64
	expired bool
	block   bool
}

func (g *ledgerGateway) EnterEvent(ctx context.Context, req entity.EntryRequest) (*entity.EntryResponse, error) {
	if g.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.expired {
		return &entity.EntryResponse{IsExpired: true, Error: entity.EntryErrorEventExpired}, nil
	}
	if ticket, ok := g.byKey[req.IdempotencyKey]; ok {
		return &entity.EntryResponse{Success: true, AlreadyEntered: true, TicketNumber: ticket}, nil
	}
	g.next++
	g.byKey[req.IdempotencyKey] = g.next
	return &entity.EntryResponse{Success: true, TicketNumber: g.next}, nil
}

func newCoordinator(auth *fakeAuthority, gw *ledgerGateway, clock clockwork.Clock) *Coordinator {
	return NewCoordinator(auth, gw, Config{WatchdogTimeout: 12 * time.Second, CyclePeriod: time.Hour, EntryCost: 100, PrizePercent: 70}, clock, zap.NewNop())
}

func TestCalculateServerTimeOffset(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	c := newCoordinator(&fakeAuthority{clock: clock, rtt: 200 * time.Millisecond, skew: 5 * time.Second}, nil, clock)

	_, synced := c.Offset()
	assert.False(t, synced)

	offset, err := c.CalculateServerTimeOffset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, offset)
	assert.Equal(t, clock.Now().Add(5*time.Second), c.ServerNow())

	// 结束时间按服务端时间计算
	end := clock.Now().Add(5*time.Second + 90*time.Second + 500*time.Millisecond)
	assert.Equal(t, int64(90), c.CalculateTimeLeft(end))
}

func TestCalculateServerTimeOffset_Error(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newCoordinator(&fakeAuthority{clock: clock, callErr: errkind.E(errkind.Unavailable, "time", nil)}, nil, clock)
	_, err := c.CalculateServerTimeOffset(context.Background())
	assert.Error(t, err)
	_, synced := c.Offset()
	assert.False(t, synced)
}

func TestCalculateTimeLeft_NeverNegative(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	c := newCoordinator(&fakeAuthority{clock: clock, rtt: 40 * time.Millisecond, skew: -3 * time.Second}, nil, clock)
	_, err := c.CalculateServerTimeOffset(context.Background())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		end := clock.Now().Add(time.Duration(rng.Int63n(int64(4*time.Hour))) - 2*time.Hour)
		assert.GreaterOrEqual(t, c.CalculateTimeLeft(end), int64(0))
	}
	assert.Equal(t, int64(0), c.CalculateTimeLeft(time.Time{}))
}

func TestCalculatePrizePool(t *testing.T) {
	c := newCoordinator(nil, nil, clockwork.NewFakeClock())
	assert.Equal(t, int64(0), c.CalculatePrizePool(0, 100))
	assert.Equal(t, int64(100), c.CalculatePrizePool(1, 100))
	assert.Equal(t, int64(140), c.CalculatePrizePool(2, 100))
	assert.Equal(t, int64(350), c.CalculatePrizePool(5, 100))
}

func TestEnterEvent_Idempotent(t *testing.T) {
	gw := &ledgerGateway{byKey: map[string]int64{}}
	c := newCoordinator(nil, gw, clockwork.NewRealClock())
	ctx := context.Background()
	key := NewIdempotencyKey()

	first, err := c.EnterEvent(ctx, "3600-1717236000", key)
	require.NoError(t, err)
	assert.Equal(t, StatusEntered, first.Status)
	assert.Equal(t, int64(1), first.TicketNumber)

	second, err := c.EnterEvent(ctx, "3600-1717236000", key)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyEntered, second.Status)
	assert.True(t, second.Succeeded())
	assert.Equal(t, first.TicketNumber, second.TicketNumber)
	assert.Len(t, gw.byKey, 1)

	assert.NotEqual(t, key, NewIdempotencyKey())
}

func TestEnterEvent_Expired(t *testing.T) {
	gw := &ledgerGateway{byKey: map[string]int64{}, expired: true}
	c := newCoordinator(nil, gw, clockwork.NewRealClock())

	res, err := c.EnterEvent(context.Background(), "3600-0", NewIdempotencyKey())
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status)
	assert.False(t, res.Succeeded())
	assert.True(t, res.Terminal())
}

func TestEnterEvent_Watchdog(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newCoordinator(nil, &ledgerGateway{block: true}, clock)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.EnterEvent(context.Background(), "3600-0", NewIdempotencyKey())
		errCh <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(12 * time.Second)

	select {
	case err := <-errCh:
		assert.True(t, errkind.Is(err, errkind.Timeout))
		assert.ErrorIs(t, err, ErrWatchdogTimeout)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
}

func TestEnterEvent_Validation(t *testing.T) {
	c := newCoordinator(nil, &ledgerGateway{}, clockwork.NewFakeClock())
	_, err := c.EnterEvent(context.Background(), "3600-0", "")
	assert.True(t, errkind.Is(err, errkind.Validation))
}

func TestInterpret(t *testing.T) {
	assert.Equal(t, StatusRejected, interpret(nil).Status)
	r := interpret(&entity.EntryResponse{Error: entity.EntryErrorInsufficientGold})
	assert.Equal(t, StatusRejected, r.Status)
	assert.Equal(t, entity.EntryErrorInsufficientGold, r.Error)
	assert.True(t, r.Terminal())
	assert.False(t, interpret(&entity.EntryResponse{}).Terminal())
}
