package mysql

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/EthanQC/liveroom/internal/ports/out"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func seedEvent(t *testing.T, repo out.EventRepository, id string, cost int64) {
	t.Helper()
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.EnsureEvent(context.Background(), &out.EventRecord{
		ID: id, StartsAt: start, EndsAt: start.Add(time.Hour), EntryCost: cost,
	}))
}

func TestEnsureAndGetEvent(t *testing.T) {
	repo := NewEventRepositoryMySQL(setupDB(t), 1000)
	ctx := context.Background()

	_, err := repo.GetEvent(ctx, "2024060110")
	assert.ErrorIs(t, err, out.ErrEventNotFound)

	seedEvent(t, repo, "2024060110", 100)
	seedEvent(t, repo, "2024060110", 999)

	ev, err := repo.GetEvent(ctx, "2024060110")
	require.NoError(t, err)
	assert.Equal(t, int64(100), ev.EntryCost, "second ensure keeps the first record")
	assert.Equal(t, int64(0), ev.EntrantCount)
}

func TestEnter_TicketsAndGold(t *testing.T) {
	repo := NewEventRepositoryMySQL(setupDB(t), 250)
	ctx := context.Background()
	seedEvent(t, repo, "e1", 100)
	now := time.Date(2024, 6, 1, 10, 5, 0, 0, time.UTC)

	bal, err := repo.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), bal)

	first, already, err := repo.Enter(ctx, out.EnterParams{EventID: "e1", UserID: "u1", IdempotencyKey: "k1", Now: now})
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, int64(1), first.TicketNumber)
	assert.Equal(t, int64(100), first.GoldPaid)

	again, already, err := repo.Enter(ctx, out.EnterParams{EventID: "e1", UserID: "u1", IdempotencyKey: "k2", Now: now})
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, int64(1), again.TicketNumber)
	assert.Equal(t, "k1", again.IdempotencyKey)

	second, _, err := repo.Enter(ctx, out.EnterParams{EventID: "e1", UserID: "u2", IdempotencyKey: "k3", Now: now})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.TicketNumber)

	bal, err = repo.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), bal)

	ev, err := repo.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.EntrantCount)
}

func TestEnter_InsufficientGoldRollsBack(t *testing.T) {
	repo := NewEventRepositoryMySQL(setupDB(t), 50)
	ctx := context.Background()
	seedEvent(t, repo, "e1", 100)

	_, _, err := repo.Enter(ctx, out.EnterParams{EventID: "e1", UserID: "poor", IdempotencyKey: "k1", Now: time.Now()})
	assert.ErrorIs(t, err, out.ErrInsufficientGold)

	ev, err := repo.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), ev.EntrantCount)

	_, _, err = repo.Enter(ctx, out.EnterParams{EventID: "missing", UserID: "poor", IdempotencyKey: "k2", Now: time.Now()})
	assert.ErrorIs(t, err, out.ErrEventNotFound)
}

func TestEnter_ConcurrentSameUser(t *testing.T) {
	repo := NewEventRepositoryMySQL(setupDB(t), 1000)
	ctx := context.Background()
	seedEvent(t, repo, "e1", 100)

	var wg sync.WaitGroup
	tickets := make([]int64, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, _, err := repo.Enter(ctx, out.EnterParams{EventID: "e1", UserID: "u1", IdempotencyKey: fmt.Sprintf("k%d", i), Now: time.Now()})
			errs[i] = err
			if e != nil {
				tickets[i] = e.TicketNumber
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(1), tickets[i])
	}
	bal, err := repo.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), bal)
}
