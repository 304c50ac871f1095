package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aimerfeng/APIGate/internal/models"
	"github.com/aimerfeng/APIGate/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func setupLedger(t testing.TB) (*Ledger, *store.Memory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	mem := store.NewMemory()
	return NewLedger(rdb, mem), mem, mr
}

func createClient(t testing.TB, mem *store.Memory, limit int) *models.Client {
	t.Helper()
	c := &models.Client{
		ID:                 uuid.New(),
		Name:               "acme",
		AllowedAPIs:        []string{"billing"},
		APIKeyHash:         uuid.NewString(),
		RequestLimitPerDay: limit,
	}
	require.NoError(t, mem.CreateClient(context.Background(), c))
	return c
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// The L-th request of a day is admitted and the (L+1)-th is denied
func TestPropertyLimitBoundary(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ledger, mem, _ := setupLedger(t)
		limit := rapid.IntRange(0, 12).Draw(rt, "limit")
		client := createClient(t, mem, limit)
		ctx := context.Background()

		for i := 1; i <= limit; i++ {
			charge, err := ledger.ChargeIfAllowed(ctx, client, "/proxy/billing/x")
			if err != nil {
				rt.Fatalf("request %d of %d denied: %v", i, limit, err)
			}
			if charge.Count != int64(i) {
				rt.Fatalf("expected count %d, got %d", i, charge.Count)
			}
			if err := charge.Commit(ctx); err != nil {
				rt.Fatalf("commit failed: %v", err)
			}
		}

		_, err := ledger.ChargeIfAllowed(ctx, client, "/proxy/billing/x")
		var exceeded *ExceededError
		if !errors.As(err, &exceeded) || !errors.Is(err, ErrQuotaExceeded) {
			rt.Fatalf("expected ExceededError, got %v", err)
		}
		if exceeded.Count != int64(limit) || exceeded.Limit != limit {
			rt.Fatalf("unexpected denial state %d/%d", exceeded.Count, exceeded.Limit)
		}

		from, to := DayBounds(time.Now())
		persisted, _ := mem.CountUsage(ctx, client.ID, from, to)
		if persisted != int64(limit) {
			rt.Fatalf("denied request was recorded: %d rows for limit %d", persisted, limit)
		}
	})
}

func TestConcurrentChargesNeverOverAdmit(t *testing.T) {
	ledger, mem, _ := setupLedger(t)
	client := createClient(t, mem, 10)
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			charge, err := ledger.ChargeIfAllowed(ctx, client, "/proxy/billing")
			if err == nil {
				admitted.Add(1)
				_ = charge.Commit(ctx)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted.Load())
}

func TestCounterSeededFromStore(t *testing.T) {
	ledger, mem, mr := setupLedger(t)
	client := createClient(t, mem, 4)
	ctx := context.Background()

	now := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	ledger.now = fixedClock(now)
	for i := 0; i < 3; i++ {
		require.NoError(t, mem.RecordUsage(ctx, &models.UsageRecord{ClientID: client.ID, Endpoint: "/x", CreatedAt: now.Add(-time.Hour), Count: 1}))
	}

	charge, err := ledger.ChargeIfAllowed(ctx, client, "/x")
	require.NoError(t, err)
	assert.Equal(t, int64(4), charge.Count)
	assert.Equal(t, int64(0), charge.Remaining())

	_, err = ledger.ChargeIfAllowed(ctx, client, "/x")
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	key := counterKey(client.ID, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC))
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "4", got)
	assert.True(t, mr.TTL(key) > 9*time.Hour, "counter must outlive the day")
}

func TestNewDayResetsCount(t *testing.T) {
	ledger, mem, _ := setupLedger(t)
	client := createClient(t, mem, 1)
	ctx := context.Background()

	day := time.Date(2024, 5, 10, 23, 59, 0, 0, time.UTC)
	ledger.now = fixedClock(day)
	charge, err := ledger.ChargeIfAllowed(ctx, client, "/x")
	require.NoError(t, err)
	require.NoError(t, charge.Commit(ctx))
	_, err = ledger.ChargeIfAllowed(ctx, client, "/x")
	require.ErrorIs(t, err, ErrQuotaExceeded)

	ledger.now = fixedClock(day.Add(2 * time.Minute))
	_, err = ledger.ChargeIfAllowed(ctx, client, "/x")
	assert.NoError(t, err)
}

func TestFallbackToStoreWhenRedisDown(t *testing.T) {
	ledger, mem, mr := setupLedger(t)
	client := createClient(t, mem, 2)
	ctx := context.Background()
	mr.Close()

	charge, err := ledger.ChargeIfAllowed(ctx, client, "/x")
	require.NoError(t, err)

	// already persisted by the locked path
	from, to := DayBounds(time.Now())
	count, _ := mem.CountUsage(ctx, client.ID, from, to)
	assert.Equal(t, int64(1), count)
	require.NoError(t, charge.Commit(ctx))
	count, _ = mem.CountUsage(ctx, client.ID, from, to)
	assert.Equal(t, int64(1), count)

	_, err = ledger.ChargeIfAllowed(ctx, client, "/x")
	require.NoError(t, err)
	_, err = ledger.ChargeIfAllowed(ctx, client, "/x")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestLedgerWithoutRedis(t *testing.T) {
	mem := store.NewMemory()
	ledger := NewLedger(nil, mem)
	client := createClient(t, mem, 1)
	ctx := context.Background()

	_, err := ledger.ChargeIfAllowed(ctx, client, "/x")
	require.NoError(t, err)
	_, err = ledger.ChargeIfAllowed(ctx, client, "/x")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestCommitIsIdempotent(t *testing.T) {
	ledger, mem, _ := setupLedger(t)
	client := createClient(t, mem, 5)
	ctx := context.Background()

	charge, err := ledger.ChargeIfAllowed(ctx, client, "/proxy/billing/a")
	require.NoError(t, err)
	require.NoError(t, charge.Commit(ctx))
	require.NoError(t, charge.Commit(ctx))

	summary, err := mem.SummarizeUsage(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, int64(1), summary[0].Count)
	assert.Equal(t, "/proxy/billing/a", summary[0].Endpoint)
}

type brokenStore struct{ *store.Memory }

func (brokenStore) RecordUsage(context.Context, *models.UsageRecord) error {
	return errors.New("disk full")
}

func TestCommitFailureKeepsReservation(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	mem := store.NewMemory()
	client := createClient(t, mem, 1)
	ledger := NewLedger(rdb, brokenStore{mem})
	ctx := context.Background()

	charge, err := ledger.ChargeIfAllowed(ctx, client, "/x")
	require.NoError(t, err)
	err = charge.Commit(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), client.ID.String())

	_, err = ledger.ChargeIfAllowed(ctx, client, "/x")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestDayBounds(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	from, to := DayBounds(time.Date(2024, 1, 2, 3, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, 24*time.Hour, to.Sub(from))
}

// Charges taken by the store during an outage must count once Redis is back
func TestCounterCatchesUpAfterOutage(t *testing.T) {
	ledger, mem, mr := setupLedger(t)
	client := createClient(t, mem, 2)
	ctx := context.Background()

	charge, err := ledger.ChargeIfAllowed(ctx, client, "/x")
	require.NoError(t, err)
	require.NoError(t, charge.Commit(ctx))

	mr.SetError("LOADING blip")
	charge, err = ledger.ChargeIfAllowed(ctx, client, "/x")
	require.NoError(t, err)
	require.NoError(t, charge.Commit(ctx))
	mr.SetError("")

	_, err = ledger.ChargeIfAllowed(ctx, client, "/x")
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	from, to := DayBounds(time.Now())
	persisted, err := mem.CountUsage(ctx, client.ID, from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(2), persisted)

	got, err := mr.Get(counterKey(client.ID, from))
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

// An outage that starts before the counter exists seeds it from the store
func TestCounterSeededAfterOutage(t *testing.T) {
	ledger, mem, mr := setupLedger(t)
	client := createClient(t, mem, 3)
	ctx := context.Background()

	mr.SetError("LOADING blip")
	for i := 0; i < 2; i++ {
		_, err := ledger.ChargeIfAllowed(ctx, client, "/x")
		require.NoError(t, err)
	}
	mr.SetError("")

	charge, err := ledger.ChargeIfAllowed(ctx, client, "/x")
	require.NoError(t, err)
	assert.Equal(t, int64(3), charge.Count)
	require.NoError(t, charge.Commit(ctx))

	_, err = ledger.ChargeIfAllowed(ctx, client, "/x")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}
