package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aimerfeng/APIGate/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(limit int) *models.Client {
	return &models.Client{
		ID:                 uuid.New(),
		Name:               "acme",
		Environment:        "test",
		AllowedAPIs:        []string{"billing"},
		APIKeyHash:         uuid.NewString(),
		RequestLimitPerDay: limit,
	}
}

func TestMemoryClientLookups(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	c := newClient(5)
	require.NoError(t, m.CreateClient(ctx, c))
	assert.False(t, c.CreatedAt.IsZero())

	byID, err := m.GetClientByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Name, byID.Name)

	byKey, err := m.GetClientByKeyHash(ctx, c.APIKeyHash)
	require.NoError(t, err)
	assert.Equal(t, c.ID, byKey.ID)

	_, err = m.GetClientByKeyHash(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	dup := newClient(1)
	dup.APIKeyHash = c.APIKeyHash
	assert.ErrorIs(t, m.CreateClient(ctx, dup), ErrDuplicate)

	updated, err := m.UpdateClientLimit(ctx, c.ID, 9)
	require.NoError(t, err)
	assert.Equal(t, 9, updated.RequestLimitPerDay)

	// callers cannot mutate stored state through returned values
	byID.AllowedAPIs[0] = "mutated"
	again, _ := m.GetClientByID(ctx, c.ID)
	assert.Equal(t, "billing", again.AllowedAPIs[0])
}

func TestMemoryUpstreams(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SaveUpstream(ctx, &models.UpstreamAPI{Name: "billing", BaseURL: "http://b", Enabled: true}))
	require.NoError(t, m.SaveUpstream(ctx, &models.UpstreamAPI{Name: "legacy", BaseURL: "http://l", Enabled: false}))

	api, err := m.GetEnabledUpstream(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, "http://b", api.BaseURL)

	_, err = m.GetEnabledUpstream(ctx, "legacy")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetEnabledUpstream(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := m.ListUpstreams(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	some, err := m.ListUpstreams(ctx, []string{"legacy"})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, "legacy", some[0].Name)

	none, err := m.ListUpstreams(ctx, []string{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryChargeLockedNeverOverAdmits(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	c := newClient(10)
	require.NoError(t, m.CreateClient(ctx, c))

	now := time.Now().UTC()
	from := now.Truncate(24 * time.Hour)
	to := from.Add(24 * time.Hour)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := &models.UsageRecord{ClientID: c.ID, Endpoint: "/proxy/billing", CreatedAt: now, Count: 1}
			_, ok, err := m.ChargeLocked(ctx, rec, c.RequestLimitPerDay, from, to)
			if err == nil && ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted.Load())
	count, err := m.CountUsage(ctx, c.ID, from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)

	summary, err := m.SummarizeUsage(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, int64(10), summary[0].Count)
}

func TestMemoryCountUsageWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	c := newClient(10)
	require.NoError(t, m.CreateClient(ctx, c))

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, ts := range []time.Time{day.Add(-time.Second), day, day.Add(23 * time.Hour), day.Add(24 * time.Hour)} {
		require.NoError(t, m.RecordUsage(ctx, &models.UsageRecord{ClientID: c.ID, Endpoint: "/x", CreatedAt: ts, Count: 1}))
	}

	count, err := m.CountUsage(ctx, c.ID, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	err = m.RecordUsage(ctx, &models.UsageRecord{ClientID: uuid.New(), Endpoint: "/x", CreatedAt: day, Count: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}
