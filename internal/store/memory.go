package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aimerfeng/APIGate/internal/models"
	"github.com/google/uuid"
)

// Memory is a process-local Store used by tests and STORE_DRIVER=memory
type Memory struct {
	mu        sync.Mutex
	clients   map[uuid.UUID]models.Client
	byKeyHash map[string]uuid.UUID
	upstreams map[string]models.UpstreamAPI
	usage     []models.UsageRecord
	nextID    int64
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		clients:   make(map[uuid.UUID]models.Client),
		byKeyHash: make(map[string]uuid.UUID),
		upstreams: make(map[string]models.UpstreamAPI),
		now:       time.Now,
	}
}

func cloneClient(c models.Client) *models.Client {
	c.AllowedAPIs = append([]string{}, c.AllowedAPIs...)
	return &c
}

func (m *Memory) CreateClient(_ context.Context, client *models.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byKeyHash[client.APIKeyHash]; ok {
		return ErrDuplicate
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = m.now().UTC()
	}
	m.clients[client.ID] = *cloneClient(*client)
	m.byKeyHash[client.APIKeyHash] = client.ID
	return nil
}

func (m *Memory) GetClientByID(_ context.Context, id uuid.UUID) (*models.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneClient(c), nil
}

func (m *Memory) GetClientByKeyHash(_ context.Context, keyHash string) (*models.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byKeyHash[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneClient(m.clients[id]), nil
}

func (m *Memory) UpdateClientLimit(_ context.Context, id uuid.UUID, limit int) (*models.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	c.RequestLimitPerDay = limit
	m.clients[id] = c
	return cloneClient(c), nil
}

func (m *Memory) SaveUpstream(_ context.Context, api *models.UpstreamAPI) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.upstreams[api.Name]; ok {
		api.ID = existing.ID
	} else {
		m.nextID++
		api.ID = m.nextID
	}
	stored := *api
	stored.AllowedMethods = append([]string{}, api.AllowedMethods...)
	m.upstreams[api.Name] = stored
	return nil
}

func (m *Memory) GetEnabledUpstream(_ context.Context, name string) (*models.UpstreamAPI, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	api, ok := m.upstreams[name]
	if !ok || !api.Enabled {
		return nil, ErrNotFound
	}
	return &api, nil
}

func (m *Memory) ListUpstreams(_ context.Context, names []string) ([]models.UpstreamAPI, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wanted map[string]bool
	if names != nil {
		wanted = make(map[string]bool, len(names))
		for _, n := range names {
			wanted[n] = true
		}
	}

	apis := []models.UpstreamAPI{}
	for name, api := range m.upstreams {
		if wanted == nil || wanted[name] {
			apis = append(apis, api)
		}
	}
	sort.Slice(apis, func(i, j int) bool { return apis[i].Name < apis[j].Name })
	return apis, nil
}

func (m *Memory) countLocked(clientID uuid.UUID, from, to time.Time) int64 {
	var count int64
	for _, r := range m.usage {
		if r.ClientID == clientID && !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			count++
		}
	}
	return count
}

func (m *Memory) CountUsage(_ context.Context, clientID uuid.UUID, from, to time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(clientID, from, to), nil
}

func (m *Memory) appendLocked(record *models.UsageRecord) {
	m.nextID++
	record.ID = m.nextID
	m.usage = append(m.usage, *record)
}

func (m *Memory) RecordUsage(_ context.Context, record *models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[record.ClientID]; !ok {
		return ErrNotFound
	}
	m.appendLocked(record)
	return nil
}

func (m *Memory) ChargeLocked(_ context.Context, record *models.UsageRecord, limit int, from, to time.Time) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[record.ClientID]; !ok {
		return 0, false, ErrNotFound
	}
	count := m.countLocked(record.ClientID, from, to)
	if count >= int64(limit) {
		return count, false, nil
	}
	m.appendLocked(record)
	return count + 1, true, nil
}

func (m *Memory) SummarizeUsage(_ context.Context) ([]models.UsageSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type key struct {
		client   uuid.UUID
		endpoint string
	}
	totals := make(map[key]int64)
	for _, r := range m.usage {
		totals[key{r.ClientID, r.Endpoint}]++
	}

	out := make([]models.UsageSummary, 0, len(totals))
	for k, n := range totals {
		out = append(out, models.UsageSummary{ClientID: k.client, Endpoint: k.endpoint, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID.String() < out[j].ClientID.String()
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}
