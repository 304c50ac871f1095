// Package quota enforces the per-client daily request limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aimerfeng/APIGate/internal/logging"
	"github.com/aimerfeng/APIGate/internal/models"
	"github.com/aimerfeng/APIGate/internal/monitoring"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrQuotaExceeded matches every *ExceededError
var ErrQuotaExceeded = errors.New("daily request limit exceeded")

// ExceededError reports the counter state of a denied request
type ExceededError struct {
	Count int64
	Limit int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily request limit exceeded: %d/%d", e.Count, e.Limit)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// UsageStore is the durable side of the ledger
type UsageStore interface {
	CountUsage(ctx context.Context, clientID uuid.UUID, from, to time.Time) (int64, error)
	RecordUsage(ctx context.Context, record *models.UsageRecord) error
	ChargeLocked(ctx context.Context, record *models.UsageRecord, limit int, from, to time.Time) (int64, bool, error)
}

// Atomic check-and-increment of the per-day counter.
// Returns {-1, 0} when the counter is not seeded yet,
// {count, 0} when denied and {new_count, 1} when admitted.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])

local current = redis.call('GET', key)
if not current then
    return {-1, 0}
end

current = tonumber(current)
if current >= limit then
    return {current, 0}
end

return {redis.call('INCR', key), 1}
`)

// Folds charges made through the store while Redis was unreachable into the
// counter. ARGV: persisted count, pending store charges, ttl in ms.
// A missing counter is seeded from the persisted count alone.
var reconcileScript = redis.NewScript(`
local key = KEYS[1]
local persisted = tonumber(ARGV[1])
local pending = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

if not redis.call('GET', key) then
    redis.call('SET', key, persisted, 'PX', ttl)
    return persisted
end

local count = redis.call('INCRBY', key, pending)
if count < persisted then
    redis.call('SET', key, persisted, 'PX', ttl)
    count = persisted
end
return count
`)

// Ledger counts accepted requests per client and UTC day. The counter lives
// in Redis; the store keeps the durable usage records and serves as the
// serialization point when Redis is unavailable.
type Ledger struct {
	redis  *redis.Client
	store  UsageStore
	now    func() time.Time
	logger zerolog.Logger

	// pending counts store-path admissions per counter key that the
	// Redis counter has not seen yet
	pending sync.Map // string -> *atomic.Int64
}

// NewLedger creates a ledger. rdb may be nil, in which case every charge
// goes through the store's locked path.
func NewLedger(rdb *redis.Client, store UsageStore) *Ledger {
	return &Ledger{
		redis:  rdb,
		store:  store,
		now:    time.Now,
		logger: logging.NewLogger("quota"),
	}
}

// DayBounds returns the UTC calendar day containing t as [from, to)
func DayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	from := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 1)
}

func counterKey(clientID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("usage:%s:%s", clientID.String(), day.Format("2006-01-02"))
}

// ChargeIfAllowed admits the request when the client's count for today is
// below its limit and reserves one slot. The returned charge must be
// committed once the request has been handled.
func (l *Ledger) ChargeIfAllowed(ctx context.Context, client *models.Client, endpoint string) (*Charge, error) {
	now := l.now().UTC()
	from, to := DayBounds(now)
	limit := client.RequestLimitPerDay

	charge := &Charge{
		ledger: l,
		record: models.UsageRecord{
			ClientID:  client.ID,
			Endpoint:  endpoint,
			CreatedAt: now,
			Count:     1,
		},
		Limit: limit,
	}

	if l.redis != nil {
		count, allowed, err := l.reserve(ctx, client.ID, limit, now, from, to)
		if err == nil {
			return l.decide(charge, count, allowed)
		}
		l.logger.Warn().Err(err).
			Str("client_id", client.ID.String()).
			Msg("Quota counter unavailable, charging through the store")
		monitoring.RecordQuotaFallback()
	}

	count, allowed, err := l.store.ChargeLocked(ctx, &charge.record, limit, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to charge usage: %w", err)
	}
	charge.committed = allowed
	if allowed && l.redis != nil {
		l.markPending(counterKey(client.ID, from))
	}
	return l.decide(charge, count, allowed)
}

func (l *Ledger) decide(charge *Charge, count int64, allowed bool) (*Charge, error) {
	clientID := charge.record.ClientID.String()
	logging.LogQuotaDecision(clientID, charge.record.Endpoint, allowed, count, charge.Limit)
	if !allowed {
		monitoring.RecordQuotaDecision("denied")
		return nil, &ExceededError{Count: count, Limit: charge.Limit}
	}
	monitoring.RecordQuotaDecision("allowed")
	charge.Count = count
	return charge, nil
}

func (l *Ledger) reserve(ctx context.Context, clientID uuid.UUID, limit int, now, from, to time.Time) (int64, bool, error) {
	key := counterKey(clientID, from)

	if err := l.reconcile(ctx, key, clientID, now, from, to); err != nil {
		return 0, false, err
	}

	res, err := l.runReserve(ctx, key, limit)
	if err != nil {
		return 0, false, err
	}
	if res[0] == -1 {
		// seed from the durable records, then retry once
		persisted, err := l.store.CountUsage(ctx, clientID, from, to)
		if err != nil {
			return 0, false, fmt.Errorf("failed to seed quota counter: %w", err)
		}
		ttl := to.Sub(now) + time.Hour
		if err := l.redis.SetNX(ctx, key, persisted, ttl).Err(); err != nil {
			return 0, false, fmt.Errorf("failed to seed quota counter: %w", err)
		}
		if res, err = l.runReserve(ctx, key, limit); err != nil {
			return 0, false, err
		}
		if res[0] == -1 {
			return 0, false, fmt.Errorf("quota counter %s vanished after seeding", key)
		}
	}
	return res[0], res[1] == 1, nil
}

func (l *Ledger) markPending(key string) {
	v, _ := l.pending.LoadOrStore(key, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)
}

// reconcile brings the counter up to date with store-path charges before
// Redis admits again for the same client and day
func (l *Ledger) reconcile(ctx context.Context, key string, clientID uuid.UUID, now, from, to time.Time) error {
	v, ok := l.pending.Load(key)
	if !ok {
		return nil
	}
	counter := v.(*atomic.Int64)
	n := counter.Load()
	if n == 0 {
		return nil
	}

	persisted, err := l.store.CountUsage(ctx, clientID, from, to)
	if err != nil {
		return fmt.Errorf("failed to reconcile quota counter: %w", err)
	}
	ttl := to.Sub(now) + time.Hour
	count, err := reconcileScript.Run(ctx, l.redis, []string{key}, persisted, n, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to reconcile quota counter: %w", err)
	}
	counter.Add(-n)

	l.logger.Info().
		Str("client_id", clientID.String()).
		Int64("store_charges", n).
		Int64("count", count).
		Msg("Quota counter reconciled after store fallback")
	return nil
}

func (l *Ledger) runReserve(ctx context.Context, key string, limit int) ([]int64, error) {
	res, err := reserveScript.Run(ctx, l.redis, []string{key}, limit).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve quota: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected result length: %d", len(res))
	}
	return res, nil
}

// Charge is an admitted request's reserved slot
type Charge struct {
	ledger *Ledger
	record models.UsageRecord

	// Count is the client's count for the day including this request
	Count int64
	Limit int

	mu        sync.Mutex
	committed bool
}

// Record returns the usage record this charge persists
func (c *Charge) Record() models.UsageRecord {
	return c.record
}

// Remaining is the number of requests left today after this one
func (c *Charge) Remaining() int64 {
	if r := int64(c.Limit) - c.Count; r > 0 {
		return r
	}
	return 0
}

// Commit persists the usage record. Calling it more than once is a no-op
// after the first success.
func (c *Charge) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.committed {
		return nil
	}
	if err := c.ledger.store.RecordUsage(ctx, &c.record); err != nil {
		return fmt.Errorf("failed to commit usage for client %s: %w", c.record.ClientID, err)
	}
	c.committed = true
	return nil
}
