package allocator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cidrotate/internal/config"
	"cidrotate/internal/coordination"
	"cidrotate/internal/database"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakePool mimics the repository's rotation ordering in memory.
type fakePool struct {
	mu      sync.Mutex
	entries map[string]*database.CallerID
}

func newFakePool(entries ...database.CallerID) *fakePool {
	p := &fakePool{entries: make(map[string]*database.CallerID)}
	for i := range entries {
		c := entries[i]
		if c.HourlyCap == 0 && c.DailyCap == 0 {
			c.HourlyCap = 100
			c.DailyCap = 1000
		}
		c.Active = true
		p.entries[c.Number] = &c
	}
	return p
}

func (p *fakePool) QueryCandidates(_ context.Context, areaCode string, limit int) ([]database.CallerID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []database.CallerID
	for _, c := range p.entries {
		if !c.Active {
			continue
		}
		if areaCode != "" && c.AreaCode != areaCode {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.LastUsedAt == nil && b.LastUsedAt != nil:
			return true
		case a.LastUsedAt != nil && b.LastUsedAt == nil:
			return false
		case a.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
			return a.LastUsedAt.Before(*b.LastUsedAt)
		default:
			return a.Number < b.Number
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *fakePool) GetByNumber(_ context.Context, number string) (*database.CallerID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.entries[number]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (p *fakePool) UpdateLastUsed(_ context.Context, number string, ts time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.entries[number]
	if !ok {
		return nil
	}
	if c.LastUsedAt == nil || c.LastUsedAt.Before(ts) {
		t := ts
		c.LastUsedAt = &t
	}
	return nil
}

func testConfig() config.AllocatorConfig {
	return config.AllocatorConfig{
		ReservationTTLSeconds:   300,
		AgentRateLimitPerMinute: 100,
		CandidateScanLimit:      50,
		DefaultHourlyCap:        100,
		DefaultDailyCap:         1000,
		RequestDeadlineMs:       2000,
	}
}

func newTestAllocator(t *testing.T, pool *fakePool, cfg config.AllocatorConfig) (*Allocator, *coordination.MemoryStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := coordination.NewMemoryStoreWithClock(clock.Now)
	a := NewWithClock(pool, store, nil, cfg, clock.Now)
	return a, store, clock
}

func TestAllocatePrefersDestinationAreaCode(t *testing.T) {
	ctx := context.Background()
	pool := newFakePool(
		database.CallerID{Number: "2125550001", AreaCode: "212", Carrier: "acme"},
		database.CallerID{Number: "3105550001", AreaCode: "310", Carrier: "acme"},
	)
	a, store, _ := newTestAllocator(t, pool, testConfig())

	alloc, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "west", Agent: "agent1"})
	require.NoError(t, err)
	require.Equal(t, "2125550001", alloc.Number)
	require.Equal(t, "212", alloc.AreaCode)
	require.Equal(t, "acme", alloc.Carrier)
	require.Equal(t, 300, alloc.TTLSeconds)
	require.Equal(t, "2125551001", alloc.Destination)

	_, held, err := store.Get(ctx, coordination.ReservationKey("2125550001"))
	require.NoError(t, err)
	require.True(t, held, "reservation lock must exist after grant")
}

func TestAllocateFallsBackToAnyAreaCode(t *testing.T) {
	ctx := context.Background()
	pool := newFakePool(
		database.CallerID{Number: "3105550001", AreaCode: "310"},
	)
	a, _, _ := newTestAllocator(t, pool, testConfig())

	alloc, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.NoError(t, err)
	require.Equal(t, "3105550001", alloc.Number)
}

func TestAllocateStrictAreaCode(t *testing.T) {
	ctx := context.Background()
	pool := newFakePool(
		database.CallerID{Number: "3105550001", AreaCode: "310"},
	)
	cfg := testConfig()
	cfg.StrictAreaCode = true
	a, _, _ := newTestAllocator(t, pool, cfg)

	_, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.True(t, IsKind(err, KindNoneAvailable), "strict mode must not fall back, got %v", err)
}

func TestAllocateRotatesLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	old := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	older := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	pool := newFakePool(
		database.CallerID{Number: "2125550001", AreaCode: "212", LastUsedAt: &old},
		database.CallerID{Number: "2125550002", AreaCode: "212", LastUsedAt: &older},
		database.CallerID{Number: "2125550003", AreaCode: "212"},
	)
	a, _, _ := newTestAllocator(t, pool, testConfig())

	// Never-used first, then oldest last_used_at.
	want := []string{"2125550003", "2125550002", "2125550001"}
	for _, expected := range want {
		alloc, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
		require.NoError(t, err)
		require.Equal(t, expected, alloc.Number)
	}
}

func TestAllocateConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	pool := newFakePool(
		database.CallerID{Number: "2125550001", AreaCode: "212"},
	)
	a, _, _ := newTestAllocator(t, pool, testConfig())

	const workers = 16
	var wg sync.WaitGroup
	grants := make(chan *Allocation, workers)
	losses := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alloc, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
			if err == nil {
				grants <- alloc
			} else {
				losses <- err
			}
		}()
	}
	wg.Wait()
	close(grants)
	close(losses)

	require.Len(t, drain(grants), 1, "exactly one request may win the reservation")
	for err := range losses {
		require.True(t, IsKind(err, KindNoneAvailable), "loser must see none_available, got %v", err)
	}
}

func drain(ch chan *Allocation) []*Allocation {
	var out []*Allocation
	for a := range ch {
		out = append(out, a)
	}
	return out
}

func TestAllocateHourlyCapFallsThrough(t *testing.T) {
	ctx := context.Background()
	old := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	pool := newFakePool(
		database.CallerID{Number: "2125550001", AreaCode: "212", HourlyCap: 1, DailyCap: 1000},
		database.CallerID{Number: "2125550002", AreaCode: "212", HourlyCap: 100, DailyCap: 1000, LastUsedAt: &old},
	)
	a, store, _ := newTestAllocator(t, pool, testConfig())

	alloc, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.NoError(t, err)
	require.Equal(t, "2125550001", alloc.Number)

	released, err := a.Release(ctx, "2125550001")
	require.NoError(t, err)
	require.True(t, released)

	// Cap of 1 is spent; the next grant must skip to the second number and
	// leave no stray lock on the capped one.
	alloc, err = a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.NoError(t, err)
	require.Equal(t, "2125550002", alloc.Number)

	_, held, err := store.Get(ctx, coordination.ReservationKey("2125550001"))
	require.NoError(t, err)
	require.False(t, held, "cap violation must roll the reservation back")
}

func TestAllocateZeroHourlyCapNeverSelected(t *testing.T) {
	ctx := context.Background()
	pool := newFakePool(
		database.CallerID{Number: "2125550001", AreaCode: "212", HourlyCap: 0, DailyCap: 1000},
	)
	a, _, _ := newTestAllocator(t, pool, testConfig())

	_, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.True(t, IsKind(err, KindNoneAvailable))
}

func TestAllocateDailyCapRollsBackHourly(t *testing.T) {
	ctx := context.Background()
	pool := newFakePool(
		database.CallerID{Number: "2125550001", AreaCode: "212", HourlyCap: 10, DailyCap: 1},
	)
	a, store, clock := newTestAllocator(t, pool, testConfig())

	alloc, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.NoError(t, err)
	_, err = a.Release(ctx, alloc.Number)
	require.NoError(t, err)

	_, err = a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.True(t, IsKind(err, KindNoneAvailable))

	// The failed attempt must refund the hourly counter it charged: after
	// the day rolls over the number is usable again with a fresh budget.
	clock.Advance(26 * time.Hour)
	alloc, err = a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.NoError(t, err)
	require.Equal(t, "2125550001", alloc.Number)

	_, held, err := store.Get(ctx, coordination.ReservationKey("2125550001"))
	require.NoError(t, err)
	require.True(t, held)
}

func TestAllocateAgentRateLimit(t *testing.T) {
	ctx := context.Background()
	pool := newFakePool(
		database.CallerID{Number: "2125550001", AreaCode: "212"},
		database.CallerID{Number: "2125550002", AreaCode: "212"},
		database.CallerID{Number: "2125550003", AreaCode: "212"},
	)
	cfg := testConfig()
	cfg.AgentRateLimitPerMinute = 2
	a, _, clock := newTestAllocator(t, pool, cfg)

	for i := 0; i < 2; i++ {
		_, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "agent7"})
		require.NoError(t, err)
	}

	_, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "agent7"})
	require.True(t, IsKind(err, KindRateLimited))
	var ae *Error
	require.ErrorAs(t, err, &ae)
	require.Greater(t, ae.RetryAfter, 0)

	// A different agent is unaffected.
	_, err = a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "agent8"})
	require.NoError(t, err)

	// The window resets at the next minute.
	clock.Advance(time.Minute)
	_, err = a.Allocate(ctx, Request{Destination: "2125551002", Campaign: "c", Agent: "agent7"})
	require.True(t, IsKind(err, KindNoneAvailable), "pool is spent but the rate limit must be reset, got %v", err)
}

func TestAllocateAfterReservationExpiry(t *testing.T) {
	ctx := context.Background()
	pool := newFakePool(
		database.CallerID{Number: "2125550001", AreaCode: "212"},
	)
	a, _, clock := newTestAllocator(t, pool, testConfig())

	_, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.NoError(t, err)

	_, err = a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.True(t, IsKind(err, KindNoneAvailable), "held reservation must block reuse")

	clock.Advance(301 * time.Second)
	alloc, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.NoError(t, err)
	require.Equal(t, "2125550001", alloc.Number)
}

func TestReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	pool := newFakePool(
		database.CallerID{Number: "2125550001", AreaCode: "212"},
	)
	a, _, _ := newTestAllocator(t, pool, testConfig())

	alloc, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.NoError(t, err)

	released, err := a.Release(ctx, alloc.Number)
	require.NoError(t, err)
	require.True(t, released)

	released, err = a.Release(ctx, alloc.Number)
	require.NoError(t, err)
	require.False(t, released, "second release must be a no-op")

	// Released numbers re-enter rotation immediately.
	alloc, err = a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.NoError(t, err)
	require.Equal(t, "2125550001", alloc.Number)
}

func TestCooldownSkipsRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	recent := time.Date(2025, 6, 1, 11, 59, 30, 0, time.UTC)
	pool := newFakePool(
		database.CallerID{Number: "2125550001", AreaCode: "212", LastUsedAt: &recent},
	)
	cfg := testConfig()
	cfg.CooldownSeconds = 120
	a, _, clock := newTestAllocator(t, pool, cfg)

	_, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.True(t, IsKind(err, KindNoneAvailable), "cooled-down number must be skipped")

	clock.Advance(2 * time.Minute)
	alloc, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.NoError(t, err)
	require.Equal(t, "2125550001", alloc.Number)
}

func TestLookupReservation(t *testing.T) {
	ctx := context.Background()
	pool := newFakePool(
		database.CallerID{Number: "2125550001", AreaCode: "212"},
	)
	a, _, _ := newTestAllocator(t, pool, testConfig())

	res, err := a.LookupReservation(ctx, "2125550001")
	require.NoError(t, err)
	require.Nil(t, res)

	_, err = a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "west", Agent: "agent7"})
	require.NoError(t, err)

	res, err = a.LookupReservation(ctx, "2125550001")
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, "agent7", res.Agent)
	require.Equal(t, "west", res.Campaign)
	require.Equal(t, "2125551001", res.Destination)
}

func TestAllocateValidation(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newTestAllocator(t, newFakePool(), testConfig())

	_, err := a.Allocate(ctx, Request{Destination: "2125551001", Agent: "a"})
	require.True(t, IsKind(err, KindInvalidInput))

	_, err = a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "  ", Agent: "a"})
	require.True(t, IsKind(err, KindInvalidInput), "whitespace-only campaign must be rejected")

	_, err = a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c"})
	require.True(t, IsKind(err, KindInvalidInput))

	_, err = a.Allocate(ctx, Request{Destination: "555123", Campaign: "c", Agent: "a"})
	require.True(t, IsKind(err, KindInvalidDestination), "6 digits is too short")

	_, err = a.Allocate(ctx, Request{Destination: "1234567890123456", Campaign: "c", Agent: "a"})
	require.True(t, IsKind(err, KindInvalidDestination), "16 digits is too long")

	// Formatting characters are stripped before validation.
	pool := newFakePool(database.CallerID{Number: "2125550001", AreaCode: "212"})
	a, _, _ = newTestAllocator(t, pool, testConfig())
	alloc, err := a.Allocate(ctx, Request{Destination: "+1 (212) 555-1001", Campaign: "c", Agent: "a"})
	require.NoError(t, err)
	require.Equal(t, "12125551001", alloc.Destination)
}

type failingStore struct {
	coordination.Store
}

func (failingStore) IncrementWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestAllocateStoreFailureIsUnavailable(t *testing.T) {
	ctx := context.Background()
	pool := newFakePool(database.CallerID{Number: "2125550001", AreaCode: "212"})
	a := New(pool, failingStore{}, nil, testConfig())

	_, err := a.Allocate(ctx, Request{Destination: "2125551001", Campaign: "c", Agent: "a"})
	require.True(t, IsKind(err, KindUnavailable))
}
