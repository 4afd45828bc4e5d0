package allocator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"cidrotate/internal/config"
	"cidrotate/internal/coordination"
	"cidrotate/internal/database"
	"cidrotate/internal/phone"
)

// PoolStore is the slice of the caller-ID catalog the engine needs.
// *database.Repository satisfies it; tests use an in-memory fake.
type PoolStore interface {
	QueryCandidates(ctx context.Context, areaCode string, limit int) ([]database.CallerID, error)
	GetByNumber(ctx context.Context, number string) (*database.CallerID, error)
	UpdateLastUsed(ctx context.Context, number string, ts time.Time) error
}

// Recorder receives the audit trail. All recording is best-effort; a broken
// audit path never fails an allocation.
type Recorder interface {
	QueueAllocationLog(rec database.AllocationRecord)
	RecordReservation(ctx context.Context, row *database.ReservationRow) error
}

// Request is one allocation attempt.
type Request struct {
	Destination string `json:"destination"`
	Campaign    string `json:"campaign"`
	Agent       string `json:"agent"`
}

// Allocation is a granted, exclusive caller-ID reservation.
type Allocation struct {
	Number      string    `json:"number"`
	AreaCode    string    `json:"area_code"`
	Carrier     string    `json:"carrier"`
	TTLSeconds  int       `json:"ttl_seconds"`
	ExpiresAt   time.Time `json:"expires_at"`
	Destination string    `json:"destination"`
	Campaign    string    `json:"campaign"`
	Agent       string    `json:"agent"`
}

// Reservation is the decoded state of a live reservation lock.
type Reservation struct {
	Number      string    `json:"number"`
	Agent       string    `json:"agent"`
	Campaign    string    `json:"campaign"`
	Destination string    `json:"destination"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// reservationPayload is the JSON value stored under the reservation key.
type reservationPayload struct {
	Agent       string    `json:"agent"`
	Campaign    string    `json:"campaign"`
	Destination string    `json:"destination"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Allocator is the caller-ID allocation engine. It owns no state of its
// own; every decision runs against the pool catalog and the coordination
// store, so any number of instances can serve the same pool.
type Allocator struct {
	pool  PoolStore
	coord coordination.Store
	rec   Recorder
	cfg   config.AllocatorConfig
	now   func() time.Time
}

// New creates an allocator. rec may be nil when no audit trail is wanted.
func New(pool PoolStore, coord coordination.Store, rec Recorder, cfg config.AllocatorConfig) *Allocator {
	return &Allocator{
		pool:  pool,
		coord: coord,
		rec:   rec,
		cfg:   cfg,
		now:   time.Now,
	}
}

// NewWithClock is New with an injectable clock.
func NewWithClock(pool PoolStore, coord coordination.Store, rec Recorder, cfg config.AllocatorConfig, now func() time.Time) *Allocator {
	a := New(pool, coord, rec, cfg)
	a.now = now
	return a
}

// Allocate picks the least-recently-used eligible caller-ID, reserves it
// exclusively and charges its usage counters. Runs in three phases: agent
// rate limit, candidate scan, reservation race. The rate limit is charged
// before scanning, so a denied request still counts against the agent.
func (a *Allocator) Allocate(ctx context.Context, req Request) (*Allocation, error) {
	start := a.now()

	req.Campaign = strings.TrimSpace(req.Campaign)
	req.Agent = strings.TrimSpace(req.Agent)
	if req.Campaign == "" {
		return nil, invalidInput("campaign is required")
	}
	if req.Agent == "" {
		return nil, invalidInput("agent is required")
	}
	dest := phone.Normalize(req.Destination)
	if !phone.ValidDestination(dest) {
		return nil, invalidDestination("destination must be %d-%d digits, got %q",
			phone.MinDestinationDigits, phone.MaxDigits, req.Destination)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestDeadline())
	defer cancel()

	if err := a.checkRateLimit(ctx, req, dest, start); err != nil {
		return nil, err
	}

	areaCode := phone.AreaCode(dest)

	// Tier 1 prefers the destination's area code; tier 2 falls back to the
	// whole pool unless strict matching is configured. The seen set keeps a
	// tier-1 loser from being retried in tier 2.
	seen := make(map[string]bool)
	if areaCode != "" {
		alloc, err := a.scanTier(ctx, req, dest, areaCode, seen, start)
		if alloc != nil || err != nil {
			return alloc, err
		}
	}
	if !a.cfg.StrictAreaCode || areaCode == "" {
		alloc, err := a.scanTier(ctx, req, dest, "", seen, start)
		if alloc != nil || err != nil {
			return alloc, err
		}
	}

	a.record(req, dest, "", "none_available", start)
	return nil, noneAvailable(req.Campaign)
}

func (a *Allocator) checkRateLimit(ctx context.Context, req Request, dest string, start time.Time) error {
	key := coordination.RateLimitKey(req.Agent, a.now())
	n, err := a.coord.IncrementWithTTL(ctx, key, coordination.RateLimitTTL)
	if err != nil {
		return unavailable(err)
	}
	if n > int64(a.cfg.AgentRateLimitPerMinute) {
		a.record(req, dest, "", "rate_limited", start)
		return rateLimited(req.Agent, 60-a.now().Second())
	}
	return nil
}

// scanTier walks one candidate batch in rotation order and tries to win a
// reservation on each in turn. Returns (nil, nil) when the tier is
// exhausted without a grant.
func (a *Allocator) scanTier(ctx context.Context, req Request, dest, areaCode string, seen map[string]bool, start time.Time) (*Allocation, error) {
	candidates, err := a.pool.QueryCandidates(ctx, areaCode, a.cfg.CandidateScanLimit)
	if err != nil {
		return nil, unavailable(err)
	}

	cooldown := a.cfg.Cooldown()
	for i := range candidates {
		c := &candidates[i]
		if seen[c.Number] {
			continue
		}
		seen[c.Number] = true

		if cooldown > 0 && c.LastUsedAt != nil && a.now().Sub(*c.LastUsedAt) < cooldown {
			continue
		}

		alloc, err := a.tryReserve(ctx, req, dest, c, start)
		if alloc != nil || err != nil {
			return alloc, err
		}
	}
	return nil, nil
}

// tryReserve races for the reservation lock and, having won it, charges the
// usage counters. A cap violation rolls everything back and returns
// (nil, nil) so the scan moves to the next candidate.
func (a *Allocator) tryReserve(ctx context.Context, req Request, dest string, c *database.CallerID, start time.Time) (*Allocation, error) {
	now := a.now()
	ttl := a.cfg.ReservationTTL()
	expiresAt := now.Add(ttl)

	payload, err := json.Marshal(reservationPayload{
		Agent:       req.Agent,
		Campaign:    req.Campaign,
		Destination: dest,
		CreatedAt:   now.UTC(),
		ExpiresAt:   expiresAt.UTC(),
	})
	if err != nil {
		return nil, unavailable(err)
	}

	resKey := coordination.ReservationKey(c.Number)
	won, err := a.coord.SetIfAbsent(ctx, resKey, string(payload), ttl)
	if err != nil {
		return nil, unavailable(err)
	}
	if !won {
		return nil, nil
	}

	hourlyKey := coordination.HourlyUsageKey(c.Number, now)
	hourly, err := a.coord.IncrementWithTTL(ctx, hourlyKey, coordination.HourlyUsageTTL)
	if err != nil {
		a.releaseBestEffort(resKey)
		return nil, unavailable(err)
	}
	if hourly > int64(c.HourlyCap) {
		a.rollback(ctx, resKey, hourlyKey)
		return nil, nil
	}

	dailyKey := coordination.DailyUsageKey(c.Number, now)
	daily, err := a.coord.IncrementWithTTL(ctx, dailyKey, coordination.DailyUsageTTL)
	if err != nil {
		a.rollback(ctx, resKey, hourlyKey)
		return nil, unavailable(err)
	}
	if daily > int64(c.DailyCap) {
		a.rollback(ctx, resKey, hourlyKey, dailyKey)
		return nil, nil
	}

	// The grant is final. Everything below is best-effort bookkeeping and
	// must never fail the allocation.
	go a.touchLastUsed(c.Number, now)
	a.audit(req, dest, c.Number, now, expiresAt)
	a.record(req, dest, c.Number, "granted", start)

	return &Allocation{
		Number:      c.Number,
		AreaCode:    c.AreaCode,
		Carrier:     c.Carrier,
		TTLSeconds:  a.cfg.ReservationTTLSeconds,
		ExpiresAt:   expiresAt.UTC(),
		Destination: dest,
		Campaign:    req.Campaign,
		Agent:       req.Agent,
	}, nil
}

// rollback undoes a failed candidate attempt: decrement whatever counters
// were charged, then drop the reservation lock. Runs on a detached context
// so a blown request deadline cannot leave the counters inflated.
func (a *Allocator) rollback(_ context.Context, resKey string, counterKeys ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, key := range counterKeys {
		if _, err := a.coord.Decrement(ctx, key); err != nil {
			log.Printf("[Allocator] WARNING: rollback decrement of %s failed: %v", key, err)
		}
	}
	if _, err := a.coord.Delete(ctx, resKey); err != nil {
		log.Printf("[Allocator] WARNING: rollback delete of %s failed: %v", resKey, err)
	}
}

func (a *Allocator) releaseBestEffort(resKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.coord.Delete(ctx, resKey); err != nil {
		log.Printf("[Allocator] WARNING: releasing %s failed: %v", resKey, err)
	}
}

// touchLastUsed persists the rotation timestamp. Fire-and-forget: a lost
// write only means the number comes up again sooner than ideal.
func (a *Allocator) touchLastUsed(number string, ts time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.pool.UpdateLastUsed(ctx, number, ts); err != nil {
		log.Printf("[Allocator] WARNING: updating last_used_at for %s failed: %v", number, err)
	}
}

func (a *Allocator) audit(req Request, dest, number string, now, expiresAt time.Time) {
	if a.rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.rec.RecordReservation(ctx, &database.ReservationRow{
		Number:        number,
		Agent:         req.Agent,
		Campaign:      req.Campaign,
		Destination:   dest,
		ReservedUntil: expiresAt.UTC(),
	})
	if err != nil {
		log.Printf("[Allocator] WARNING: recording reservation for %s failed: %v", number, err)
	}
}

func (a *Allocator) record(req Request, dest, number, outcome string, start time.Time) {
	if a.rec == nil {
		return
	}
	a.rec.QueueAllocationLog(database.AllocationRecord{
		Timestamp:   a.now().UTC(),
		Number:      number,
		Destination: dest,
		Campaign:    req.Campaign,
		Agent:       req.Agent,
		LatencyMs:   int(a.now().Sub(start).Milliseconds()),
		Outcome:     outcome,
	})
}

// Release drops a reservation lock early. Idempotent: releasing an unknown
// or expired reservation reports false without error. Usage counters are
// never refunded; the call was placed.
func (a *Allocator) Release(ctx context.Context, number string) (bool, error) {
	number = phone.Normalize(number)
	if number == "" {
		return false, invalidInput("number is required")
	}
	deleted, err := a.coord.Delete(ctx, coordination.ReservationKey(number))
	if err != nil {
		return false, unavailable(err)
	}
	return deleted, nil
}

// LookupReservation returns the live reservation for a number, or nil when
// none is held.
func (a *Allocator) LookupReservation(ctx context.Context, number string) (*Reservation, error) {
	number = phone.Normalize(number)
	if number == "" {
		return nil, invalidInput("number is required")
	}
	val, ok, err := a.coord.Get(ctx, coordination.ReservationKey(number))
	if err != nil {
		return nil, unavailable(err)
	}
	if !ok {
		return nil, nil
	}

	var p reservationPayload
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return nil, unavailable(err)
	}
	return &Reservation{
		Number:      number,
		Agent:       p.Agent,
		Campaign:    p.Campaign,
		Destination: p.Destination,
		CreatedAt:   p.CreatedAt,
		ExpiresAt:   p.ExpiresAt,
	}, nil
}

// IsKind reports whether err is an allocation Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}
