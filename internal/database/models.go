package database

import "time"

// CallerID is one dialable number in the rotation pool.
type CallerID struct {
	Number     string     `db:"number" json:"number"`
	AreaCode   string     `db:"area_code" json:"area_code"`
	Carrier    string     `db:"carrier" json:"carrier"`
	HourlyCap  int        `db:"hourly_cap" json:"hourly_cap"`
	DailyCap   int        `db:"daily_cap" json:"daily_cap"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	Active     bool       `db:"active" json:"active"`
	// Metadata is an opaque JSON blob for external tooling; the allocator
	// never reads it.
	Metadata  string    `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ReservationRow is the durable audit trail of a reservation. The live lock
// lives in the coordination store; these rows only feed dashboards.
type ReservationRow struct {
	ID            int64     `db:"id" json:"id"`
	Number        string    `db:"number" json:"number"`
	Agent         string    `db:"agent" json:"agent"`
	Campaign      string    `db:"campaign" json:"campaign"`
	Destination   string    `db:"destination" json:"destination"`
	ReservedAt    time.Time `db:"reserved_at" json:"reserved_at"`
	ReservedUntil time.Time `db:"reserved_until" json:"reserved_until"`
}

// AllocationRecord is one row of the append-only allocation history.
type AllocationRecord struct {
	ID          int64     `db:"id" json:"id"`
	Timestamp   time.Time `db:"ts" json:"ts"`
	Number      string    `db:"number" json:"number"`
	Destination string    `db:"destination" json:"destination"`
	Campaign    string    `db:"campaign" json:"campaign"`
	Agent       string    `db:"agent" json:"agent"`
	LatencyMs   int       `db:"latency_ms" json:"latency_ms"`
	// Outcome is "granted", "none_available", "rate_limited" or an error
	// kind; dashboards group on it.
	Outcome string `db:"outcome" json:"outcome"`
}

// PoolStats is the aggregate view served by /api/v1/stats. LiveReservations
// counts unexpired audit rows, which tracks the coordination store closely
// enough for a dashboard.
type PoolStats struct {
	TotalCallerIDs      int     `json:"total_caller_ids"`
	ActiveCallerIDs     int     `json:"active_caller_ids"`
	LiveReservations    int     `json:"live_reservations"`
	AllocationsLastHour int     `json:"allocations_last_hour"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
}
