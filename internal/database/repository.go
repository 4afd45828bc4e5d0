package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// ErrDuplicate is returned when a caller-ID number already exists in the
// pool. The API layer maps it to 409 Conflict.
var ErrDuplicate = errors.New("caller-ID already exists")

const callerIDColumns = `number, area_code, carrier, hourly_cap, daily_cap,
	       last_used_at, active, COALESCE(metadata, ''), created_at, updated_at`

// Repository is the Pool Store adapter: the authoritative caller-ID catalog
// plus the allocation history. The allocator only ever writes last_used_at;
// admin tooling owns every other column.
type Repository struct {
	conn    *Connection
	batcher *AllocationBatcher
}

// NewRepository creates a repository and starts its history batcher.
func NewRepository(conn *Connection) *Repository {
	repo := &Repository{
		conn:    conn,
		batcher: NewAllocationBatcher(conn.DB),
	}
	repo.batcher.Start()
	return repo
}

// Close flushes and stops the batcher.
func (r *Repository) Close() {
	if r.batcher != nil {
		r.batcher.Stop()
	}
}

// GetDB returns the underlying sql.DB.
func (r *Repository) GetDB() *sql.DB {
	return r.conn.DB
}

func scanCallerID(row interface{ Scan(...any) error }) (*CallerID, error) {
	var c CallerID
	var lastUsed sql.NullTime
	err := row.Scan(
		&c.Number, &c.AreaCode, &c.Carrier, &c.HourlyCap, &c.DailyCap,
		&lastUsed, &c.Active, &c.Metadata, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		c.LastUsedAt = &t
	}
	return &c, nil
}

// QueryCandidates returns active caller-IDs ordered least-recently-used
// first, never-used before everything else, number as deterministic
// tiebreak. An empty areaCode matches the whole pool.
func (r *Repository) QueryCandidates(ctx context.Context, areaCode string, limit int) ([]CallerID, error) {
	query := `
		SELECT ` + callerIDColumns + `
		FROM cidrotate_caller_ids
		WHERE active = TRUE
	`
	args := []any{}
	if areaCode != "" {
		query += " AND area_code = ?"
		args = append(args, areaCode)
	}
	query += `
		ORDER BY (last_used_at IS NULL) DESC, last_used_at ASC, number ASC
		LIMIT ?
	`
	args = append(args, limit)

	rows, err := r.conn.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying candidates: %w", err)
	}
	defer rows.Close()

	var candidates []CallerID
	for rows.Next() {
		c, err := scanCallerID(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		candidates = append(candidates, *c)
	}
	return candidates, rows.Err()
}

// GetByNumber returns a caller-ID, or nil when unknown.
func (r *Repository) GetByNumber(ctx context.Context, number string) (*CallerID, error) {
	query := `SELECT ` + callerIDColumns + ` FROM cidrotate_caller_ids WHERE number = ?`
	c, err := scanCallerID(r.conn.DB.QueryRowContext(ctx, query, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying caller-ID %s: %w", number, err)
	}
	return c, nil
}

// UpdateLastUsed persists the LRU timestamp. GREATEST keeps the column
// monotonic so delayed writes cannot move a caller-ID backwards in the
// rotation order.
func (r *Repository) UpdateLastUsed(ctx context.Context, number string, ts time.Time) error {
	query := `
		UPDATE cidrotate_caller_ids
		SET last_used_at = GREATEST(COALESCE(last_used_at, '1970-01-01'), ?)
		WHERE number = ?
	`
	if _, err := r.conn.DB.ExecContext(ctx, query, ts.UTC(), number); err != nil {
		return fmt.Errorf("updating last_used_at for %s: %w", number, err)
	}
	return nil
}

// CreateCallerID inserts a new pool entry. Returns ErrDuplicate when the
// number is already present.
func (r *Repository) CreateCallerID(ctx context.Context, c *CallerID) error {
	query := `
		INSERT INTO cidrotate_caller_ids (number, area_code, carrier, hourly_cap, daily_cap, active, metadata)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''))
	`
	_, err := r.conn.DB.ExecContext(ctx, query,
		c.Number, c.AreaCode, c.Carrier, c.HourlyCap, c.DailyCap, c.Active, c.Metadata,
	)
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return fmt.Errorf("%w: %s", ErrDuplicate, c.Number)
	}
	if err != nil {
		return fmt.Errorf("creating caller-ID %s: %w", c.Number, err)
	}
	return nil
}

// UpdateCallerID rewrites the admin-owned columns of an existing entry.
func (r *Repository) UpdateCallerID(ctx context.Context, c *CallerID) error {
	query := `
		UPDATE cidrotate_caller_ids
		SET area_code = ?, carrier = ?, hourly_cap = ?, daily_cap = ?, active = ?, metadata = NULLIF(?, '')
		WHERE number = ?
	`
	result, err := r.conn.DB.ExecContext(ctx, query,
		c.AreaCode, c.Carrier, c.HourlyCap, c.DailyCap, c.Active, c.Metadata, c.Number,
	)
	if err != nil {
		return fmt.Errorf("updating caller-ID %s: %w", c.Number, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("caller-ID %s not found", c.Number)
	}
	return nil
}

// SetActive toggles visibility of a caller-ID to the allocator.
func (r *Repository) SetActive(ctx context.Context, number string, active bool) error {
	result, err := r.conn.DB.ExecContext(ctx,
		`UPDATE cidrotate_caller_ids SET active = ? WHERE number = ?`, active, number)
	if err != nil {
		return fmt.Errorf("toggling caller-ID %s: %w", number, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("caller-ID %s not found", number)
	}
	return nil
}

// DeleteCallerID physically removes a pool entry.
func (r *Repository) DeleteCallerID(ctx context.Context, number string) error {
	result, err := r.conn.DB.ExecContext(ctx,
		`DELETE FROM cidrotate_caller_ids WHERE number = ?`, number)
	if err != nil {
		return fmt.Errorf("deleting caller-ID %s: %w", number, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("caller-ID %s not found", number)
	}
	return nil
}

// ListCallerIDs returns the whole pool ordered by number.
func (r *Repository) ListCallerIDs(ctx context.Context) ([]CallerID, error) {
	query := `SELECT ` + callerIDColumns + ` FROM cidrotate_caller_ids ORDER BY number`
	rows, err := r.conn.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing caller-IDs: %w", err)
	}
	defer rows.Close()

	out := make([]CallerID, 0)
	for rows.Next() {
		c, err := scanCallerID(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning caller-ID: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// RecordReservation appends an audit row for a granted reservation.
func (r *Repository) RecordReservation(ctx context.Context, row *ReservationRow) error {
	query := `
		INSERT INTO cidrotate_reservations (number, agent, campaign, destination, reserved_until)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := r.conn.DB.ExecContext(ctx, query,
		row.Number, row.Agent, row.Campaign, row.Destination, row.ReservedUntil.UTC())
	if err != nil {
		return fmt.Errorf("recording reservation for %s: %w", row.Number, err)
	}
	return nil
}

// DeleteExpiredReservations prunes audit rows whose window has passed.
func (r *Repository) DeleteExpiredReservations(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.conn.DB.ExecContext(ctx,
		`DELETE FROM cidrotate_reservations WHERE reserved_until < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning reservations: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// QueueAllocationLog enqueues a history row on the batcher. Never blocks.
func (r *Repository) QueueAllocationLog(rec AllocationRecord) {
	r.batcher.Queue(rec)
}

// RecentAllocations returns the newest history rows for the dashboard.
func (r *Repository) RecentAllocations(ctx context.Context, limit int) ([]AllocationRecord, error) {
	query := `
		SELECT id, ts, number, destination, campaign, agent, latency_ms, outcome
		FROM cidrotate_allocation_log
		ORDER BY ts DESC
		LIMIT ?
	`
	rows, err := r.conn.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying allocation log: %w", err)
	}
	defer rows.Close()

	recs := make([]AllocationRecord, 0)
	for rows.Next() {
		var rec AllocationRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Number, &rec.Destination,
			&rec.Campaign, &rec.Agent, &rec.LatencyMs, &rec.Outcome); err != nil {
			return nil, fmt.Errorf("scanning allocation log: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Stats aggregates the pool counters for /api/v1/stats.
func (r *Repository) Stats(ctx context.Context) (*PoolStats, error) {
	var s PoolStats
	err := r.conn.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(active), 0) FROM cidrotate_caller_ids
	`).Scan(&s.TotalCallerIDs, &s.ActiveCallerIDs)
	if err != nil {
		return nil, fmt.Errorf("counting caller-IDs: %w", err)
	}

	err = r.conn.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cidrotate_reservations WHERE reserved_until > NOW()
	`).Scan(&s.LiveReservations)
	if err != nil {
		return nil, fmt.Errorf("counting reservations: %w", err)
	}

	err = r.conn.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(latency_ms), 0)
		FROM cidrotate_allocation_log
		WHERE outcome = 'granted' AND ts > NOW() - INTERVAL 1 HOUR
	`).Scan(&s.AllocationsLastHour, &s.AvgLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("aggregating allocation log: %w", err)
	}
	return &s, nil
}
