package database

import (
	"database/sql"
	"fmt"
	"log"
)

// Table DDL, executed at start-up. Statements are idempotent so repeated
// starts against the same database are safe.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS cidrotate_caller_ids (
		number       VARCHAR(20)  NOT NULL PRIMARY KEY,
		area_code    VARCHAR(10)  NOT NULL DEFAULT '',
		carrier      VARCHAR(100) NOT NULL DEFAULT '',
		hourly_cap   INT          NOT NULL DEFAULT 100,
		daily_cap    INT          NOT NULL DEFAULT 1000,
		last_used_at DATETIME(3)  NULL,
		active       BOOLEAN      NOT NULL DEFAULT TRUE,
		metadata     JSON         NULL,
		created_at   DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at   DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		INDEX idx_area_active (area_code, active),
		INDEX idx_last_used (last_used_at)
	)`,
	`CREATE TABLE IF NOT EXISTS cidrotate_reservations (
		id             BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
		number         VARCHAR(20)  NOT NULL,
		agent          VARCHAR(100) NOT NULL DEFAULT '',
		campaign       VARCHAR(100) NOT NULL DEFAULT '',
		destination    VARCHAR(20)  NOT NULL DEFAULT '',
		reserved_at    DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		reserved_until DATETIME(3)  NOT NULL,
		INDEX idx_number_until (number, reserved_until),
		INDEX idx_until (reserved_until)
	)`,
	`CREATE TABLE IF NOT EXISTS cidrotate_allocation_log (
		id          BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
		ts          DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		number      VARCHAR(20)  NOT NULL DEFAULT '',
		destination VARCHAR(20)  NOT NULL DEFAULT '',
		campaign    VARCHAR(100) NOT NULL DEFAULT '',
		agent       VARCHAR(100) NOT NULL DEFAULT '',
		latency_ms  INT          NOT NULL DEFAULT 0,
		outcome     VARCHAR(30)  NOT NULL,
		INDEX idx_ts (ts),
		INDEX idx_ts_campaign (ts, campaign)
	)`,
}

// EnsureSchema creates the service tables when missing.
func EnsureSchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	log.Println("[Database] Schema verified")
	return nil
}
