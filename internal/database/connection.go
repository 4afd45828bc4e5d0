package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"cidrotate/internal/config"
)

// Connection wraps the shared MySQL connection pool.
type Connection struct {
	DB *sql.DB
}

// NewConnection opens and verifies the database connection pool.
func NewConnection(cfg config.DatabaseConfig) (*Connection, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Connection{DB: db}, nil
}

// Close closes the connection pool.
func (c *Connection) Close() error {
	return c.DB.Close()
}
