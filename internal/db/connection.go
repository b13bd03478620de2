package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Connection holds the database connection
type Connection struct {
	DB *sql.DB
}

// NewConnection opens a lib/pq pool for dsn and pings it.
func NewConnection(ctx context.Context, dsn string, maxConns int, log logrus.FieldLogger) (*Connection, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.WithField("max_conns", maxConns).Info("database connected")
	return &Connection{DB: db}, nil
}

// Ping checks the database is reachable.
func (c *Connection) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.DB.PingContext(ctx)
}

// Close closes the database connection
func (c *Connection) Close() error {
	return c.DB.Close()
}
