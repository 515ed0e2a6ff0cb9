package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hotmess-kernel/common/config"

	_ "github.com/lib/pq"
)

const (
	pingAttempts  = 5
	firstPingWait = 500 * time.Millisecond
)

// Pinger is the part of *sql.DB used to wait for the server.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// NewPostgresDB opens a pool and waits for the server to answer. The
// database container often starts alongside the kernel, so the ping is
// retried with doubling waits before giving up.
func NewPostgresDB(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := WaitReady(ctx, db, pingAttempts, firstPingWait); err != nil {
		db.Close()
		return nil, fmt.Errorf("database %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}
	return db, nil
}

// WaitReady pings up to attempts times, waiting wait, 2*wait, ... in between.
func WaitReady(ctx context.Context, p Pinger, attempts int, wait time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = p.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("not ready after %d attempts: %w", attempts, err)
}
