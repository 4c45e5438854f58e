package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// OpenDB parses databaseURL with pgx and returns a database/sql pool of at
// most maxConns connections, half of which are kept idle.
func OpenDB(ctx context.Context, databaseURL string, maxConns int) (*sql.DB, error) {
	connConfig, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 20
	}

	conn := stdlib.OpenDB(*connConfig)
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(max(1, maxConns/2))
	conn.SetConnMaxIdleTime(5 * time.Minute)
	conn.SetConnMaxLifetime(30 * time.Minute)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s@%s/%s: %w", connConfig.User, connConfig.Host, connConfig.Database, err)
	}
	return conn, nil
}
