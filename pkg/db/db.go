// Package db records finished batches in PostgreSQL.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

type Config struct {
	DSN string
	// Debug logs every query. BUNDEBUG in the environment overrides it.
	Debug bool
	// MaxConns defaults to 2*GOMAXPROCS. History writes are one
	// transaction per finished batch.
	MaxConns int
}

// New connects to the history database and checks it is reachable.
func New(ctx context.Context, cfg Config) (*bun.DB, error) {
	connector := pgdriver.NewConnector(
		pgdriver.WithDSN(cfg.DSN),
		pgdriver.WithApplicationName("pprofit"),
		pgdriver.WithTimeout(10*time.Second),
	)
	db := bun.NewDB(sql.OpenDB(connector), pgdialect.New())
	db.AddQueryHook(bundebug.NewQueryHook(
		bundebug.WithEnabled(cfg.Debug),
		bundebug.WithVerbose(cfg.Debug),
		bundebug.FromEnv("BUNDEBUG"),
	))

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history database unreachable: %w", err)
	}

	conns := cfg.MaxConns
	if conns <= 0 {
		conns = 2 * runtime.GOMAXPROCS(0)
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	return db, nil
}
