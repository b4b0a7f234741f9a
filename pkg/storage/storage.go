// Package storage opens the backends that saga records and dead letters live in.
//
// Each opener verifies the backend answers before returning it, so a misconfigured
// deployment fails at startup rather than on the first delivery.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/redis/go-redis/v9"

	"github.com/goclaw/ordersaga/config"
)

// DefaultPingTimeout bounds the reachability check made by each opener.
const DefaultPingTimeout = 5 * time.Second

// StorageUnavailableError indicates that a storage backend could not be reached.
type StorageUnavailableError struct {
	Backend string
	Cause   error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable (%s): %v", e.Backend, e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Cause
}

// IsUnavailable reports whether err is a StorageUnavailableError.
func IsUnavailable(err error) bool {
	var unavailable *StorageUnavailableError
	return errors.As(err, &unavailable)
}

// OpenRedis connects to Redis and pings it.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, &StorageUnavailableError{Backend: "redis", Cause: err}
	}
	return client, nil
}

// OpenPostgres opens a pgx-backed *sql.DB and pings it.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, &StorageUnavailableError{Backend: "postgres", Cause: err}
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, &StorageUnavailableError{Backend: "postgres", Cause: err}
	}
	return db, nil
}
