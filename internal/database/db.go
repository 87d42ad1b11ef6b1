package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/safar/go-card-fulfillment/internal/config"
)

// NewConnection opens the card store pool. DATABASE_DRIVER picks the wire
// driver: "postgres" is lib/pq, "pgx" is the pgx stdlib adapter. Both report
// SQLSTATE codes that ClassifyError understands.
//
// The first ping is retried so the API and the migration runner can start
// alongside a database that is still booting.
func NewConnection(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	attempts := cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := cfg.ConnectBackoff

	for attempt := 1; ; attempt++ {
		err = ping(db, 5*time.Second)
		if err == nil {
			return db, nil
		}
		if attempt >= attempts {
			break
		}
		log.Printf("database not ready (attempt %d/%d): %v", attempt, attempts, err)
		time.Sleep(backoff)
		backoff *= 2
	}

	db.Close()
	return nil, fmt.Errorf("ping database: %w", err)
}

func ping(db *sql.DB, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return db.PingContext(ctx)
}

// DriverName reports which registered driver backs the pool.
func DriverName(db *sql.DB) string {
	switch db.Driver().(type) {
	case *pq.Driver:
		return "postgres"
	case *stdlib.Driver:
		return "pgx"
	default:
		return fmt.Sprintf("%T", db.Driver())
	}
}

// Health pings the pool and reports its driver and connection statistics
// for GET /health.
func Health(ctx context.Context, db *sql.DB) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	stats := map[string]string{"driver": DriverName(db)}

	if err := db.PingContext(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = err.Error()
		return stats
	}

	stats["status"] = "up"

	s := db.Stats()
	stats["open_connections"] = strconv.Itoa(s.OpenConnections)
	stats["in_use"] = strconv.Itoa(s.InUse)
	stats["idle"] = strconv.Itoa(s.Idle)
	stats["wait_count"] = strconv.FormatInt(s.WaitCount, 10)
	stats["wait_duration"] = s.WaitDuration.String()

	return stats
}
