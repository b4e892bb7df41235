package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Health is a point-in-time snapshot of database reachability and pool
// utilization, served on the daemon's health endpoint.
type Health struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	Total     int32         `json:"total_conns"`
	Idle      int32         `json:"idle_conns"`
	InUse     int32         `json:"in_use_conns"`
}

// CheckHealth pings the database and collects pool counters. The error
// is non-nil when the ping fails; the snapshot is returned either way.
func CheckHealth(ctx context.Context, pool *pgxpool.Pool) (Health, error) {
	if pool == nil {
		return Health{}, fmt.Errorf("pool is nil")
	}

	start := time.Now()
	err := pool.Ping(ctx)
	h := Health{Latency: time.Since(start)}
	if err != nil {
		return h, fmt.Errorf("ping failed: %w", err)
	}

	stats := pool.Stat()
	h.Reachable = true
	h.Total = stats.TotalConns()
	h.Idle = stats.IdleConns()
	h.InUse = stats.AcquiredConns()
	return h, nil
}
