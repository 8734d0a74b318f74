package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const pingTimeout = 5 * time.Second

// PoolStats is a snapshot of the journal connection pool.
type PoolStats struct {
	TotalConns    int32
	IdleConns     int32
	AcquiredConns int32
	MaxConns      int32
	WaitCount     int64
	Healthy       bool
}

func statsOf(pool *pgxpool.Pool) *PoolStats {
	s := pool.Stat()
	return &PoolStats{
		TotalConns:    s.TotalConns(),
		IdleConns:     s.IdleConns(),
		AcquiredConns: s.AcquiredConns(),
		MaxConns:      s.MaxConns(),
		WaitCount:     s.EmptyAcquireCount(),
	}
}

// Check pings the journal database and reports the pool state. Healthy is
// set only when the ping succeeds.
func Check(ctx context.Context, pool *pgxpool.Pool) (*PoolStats, error) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	pingErr := pool.Ping(ctx)
	stats := statsOf(pool)
	if pingErr != nil {
		return stats, fmt.Errorf("journal database unreachable: %w", pingErr)
	}
	stats.Healthy = true
	return stats, nil
}
