// Package chaos injects storage failures into a running stress test.
package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// KillBackends terminates one random backend of the current database with
// probability 1/odds every interval, returning the number of kills once ctx
// is done or stop is closed. The engine must surface those as retryable
// failures without breaking an invariant.
func KillBackends(ctx context.Context, pool *pgxpool.Pool, interval time.Duration, odds int, stop <-chan struct{}) int64 {
	var killed int64
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return killed
		case <-stop:
			return killed
		case <-ticker.C:
			if odds > 1 && rand.Intn(odds) != 0 {
				continue
			}
			tag, err := pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
                WHERE datname = current_database() AND pid <> pg_backend_pid() AND backend_type = 'client backend'
                ORDER BY random() LIMIT 1`)
			if err == nil && tag.RowsAffected() > 0 {
				killed++
			}
		}
	}
}
