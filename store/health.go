package store

import (
	"context"
	"time"
)

// PoolStats are the connection pool counters of one store.
type PoolStats struct {
	Size      int   `json:"size"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	Overflow  int   `json:"overflow"`
	WaitCount int64 `json:"wait_count"`
}

// Health is the result of probing one store.
type Health struct {
	Connected  bool       `json:"connected"`
	QueryOK    bool       `json:"query_ok"`
	ResponseMS int64      `json:"response_ms"`
	Error      string     `json:"error,omitempty"`
	Pool       *PoolStats `json:"pool_stats,omitempty"`
}

// PoolStats returns the store's current pool counters.
func (s *Store) PoolStats() PoolStats {
	var stats = s.db.Stats()
	var overflow = stats.OpenConnections - s.poolSize
	if overflow < 0 {
		overflow = 0
	}
	var out = PoolStats{
		Size:      s.poolSize,
		InUse:     stats.InUse,
		Idle:      stats.Idle,
		Overflow:  overflow,
		WaitCount: stats.WaitCount,
	}
	poolInUseGauge.WithLabelValues(s.name).Set(float64(out.InUse))
	poolIdleGauge.WithLabelValues(s.name).Set(float64(out.Idle))
	poolOverflowGauge.WithLabelValues(s.name).Set(float64(out.Overflow))
	return out
}

// Health runs a trivial probe query against the store and times it.
func (s *Store) Health(ctx context.Context) Health {
	var stats = s.PoolStats()
	var started = time.Now()

	var conn, err = s.acquire(ctx)
	if err != nil {
		return Health{Error: err.Error(), Pool: &stats}
	}
	defer conn.Close()

	var queryCtx, cancel = context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var one int
	if err = conn.QueryRowContext(queryCtx, "SELECT 1;").Scan(&one); err != nil {
		return Health{
			Connected:  true,
			ResponseMS: time.Since(started).Milliseconds(),
			Error:      classify(err).Error(),
			Pool:       &stats,
		}
	}
	return Health{
		Connected:  true,
		QueryOK:    one == 1,
		ResponseMS: time.Since(started).Milliseconds(),
		Pool:       &stats,
	}
}

// HealthAll probes every configured store.
func (a *Access) HealthAll(ctx context.Context) map[string]Health {
	var out = make(map[string]Health, len(a.stores))
	for name, store := range a.stores {
		out[name] = store.Health(ctx)
	}
	return out
}
